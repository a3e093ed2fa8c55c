// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keyblob implements the key container installed into peer state
// once a handshake completes.
package keyblob

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/peerbus/core/crypto/primitives"
)

const (
	// MinKeySize and MaxKeySize bound the key material a KeyBlob holds.
	MinKeySize = 16
	MaxKeySize = 64

	// MaxTagSize bounds the association tag.
	MaxTagSize = 32
)

// Role is what the key is used for.
type Role uint8

const (
	// RoleAES keys encrypt messages.
	RoleAES Role = iota + 1

	// RoleHMAC keys authenticate messages.
	RoleHMAC
)

func (r Role) String() string {
	switch r {
	case RoleAES:
		return "AES"
	case RoleHMAC:
		return "HMAC"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

var (
	errKeySize = errors.New("keyblob: invalid key size")
	errTagSize = errors.New("keyblob: association tag too long")
	errRole    = errors.New("keyblob: invalid role")
)

// KeyBlob is a symmetric key with an expiry.
type KeyBlob struct {
	Bytes  []byte
	Role   Role
	Expiry time.Time
	Tag    string
}

// New copies key into a fresh KeyBlob.
func New(key []byte, role Role, expiry time.Time, tag string) (*KeyBlob, error) {
	if len(key) < MinKeySize || len(key) > MaxKeySize {
		return nil, errKeySize
	}
	if len(tag) > MaxTagSize {
		return nil, errTagSize
	}
	if role != RoleAES && role != RoleHMAC {
		return nil, errRole
	}
	b := make([]byte, len(key))
	copy(b, key)
	return &KeyBlob{
		Bytes:  b,
		Role:   role,
		Expiry: expiry,
		Tag:    tag,
	}, nil
}

// IsValid returns true if the blob holds key material that has not expired
// at now.
func (k *KeyBlob) IsValid(now time.Time) bool {
	return k != nil && len(k.Bytes) > 0 && now.Before(k.Expiry)
}

// HasExpired returns true once now reaches the expiry instant.
func (k *KeyBlob) HasExpired(now time.Time) bool {
	return k == nil || !now.Before(k.Expiry)
}

// Clone returns a deep copy.
func (k *KeyBlob) Clone() *KeyBlob {
	if k == nil {
		return nil
	}
	c := *k
	c.Bytes = append([]byte(nil), k.Bytes...)
	return &c
}

// Erase zeroizes the key material.
func (k *KeyBlob) Erase() {
	if k == nil {
		return
	}
	primitives.Zeroize(k.Bytes)
	k.Bytes = nil
	k.Expiry = time.Time{}
	k.Tag = ""
}

// String never prints key material.
func (k *KeyBlob) String() string {
	if k == nil {
		return "KeyBlob{<nil>}"
	}
	return fmt.Sprintf("KeyBlob{%s, %d bytes, expires %s, tag %q}", k.Role, len(k.Bytes), k.Expiry.Format(time.RFC3339), k.Tag)
}
