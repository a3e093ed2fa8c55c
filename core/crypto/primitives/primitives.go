// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package primitives wraps the cryptographic building blocks used by the
// peer authentication handshake: SHA-256, ECDH and ECDSA over P-256, HKDF,
// HMAC, constant time comparison and AES-GCM.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DigestSize is the size of a SHA-256 digest.
	DigestSize = sha256.Size

	// SharedSecretSize is the size of a P-256 ECDH shared secret.
	SharedSecretSize = 32
)

var (
	errSealedTooShort = errors.New("primitives: sealed message too short")
	errBadKeySize     = errors.New("primitives: invalid AES key size")
)

// NewHash returns a new streaming SHA-256 context.
func NewHash() hash.Hash {
	return sha256.New()
}

// Sum256 returns the SHA-256 digest over the concatenation of parts.
func Sum256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HMAC returns HMAC-SHA256(key, parts...).
func HMAC(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// HKDFExtract returns the HKDF-SHA256 pseudorandom key for secret and salt.
func HKDFExtract(secret, salt []byte) []byte {
	return hkdf.Extract(sha256.New, secret, salt)
}

// HKDFExpand expands prk into length bytes bound to info.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("primitives: hkdf expand: %w", err)
	}
	return out, nil
}

// HKDF runs extract and expand in one step.
func HKDF(secret, salt, info []byte, length int) ([]byte, error) {
	prk := HKDFExtract(secret, salt)
	defer Zeroize(prk)
	return HKDFExpand(prk, info, length)
}

// Equal compares a and b in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b with zeros.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// RandomBytes returns n bytes from the system entropy source.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Seal encrypts plaintext under an AES key with GCM, prefixing the random
// nonce to the returned ciphertext.
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func Open(key, sealed, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errSealedTooShort
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, ad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
