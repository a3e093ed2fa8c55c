// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
)

// ErrNoCredentials is returned when a mechanism lacks the secret it needs.
var ErrNoCredentials = errors.New("auth: no credentials for mechanism")

// Credentials supplies the long term secrets the mechanisms consume.  peer
// is the bus name of the remote endpoint.
type Credentials interface {
	// PSK returns the pre-shared key for ECDHE_PSK.
	PSK(peer string) ([]byte, error)

	// Password returns the password for ECDHE_SPEKE.
	Password(peer string) ([]byte, error)

	// Identity returns the signing key and DER certificate chain, leaf
	// first, for ECDHE_ECDSA.
	Identity() (*ecdsa.PrivateKey, [][]byte, error)

	// TrustAnchors returns the roots remote certificate chains must chain
	// to.
	TrustAnchors() *x509.CertPool
}

// StaticCredentials serves the same secrets to every peer.
type StaticCredentials struct {
	PreSharedKey []byte
	Passphrase   []byte

	SigningKey *ecdsa.PrivateKey
	Chain      [][]byte
	Roots      *x509.CertPool
}

// PSK implements Credentials.
func (c *StaticCredentials) PSK(string) ([]byte, error) {
	if len(c.PreSharedKey) == 0 {
		return nil, ErrNoCredentials
	}
	return c.PreSharedKey, nil
}

// Password implements Credentials.
func (c *StaticCredentials) Password(string) ([]byte, error) {
	if len(c.Passphrase) == 0 {
		return nil, ErrNoCredentials
	}
	return c.Passphrase, nil
}

// Identity implements Credentials.
func (c *StaticCredentials) Identity() (*ecdsa.PrivateKey, [][]byte, error) {
	if c.SigningKey == nil || len(c.Chain) == 0 {
		return nil, nil, ErrNoCredentials
	}
	return c.SigningKey, c.Chain, nil
}

// TrustAnchors implements Credentials.
func (c *StaticCredentials) TrustAnchors() *x509.CertPool {
	return c.Roots
}
