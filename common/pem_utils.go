// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	pemTypeECKey       = "EC PRIVATE KEY"
	pemTypeCertificate = "CERTIFICATE"
)

var errNoPEMBlock = errors.New("common: no PEM block found")

// TruncatePEMForLogging truncates a PEM string to first two lines plus "..."
// This is useful for logging PEM keys in a more concise format while preserving
// the header and first line of data for debugging purposes.
func TruncatePEMForLogging(pemStr string) string {
	lines := strings.Split(strings.TrimSpace(pemStr), "\n")
	if len(lines) <= 2 {
		return pemStr
	}
	return strings.Join(lines[:2], "\n") + "\n..."
}

// ECDSAKeyToPEM encodes a P-256 signing key.
func ECDSAKeyToPEM(k *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(k)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeECKey, Bytes: der}), nil
}

// ECDSAKeyFromPEM decodes a signing key written by ECDSAKeyToPEM.
func ECDSAKeyFromPEM(b []byte) (*ecdsa.PrivateKey, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, errNoPEMBlock
	}
	if blk.Type != pemTypeECKey {
		return nil, fmt.Errorf("common: unexpected PEM block %q", blk.Type)
	}
	return x509.ParseECPrivateKey(blk.Bytes)
}

// CertificatesToPEM encodes DER certificates, in order.
func CertificatesToPEM(chain [][]byte) []byte {
	var out []byte
	for _, der := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der})...)
	}
	return out
}

// CertificatesFromPEM returns the DER certificates in b, in file order.
func CertificatesFromPEM(b []byte) ([][]byte, error) {
	var chain [][]byte
	for {
		var blk *pem.Block
		blk, b = pem.Decode(b)
		if blk == nil {
			break
		}
		if blk.Type != pemTypeCertificate {
			continue
		}
		if _, err := x509.ParseCertificate(blk.Bytes); err != nil {
			return nil, err
		}
		chain = append(chain, blk.Bytes)
	}
	if len(chain) == 0 {
		return nil, errNoPEMBlock
	}
	return chain, nil
}

// LoadECDSAKeyFile reads a PEM signing key from disk.
func LoadECDSAKeyFile(f string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return ECDSAKeyFromPEM(b)
}

// LoadCertificatesFile reads PEM certificates from disk.
func LoadCertificatesFile(f string) ([][]byte, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return CertificatesFromPEM(b)
}
