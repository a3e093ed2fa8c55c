// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package primitives

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/katzenpost/hpqc/rand"
)

// PublicKeySize is the size of an uncompressed P-256 point without the
// leading format byte, as sent in KeyExchange.
const PublicKeySize = 64

const spekeLabel = "ALLJOYN-ECDHE-SPEKE"

var (
	errPublicKeySize = errors.New("primitives: invalid public key size")
	errNotOnCurve    = errors.New("primitives: point is not on P-256")
	errDestroyed     = errors.New("primitives: key has been destroyed")
	errInfinity      = errors.New("primitives: shared secret is the point at infinity")
	errNoBasePoint   = errors.New("primitives: failed to derive SPEKE base point")
)

// KeyAgreement is an ephemeral Diffie-Hellman key pair.
type KeyAgreement interface {
	// PublicBytes returns the 64 byte uncompressed public point.
	PublicBytes() []byte

	// SharedSecret returns the 32 byte x coordinate of the shared point.
	SharedSecret(remote []byte) ([]byte, error)

	// Destroy drops the private scalar.
	Destroy()
}

// ECDHKey is an ephemeral P-256 key pair over the standard generator.
type ECDHKey struct {
	priv *ecdh.PrivateKey
}

// GenerateECDHKey creates a new ephemeral P-256 key pair.
func GenerateECDHKey() (*ECDHKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ECDHKey{priv: priv}, nil
}

// PublicBytes returns the 64 byte uncompressed public point.
func (k *ECDHKey) PublicBytes() []byte {
	if k.priv == nil {
		return nil
	}
	return k.priv.PublicKey().Bytes()[1:]
}

// SharedSecret computes the ECDH shared secret with the remote public point.
func (k *ECDHKey) SharedSecret(remote []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, errDestroyed
	}
	if len(remote) != PublicKeySize {
		return nil, errPublicKeySize
	}
	pub, err := ecdh.P256().NewPublicKey(append([]byte{0x04}, remote...))
	if err != nil {
		return nil, fmt.Errorf("primitives: invalid remote public key: %w", err)
	}
	return k.priv.ECDH(pub)
}

// Destroy drops the reference to the private key.  crypto/ecdh offers no
// way to wipe the scalar in place, so this is the best that can be done.
func (k *ECDHKey) Destroy() {
	k.priv = nil
}

// SPEKEKey is an ephemeral P-256 key pair over a password derived base
// point.
type SPEKEKey struct {
	scalar []byte
	pubX   *big.Int
	pubY   *big.Int
}

// SPEKEBasePoint hashes the password and both endpoint GUIDs onto P-256
// using try-and-increment.  The GUIDs must be given in the same order by
// both sides.
func SPEKEBasePoint(password, guidA, guidB []byte) (x, y *big.Int, err error) {
	curve := elliptic.P256()
	for ctr := 0; ctr < 256; ctr++ {
		d := Sum256([]byte(spekeLabel), []byte{byte(ctr)}, password, guidA, guidB)
		x, y = elliptic.UnmarshalCompressed(curve, append([]byte{0x02}, d...))
		Zeroize(d)
		if x != nil {
			return x, y, nil
		}
	}
	return nil, nil, errNoBasePoint
}

// GenerateSPEKEKey creates a key pair whose public point is a multiple of
// the SPEKE base point for password.
func GenerateSPEKEKey(password, guidA, guidB []byte) (*SPEKEKey, error) {
	bx, by, err := SPEKEBasePoint(password, guidA, guidB)
	if err != nil {
		return nil, err
	}
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	k := &SPEKEKey{scalar: priv.Bytes()}
	k.pubX, k.pubY = elliptic.P256().ScalarMult(bx, by, k.scalar)
	return k, nil
}

// PublicBytes returns the 64 byte uncompressed public point.
func (k *SPEKEKey) PublicBytes() []byte {
	if k.scalar == nil {
		return nil
	}
	return pointBytes(k.pubX, k.pubY)
}

// SharedSecret multiplies the remote point by the private scalar.
func (k *SPEKEKey) SharedSecret(remote []byte) ([]byte, error) {
	if k.scalar == nil {
		return nil, errDestroyed
	}
	if len(remote) != PublicKeySize {
		return nil, errPublicKeySize
	}
	curve := elliptic.P256()
	rx := new(big.Int).SetBytes(remote[:32])
	ry := new(big.Int).SetBytes(remote[32:])
	if !curve.IsOnCurve(rx, ry) {
		return nil, errNotOnCurve
	}
	sx, sy := curve.ScalarMult(rx, ry, k.scalar)
	if sx.Sign() == 0 && sy.Sign() == 0 {
		return nil, errInfinity
	}
	out := make([]byte, SharedSecretSize)
	sx.FillBytes(out)
	return out, nil
}

// Destroy wipes the private scalar.
func (k *SPEKEKey) Destroy() {
	Zeroize(k.scalar)
	k.scalar = nil
}

func pointBytes(x, y *big.Int) []byte {
	out := make([]byte, PublicKeySize)
	x.FillBytes(out[:32])
	y.FillBytes(out[32:])
	return out
}

// GenerateSigningKey creates a long term ECDSA P-256 key.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Sign signs digest with priv, returning an ASN.1 signature.
func Sign(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, priv, digest)
}

// Verify checks an ASN.1 signature over digest.
func Verify(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if pub == nil || pub.Curve != elliptic.P256() {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest, sig)
}
