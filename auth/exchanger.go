// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/crypto/primitives"
	"github.com/katzenpost/peerbus/core/guid"
)

const verifierLabel = "verifier"

var (
	// ErrVerifierMismatch is returned when the remote proof does not match.
	ErrVerifierMismatch = errors.New("auth: verifier mismatch")

	// ErrBadProof is returned for a malformed remote proof.
	ErrBadProof = errors.New("auth: malformed proof")

	// ErrUnknownSuite is returned by New for unsupported mechanisms.
	ErrUnknownSuite = errors.New("auth: unknown mechanism")

	errNoSharedSecret = errors.New("auth: shared secret not computed")
)

// Params describes one handshake run from the local point of view.
type Params struct {
	// Peer is the remote bus name, used to look up credentials.
	Peer string

	// InitiatorGUID and ResponderGUID identify both endpoints in a role
	// independent order.
	InitiatorGUID guid.GUID128
	ResponderGUID guid.GUID128

	Credentials Credentials

	// Now is consulted for certificate validity.  Defaults to time.Now.
	Now func() time.Time
}

// KeyExchanger runs the KeyExchange and KeyAuthentication steps of one
// mechanism.  It is used by exactly one handshake and then destroyed.
type KeyExchanger interface {
	// Suite returns the mechanism identifier.
	Suite() Suite

	// PublicKey returns the local ephemeral public point.
	PublicKey() []byte

	// ComputeSharedSecret derives the shared secret from the remote public
	// point and destroys the ephemeral private key.
	ComputeSharedSecret(remote []byte) error

	// HashSecrets feeds mechanism secrets into the transcript once the
	// public keys have been hashed.
	HashSecrets(h *convhash.Hash) error

	// Prove produces the local KeyAuthentication payload over the current
	// transcript.  verifier is the value both sides append to the
	// transcript.
	Prove(h *convhash.Hash) (payload, verifier []byte, err error)

	// Check validates the remote KeyAuthentication payload over the
	// current transcript.
	Check(h *convhash.Hash, payload []byte) (verifier []byte, err error)

	// SharedSecret returns the ECDH shared secret.
	SharedSecret() []byte

	// Destroy zeroizes every secret held.
	Destroy()
}

// New returns a KeyExchanger for suite.
func New(suite Suite, p *Params) (KeyExchanger, error) {
	if p.Now == nil {
		p.Now = time.Now
	}
	switch suite {
	case SuiteNULL:
		return newNull()
	case SuitePSK:
		return newPSK(p)
	case SuiteSPEKE:
		return newSPEKE(p)
	case SuiteECDSA:
		return newECDSA(p)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownSuite, suite)
	}
}

// ecdhe is the Diffie-Hellman half shared by all mechanisms.
type ecdhe struct {
	suite  Suite
	key    primitives.KeyAgreement
	secret []byte
}

func (e *ecdhe) Suite() Suite {
	return e.suite
}

func (e *ecdhe) PublicKey() []byte {
	return e.key.PublicBytes()
}

func (e *ecdhe) ComputeSharedSecret(remote []byte) error {
	defer e.key.Destroy()
	s, err := e.key.SharedSecret(remote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadProof, err)
	}
	e.secret = s
	return nil
}

func (e *ecdhe) HashSecrets(*convhash.Hash) error {
	return nil
}

func (e *ecdhe) SharedSecret() []byte {
	return e.secret
}

func (e *ecdhe) Destroy() {
	e.key.Destroy()
	primitives.Zeroize(e.secret)
	e.secret = nil
}

// verifierFunc computes a verifier from the shared secret and a transcript
// digest.
type verifierFunc func(secret, digest []byte) ([]byte, error)

// macExchanger proves possession of the shared secret, and any secret
// mixed into verifierFunc, with a keyed digest of the transcript.
type macExchanger struct {
	ecdhe
	verifier verifierFunc
	extra    func(h *convhash.Hash) error
	wipe     func()
}

func (m *macExchanger) HashSecrets(h *convhash.Hash) error {
	if m.extra == nil {
		return nil
	}
	return m.extra(h)
}

func (m *macExchanger) compute(h *convhash.Hash) ([]byte, error) {
	if m.secret == nil {
		return nil, errNoSharedSecret
	}
	d, err := h.Digest(true)
	if err != nil {
		return nil, err
	}
	return m.verifier(m.secret, d)
}

func (m *macExchanger) Prove(h *convhash.Hash) ([]byte, []byte, error) {
	v, err := m.compute(h)
	if err != nil {
		return nil, nil, err
	}
	return v, v, nil
}

func (m *macExchanger) Check(h *convhash.Hash, payload []byte) ([]byte, error) {
	v, err := m.compute(h)
	if err != nil {
		return nil, err
	}
	if !primitives.Equal(v, payload) {
		return nil, ErrVerifierMismatch
	}
	return v, nil
}

func (m *macExchanger) Destroy() {
	m.ecdhe.Destroy()
	if m.wipe != nil {
		m.wipe()
	}
}

func nullVerifier(secret, digest []byte) ([]byte, error) {
	return primitives.HMAC(secret, []byte(verifierLabel), digest), nil
}

func newNull() (KeyExchanger, error) {
	k, err := primitives.GenerateECDHKey()
	if err != nil {
		return nil, err
	}
	return &macExchanger{
		ecdhe:    ecdhe{suite: SuiteNULL, key: k},
		verifier: nullVerifier,
	}, nil
}
