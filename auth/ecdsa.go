// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/crypto/primitives"
)

const maxChainLength = 8

// ErrUntrustedChain is returned when the remote certificate chain does not
// lead to a trust anchor.
var ErrUntrustedChain = errors.New("auth: certificate chain not trusted")

type ecdsaProof struct {
	Verifier  []byte   `cbor:"1,keyasint"`
	Signature []byte   `cbor:"2,keyasint"`
	Chain     [][]byte `cbor:"3,keyasint"`
}

type ecdsaExchanger struct {
	ecdhe

	signingKey *ecdsa.PrivateKey
	chain      [][]byte
	anchors    *x509.CertPool
	now        func() time.Time

	remote *x509.Certificate
}

func newECDSA(p *Params) (KeyExchanger, error) {
	if p.Credentials == nil {
		return nil, ErrNoCredentials
	}
	priv, chain, err := p.Credentials.Identity()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", SuiteECDSA, err)
	}
	if priv == nil || len(chain) == 0 {
		return nil, fmt.Errorf("%v: %w", SuiteECDSA, ErrNoCredentials)
	}
	k, err := primitives.GenerateECDHKey()
	if err != nil {
		return nil, err
	}
	return &ecdsaExchanger{
		ecdhe:      ecdhe{suite: SuiteECDSA, key: k},
		signingKey: priv,
		chain:      chain,
		anchors:    p.Credentials.TrustAnchors(),
		now:        p.Now,
	}, nil
}

// RemoteCertificate returns the verified leaf certificate of the peer.
func (e *ecdsaExchanger) RemoteCertificate() *x509.Certificate {
	return e.remote
}

func hashLeaf(h *convhash.Hash, leaf []byte) error {
	if err := h.Update(convhash.V4, convhash.Byte(convhash.HeaderECDSA)); err != nil {
		return err
	}
	return h.Update(convhash.V4, convhash.Bytes(leaf))
}

func (e *ecdsaExchanger) Prove(h *convhash.Hash) ([]byte, []byte, error) {
	if e.secret == nil {
		return nil, nil, errNoSharedSecret
	}
	if err := hashLeaf(h, e.chain[0]); err != nil {
		return nil, nil, err
	}
	d, err := h.Digest(true)
	if err != nil {
		return nil, nil, err
	}
	sig, err := primitives.Sign(e.signingKey, d)
	if err != nil {
		return nil, nil, err
	}
	v, _ := nullVerifier(e.secret, d)
	payload, err := cbor.Marshal(&ecdsaProof{
		Verifier:  v,
		Signature: sig,
		Chain:     e.chain,
	})
	if err != nil {
		return nil, nil, err
	}
	return payload, v, nil
}

func (e *ecdsaExchanger) Check(h *convhash.Hash, payload []byte) ([]byte, error) {
	if e.secret == nil {
		return nil, errNoSharedSecret
	}
	var proof ecdsaProof
	if err := cbor.Unmarshal(payload, &proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProof, err)
	}
	if len(proof.Chain) == 0 || len(proof.Chain) > maxChainLength {
		return nil, fmt.Errorf("%w: certificate chain length %d", ErrBadProof, len(proof.Chain))
	}
	leaf, err := e.verifyChain(proof.Chain)
	if err != nil {
		return nil, err
	}
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: leaf key is not ECDSA", ErrUntrustedChain)
	}

	if err := hashLeaf(h, proof.Chain[0]); err != nil {
		return nil, err
	}
	d, err := h.Digest(true)
	if err != nil {
		return nil, err
	}
	v, _ := nullVerifier(e.secret, d)
	if !primitives.Equal(v, proof.Verifier) {
		return nil, ErrVerifierMismatch
	}
	if !primitives.Verify(pub, d, proof.Signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrVerifierMismatch)
	}
	e.remote = leaf
	return v, nil
}

func (e *ecdsaExchanger) verifyChain(chain [][]byte) (*x509.Certificate, error) {
	if e.anchors == nil {
		return nil, fmt.Errorf("%w: no trust anchors", ErrUntrustedChain)
	}
	certs := make([]*x509.Certificate, 0, len(chain))
	for _, der := range chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadProof, err)
		}
		certs = append(certs, c)
	}
	inter := x509.NewCertPool()
	for _, c := range certs[1:] {
		inter.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         e.anchors,
		Intermediates: inter,
		CurrentTime:   e.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedChain, err)
	}
	return certs[0], nil
}
