// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/guid"
)

// handshake drives a pair of exchangers through KeyExchange and
// KeyAuthentication and returns both final transcript digests.
func handshake(t *testing.T, initiator, responder KeyExchanger) ([]byte, []byte, error) {
	require := require.New(t)

	hi, hr := convhash.New(nil), convhash.New(nil)
	for _, h := range []*convhash.Hash{hi, hr} {
		h.Initialize()
		h.SetVersion(convhash.V4)
	}

	pubI, pubR := initiator.PublicKey(), responder.PublicKey()
	require.NoError(initiator.ComputeSharedSecret(pubR))
	require.NoError(responder.ComputeSharedSecret(pubI))
	require.Equal(initiator.SharedSecret(), responder.SharedSecret())

	for _, h := range []*convhash.Hash{hi, hr} {
		require.NoError(h.Update(convhash.V1, convhash.Byte(convhash.HeaderKeyExchangeRequest)))
		require.NoError(h.Update(convhash.V1, convhash.Bytes(pubI)))
		require.NoError(h.Update(convhash.V1, convhash.Byte(convhash.HeaderKeyExchangeReply)))
		require.NoError(h.Update(convhash.V1, convhash.Bytes(pubR)))
	}
	require.NoError(initiator.HashSecrets(hi))
	require.NoError(responder.HashSecrets(hr))

	payload, vi, err := initiator.Prove(hi)
	require.NoError(err)
	vr, err := responder.Check(hr, payload)
	if err != nil {
		return nil, nil, err
	}
	require.Equal(vi, vr)

	for _, h := range []*convhash.Hash{hi, hr} {
		require.NoError(h.Update(convhash.V1, convhash.Byte(convhash.HeaderVerifier)))
		require.NoError(h.Update(convhash.V1, convhash.Bytes(vi)))
	}

	payload, _, err = responder.Prove(hr)
	require.NoError(err)
	if _, err = initiator.Check(hi, payload); err != nil {
		return nil, nil, err
	}

	di, err := hi.Digest(false)
	require.NoError(err)
	dr, err := hr.Digest(false)
	require.NoError(err)
	return di, dr, nil
}

func testParams(t *testing.T, creds Credentials) (*Params, *Params) {
	gi, err := guid.New()
	require.NoError(t, err)
	gr, err := guid.New()
	require.NoError(t, err)
	return &Params{Peer: ":1.2", InitiatorGUID: gi, ResponderGUID: gr, Credentials: creds},
		&Params{Peer: ":1.1", InitiatorGUID: gi, ResponderGUID: gr, Credentials: creds}
}

func pair(t *testing.T, suite Suite, ci, cr Credentials) (KeyExchanger, KeyExchanger) {
	require := require.New(t)

	pi, pr := testParams(t, ci)
	pr.Credentials = cr
	a, err := New(suite, pi)
	require.NoError(err)
	b, err := New(suite, pr)
	require.NoError(err)
	return a, b
}

func TestSuiteNames(t *testing.T) {
	require := require.New(t)

	require.Equal("ALLJOYN_ECDHE_NULL", SuiteNULL.String())
	require.Equal("ALLJOYN_ECDHE_SPEKE", SuiteSPEKE.String())
	s, ok := ParseSuite("alljoyn_ecdhe_ecdsa")
	require.True(ok)
	require.Equal(SuiteECDSA, s)
	_, ok = ParseSuite("ALLJOYN_SRP_KEYX")
	require.False(ok)

	_, err := ParseSuites([]string{"ALLJOYN_ECDHE_PSK", "bogus"})
	require.Error(err)
}

func TestIntersect(t *testing.T) {
	require := require.New(t)

	enabled := []Suite{SuiteECDSA, SuiteNULL}
	got := Intersect([]uint32{0x0100, uint32(SuiteNULL), uint32(SuitePSK), uint32(SuiteECDSA), uint32(SuiteNULL)}, enabled)
	require.Equal([]uint32{uint32(SuiteNULL), uint32(SuiteECDSA)}, got)
	require.Empty(Intersect([]uint32{uint32(SuiteSPEKE)}, enabled))
}

func TestNullExchange(t *testing.T) {
	require := require.New(t)

	a, b := pair(t, SuiteNULL, nil, nil)
	defer a.Destroy()
	defer b.Destroy()
	di, dr, err := handshake(t, a, b)
	require.NoError(err)
	require.Equal(di, dr)
}

func TestPSKExchange(t *testing.T) {
	require := require.New(t)

	creds := &StaticCredentials{PreSharedKey: []byte("0123456789abcdef")}
	a, b := pair(t, SuitePSK, creds, creds)
	di, dr, err := handshake(t, a, b)
	require.NoError(err)
	require.Equal(di, dr)

	wrong := &StaticCredentials{PreSharedKey: []byte("fedcba9876543210")}
	a, b = pair(t, SuitePSK, creds, wrong)
	_, _, err = handshake(t, a, b)
	require.ErrorIs(err, ErrVerifierMismatch)

	_, err = New(SuitePSK, &Params{Credentials: &StaticCredentials{}})
	require.ErrorIs(err, ErrNoCredentials)
}

func TestSPEKEExchange(t *testing.T) {
	require := require.New(t)

	creds := &StaticCredentials{Passphrase: []byte("correct horse")}
	a, b := pair(t, SuiteSPEKE, creds, creds)
	di, dr, err := handshake(t, a, b)
	require.NoError(err)
	require.Equal(di, dr)

	// Different passwords give different base points and so different
	// shared secrets; the mismatch surfaces at verification.
	pi, pr := testParams(t, creds)
	pr.Credentials = &StaticCredentials{Passphrase: []byte("battery staple")}
	a, err = New(SuiteSPEKE, pi)
	require.NoError(err)
	b, err = New(SuiteSPEKE, pr)
	require.NoError(err)

	hi, hr := convhash.New(nil), convhash.New(nil)
	hi.Initialize()
	hr.Initialize()
	pubA, pubB := a.PublicKey(), b.PublicKey()
	require.NoError(a.ComputeSharedSecret(pubB))
	require.NoError(b.ComputeSharedSecret(pubA))
	require.NotEqual(a.SharedSecret(), b.SharedSecret())
	payload, _, err := a.Prove(hi)
	require.NoError(err)
	_, err = b.Check(hr, payload)
	require.ErrorIs(err, ErrVerifierMismatch)
}

type testPKI struct {
	roots *x509.CertPool
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey
}

func newTestPKI(t *testing.T) *testPKI {
	require := require.New(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "peerbus test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(err)
	ca, err := x509.ParseCertificate(der)
	require.NoError(err)

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	return &testPKI{roots: roots, ca: ca, caKey: key}
}

func (p *testPKI) issue(t *testing.T, name string, serial int64) *StaticCredentials {
	require := require.New(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.ca, &key.PublicKey, p.caKey)
	require.NoError(err)
	return &StaticCredentials{
		SigningKey: key,
		Chain:      [][]byte{der},
		Roots:      p.roots,
	}
}

func TestECDSAExchange(t *testing.T) {
	require := require.New(t)

	pki := newTestPKI(t)
	alice := pki.issue(t, "alice", 2)
	bob := pki.issue(t, "bob", 3)

	a, b := pair(t, SuiteECDSA, alice, bob)
	di, dr, err := handshake(t, a, b)
	require.NoError(err)
	require.Equal(di, dr)
	require.Equal("bob", a.(*ecdsaExchanger).RemoteCertificate().Subject.CommonName)
	require.Equal("alice", b.(*ecdsaExchanger).RemoteCertificate().Subject.CommonName)

	// A certificate from an unrelated root is rejected.
	mallory := newTestPKI(t).issue(t, "mallory", 4)
	mallory.Roots = pki.roots
	a, b = pair(t, SuiteECDSA, mallory, bob)
	_, _, err = handshake(t, a, b)
	require.ErrorIs(err, ErrUntrustedChain)
}

// chainlessCredentials hands out a signing key without a certificate.
type chainlessCredentials struct {
	StaticCredentials
}

func (c *chainlessCredentials) Identity() (*ecdsa.PrivateKey, [][]byte, error) {
	return c.SigningKey, nil, nil
}

func TestECDSAMissingIdentity(t *testing.T) {
	require := require.New(t)

	alice := newTestPKI(t).issue(t, "alice", 2)
	pi, _ := testParams(t, &chainlessCredentials{StaticCredentials: *alice})
	_, err := New(SuiteECDSA, pi)
	require.ErrorIs(err, ErrNoCredentials)

	pi, _ = testParams(t, &StaticCredentials{Roots: alice.Roots})
	_, err = New(SuiteECDSA, pi)
	require.ErrorIs(err, ErrNoCredentials)
}
