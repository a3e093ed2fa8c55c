// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authenticator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/peerbus/audit"
	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/msg"
	"github.com/katzenpost/peerbus/peerstate"
	"github.com/katzenpost/peerbus/transport"
)

const (
	nameA = ":1.1"
	nameB = ":1.2"
)

type fakeClock struct {
	sync.Mutex
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.t = c.t.Add(d)
}

type recordedCall struct {
	member string
	args   []msg.Arg
	reply  []msg.Arg
}

// recorder is a Conduit that logs every handshake call and may rewrite
// outbound arguments.
type recorder struct {
	conduit Conduit
	tamper  func(member string, args []msg.Arg) []msg.Arg

	sync.Mutex
	calls []recordedCall
}

func (r *recorder) Call(ctx context.Context, peer, path, iface, member string, args ...msg.Arg) ([]msg.Arg, error) {
	if r.tamper != nil {
		args = r.tamper(member, args)
	}
	reply, err := r.conduit.Call(ctx, peer, path, iface, member, args...)

	r.Lock()
	defer r.Unlock()
	r.calls = append(r.calls, recordedCall{member: member, args: args, reply: reply})
	return reply, err
}

func (r *recorder) count(member string) int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.member == member {
			n++
		}
	}
	return n
}

func (r *recorder) find(member string) recordedCall {
	r.Lock()
	defer r.Unlock()
	for _, c := range r.calls {
		if c.member == member {
			return c
		}
	}
	return recordedCall{}
}

type node struct {
	*Authenticator
	router *transport.Router
	rec    *recorder
}

func testConfig(clock *fakeClock, g byte) *Config {
	cfg := &Config{Clock: clock.Now}
	cfg.GUID[0] = g
	cfg.GUID[guid.Size-1] = 0x55
	return cfg
}

func newNode(t *testing.T, name string, cfg *Config, tamper func(string, []msg.Arg) []msg.Arg) *node {
	a, err := New(cfg)
	require.NoError(t, err)
	r := transport.NewRouter(name, a, a.Filter, nil)
	r.OnPeerGone = a.OnPeerGone
	rec := &recorder{conduit: r, tamper: tamper}
	a.Start(rec)
	return &node{Authenticator: a, router: r, rec: rec}
}

func connect(t *testing.T, cfgA, cfgB *Config) (*node, *node) {
	na := newNode(t, nameA, cfgA, nil)
	nb := newNode(t, nameB, cfgB, nil)
	link(t, na, nb)
	return na, nb
}

func link(t *testing.T, na, nb *node) {
	ca, cb := net.Pipe()
	_, err := na.router.Attach(ca, nameB)
	require.NoError(t, err)
	_, err = nb.router.Attach(cb, nameA)
	require.NoError(t, err)
	t.Cleanup(func() {
		na.router.Halt()
		nb.router.Halt()
		na.Halt()
		nb.Halt()
	})
}

func ensure(t *testing.T, n *node, peer string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	k, err := n.EnsureAuthenticated(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer k.Erase()
	return append([]byte{}, k.Bytes...), nil
}

func peerKey(t *testing.T, n *node, peer string) []byte {
	k, err := n.GetKey(peer, peerstate.SessionKey)
	require.NoError(t, err)
	defer k.Erase()
	return append([]byte{}, k.Bytes...)
}

func transcript(n *node, peer string) []byte {
	h := n.Table().GetPeerState(peer, false)
	defer h.Release()
	return h.TranscriptDigest()
}

// expectedTranscript rebuilds the authenticated digest from the recorded
// NULL handshake.
func expectedTranscript(t *testing.T, rec *recorder, version uint32) []byte {
	require := require.New(t)

	guids := rec.find(StepExchangeGuids)
	suites := rec.find(StepExchangeSuites)
	kx := rec.find(StepKeyExchange)
	ka := rec.find(StepKeyAuthentication)

	_, _, pubI, err := parseKeyExchange(kx.args)
	require.NoError(err)
	_, _, pubR, err := parseKeyExchange(kx.reply)
	require.NoError(err)
	vI, err := argVariantBytes(ka.args[0])
	require.NoError(err)

	h := convhash.New(nil)
	h.Initialize()
	h.SetVersion(version)
	for _, in := range []struct {
		v  uint32
		in convhash.Input
	}{
		{convhash.V4, convhash.Byte(0)},
		{convhash.V4, convhash.Args(guids.args)},
		{convhash.V4, convhash.Byte(1)},
		{convhash.V4, convhash.Args(guids.reply)},
		{convhash.V4, convhash.Byte(4)},
		{convhash.V4, convhash.Arg(suites.args[0])},
		{convhash.V4, convhash.Byte(5)},
		{convhash.V4, convhash.Arg(suites.reply[0])},
		{convhash.V1, convhash.Byte(6)},
		{convhash.V1, convhash.Arg(kx.args[0])},
		{convhash.V1, convhash.Bytes(pubI)},
		{convhash.V1, convhash.Byte(7)},
		{convhash.V1, convhash.Arg(kx.reply[0])},
		{convhash.V1, convhash.Bytes(pubR)},
		{convhash.V1, convhash.Byte(8)},
		{convhash.V1, convhash.Bytes(vI)},
	} {
		require.NoError(h.Update(in.v, in.in))
	}
	d, err := h.Digest(false)
	require.NoError(err)
	return d
}

func TestHandshakeNULL(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	start := clock.Now()
	na, nb := connect(t, testConfig(clock, 1), testConfig(clock, 2))

	key, err := ensure(t, na, nameB)
	require.NoError(err)
	require.Len(key, sessionKeySize)
	require.Equal(key, peerKey(t, nb, nameA))

	k, err := na.GetKey(nameB, peerstate.SessionKey)
	require.NoError(err)
	require.True(k.Expiry.Equal(start.Add(86400000*time.Millisecond)))
	require.Equal("session", k.Tag)

	dA, dB := transcript(na, nameB), transcript(nb, nameA)
	require.Len(dA, 32)
	require.Equal(dA, dB)
	require.Equal(expectedTranscript(t, na.rec, convhash.V4), dA)

	for _, n := range []*node{na, nb} {
		peer := nameB
		if n == nb {
			peer = nameA
		}
		h := n.Table().GetPeerState(peer, false)
		require.True(h.IsSecure())
		require.Equal(peerstate.PhaseAuthenticated, h.Phase())
		require.Equal(uint32(DefaultAuthVersion), h.AuthVersion())
		require.Nil(h.ConversationHash())
		h.Release()
	}
	require.Equal(nb.GUID(), func() guid.GUID128 {
		h := na.Table().GetPeerState(nameB, false)
		defer h.Release()
		return h.GUID()
	}())

	// A second call reuses the installed key.
	again, err := ensure(t, na, nameB)
	require.NoError(err)
	require.Equal(key, again)
	require.Equal(1, na.rec.count(StepKeyExchange))
}

func TestHandshakeGroupKeys(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	na, nb := connect(t, testConfig(clock, 1), testConfig(clock, 2))
	_, err := ensure(t, na, nameB)
	require.NoError(err)

	for _, c := range []struct {
		owner, holder *node
		peer          string
	}{
		{na, nb, nameA},
		{nb, na, nameB},
	} {
		own, err := c.owner.Table().GetGroupKey()
		require.NoError(err)
		got, err := c.holder.GetKey(c.peer, peerstate.GroupKey)
		require.NoError(err)
		require.Equal(own.Bytes, got.Bytes)
		require.True(own.Expiry.Equal(got.Expiry))
	}
}

func TestHandshakeVersionNegotiation(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	cfgA.AuthVersion = 4 << 16
	cfgB.AuthVersion = 3 << 16
	na, nb := connect(t, cfgA, cfgB)

	_, err := ensure(t, na, nameB)
	require.NoError(err)

	for _, h := range []*peerstate.Handle{
		na.Table().GetPeerState(nameB, false),
		nb.Table().GetPeerState(nameA, false),
	} {
		require.Equal(uint32(3<<16), h.AuthVersion())
		h.Release()
	}

	// Version 1 transcripts leave out every V4 field.
	dA := transcript(na, nameB)
	require.Equal(dA, transcript(nb, nameA))
	require.Equal(expectedTranscript(t, na.rec, convhash.V1), dA)
	require.NotEqual(expectedTranscript(t, na.rec, convhash.V4), dA)
}

func TestHandshakeVersionDowngrade(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	tamper := func(member string, args []msg.Arg) []msg.Arg {
		if member != StepKeyExchange {
			return args
		}
		_, _, pub, err := parseKeyExchange(args)
		if err != nil {
			return args
		}
		s, _ := args[0].Uint32()
		return keyExchangeArgs(s, 3<<16, pub)
	}
	na := newNode(t, nameA, cfgA, tamper)
	nb := newNode(t, nameB, cfgB, nil)
	link(t, na, nb)

	_, err := ensure(t, na, nameB)
	require.Error(err)
	require.ErrorIs(err, ErrProtocol)

	var hsErr *HandshakeError
	require.True(errors.As(err, &hsErr))
	require.Equal(StepKeyExchange, hsErr.Step)
	require.True(hsErr.IsInitiator)
	require.Equal(nameB, hsErr.Peer)

	// Protocol errors are not retried.
	require.Equal(1, na.rec.count(StepKeyExchange))

	_, err = nb.GetKey(nameA, peerstate.SessionKey)
	require.ErrorIs(err, ErrKeyUnavailable)
	h := na.Table().GetPeerState(nameB, false)
	defer h.Release()
	require.Equal(peerstate.PhaseIdle, h.Phase())
}

func TestHandshakeKeyExpiry(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	cfgA.KeyLifetime = 10 * time.Millisecond
	na, _ := connect(t, cfgA, cfgB)

	first, err := ensure(t, na, nameB)
	require.NoError(err)

	clock.Advance(11 * time.Millisecond)
	require.Equal(1, na.Table().ExpireKeys())
	_, err = na.GetKey(nameB, peerstate.SessionKey)
	require.ErrorIs(err, ErrKeyExpired)

	h := na.Table().GetPeerState(nameB, false)
	require.False(h.IsSecure())
	require.Equal(peerstate.PhaseKeyExpired, h.Phase())
	h.Release()

	second, err := ensure(t, na, nameB)
	require.NoError(err)
	require.NotEqual(first, second)
	require.Equal(2, na.rec.count(StepKeyExchange))
}

func TestHandshakeSharedByConcurrentCallers(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	na, _ := connect(t, testConfig(clock, 1), testConfig(clock, 2))

	const callers = 2
	var wg sync.WaitGroup
	keys := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = ensure(t, na, nameB)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(errs[i])
	}
	require.Equal(keys[0], keys[1])
	require.Equal(1, na.rec.count(StepKeyExchange))
}

func TestHandshakeCompletedBeforeBegin(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	na, _ := connect(t, testConfig(clock, 1), testConfig(clock, 2))

	// A second caller completes a whole handshake after the first caller
	// found no key but before it installs its own handshake event.
	var (
		fired bool
		inner []byte
		ierr  error
	)
	testHookBeginHandshake = func(peer string) {
		if fired {
			return
		}
		fired = true
		inner, ierr = ensure(t, na, peer)
	}
	t.Cleanup(func() { testHookBeginHandshake = nil })

	outer, err := ensure(t, na, nameB)
	require.NoError(err)
	require.True(fired)
	require.NoError(ierr)
	require.Equal(inner, outer)
	require.Equal(1, na.rec.count(StepKeyExchange))

	h := na.Table().GetPeerState(nameB, false)
	defer h.Release()
	require.Nil(h.AuthEvent())
}

func TestHandshakeOutlivesWaiters(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	gate := make(chan struct{})
	var openGate sync.Once
	release := func() { openGate.Do(func() { close(gate) }) }

	na := newNode(t, nameA, testConfig(clock, 1), func(member string, args []msg.Arg) []msg.Arg {
		if member == StepKeyExchange {
			<-gate
		}
		return args
	})
	nb := newNode(t, nameB, testConfig(clock, 2), nil)
	link(t, na, nb)
	t.Cleanup(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := na.EnsureAuthenticated(ctx, nameB)
		errCh <- err
	}()
	require.Eventually(func() bool {
		return na.rec.count(StepExchangeSuites) == 1
	}, 10*time.Second, 5*time.Millisecond)

	// A cancelled waiter returns without aborting the handshake.
	cancel()
	require.ErrorIs(<-errCh, ErrCancelled)

	// So does a waiter whose deadline passes.
	tctx, tcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer tcancel()
	_, err := na.EnsureAuthenticated(tctx, nameB)
	require.ErrorIs(err, ErrTimeout)

	release()
	require.Eventually(func() bool {
		k, err := na.GetKey(nameB, peerstate.SessionKey)
		if err != nil {
			return false
		}
		k.Erase()
		return true
	}, 10*time.Second, 5*time.Millisecond)

	key, err := ensure(t, na, nameB)
	require.NoError(err)
	require.Equal(peerKey(t, na, nameB), key)
	require.Equal(1, na.rec.count(StepKeyExchange))
}

func TestHandshakePSK(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	for _, cfg := range []*Config{cfgA, cfgB} {
		cfg.EnabledMechanisms = []auth.Suite{auth.SuitePSK, auth.SuiteNULL}
		cfg.Credentials = &auth.StaticCredentials{PreSharedKey: []byte("correct horse battery staple")}
		cfg.MechanismKeyLifetime = map[auth.Suite]time.Duration{auth.SuitePSK: time.Hour}
	}
	start := clock.Now()
	na, nb := connect(t, cfgA, cfgB)

	key, err := ensure(t, na, nameB)
	require.NoError(err)
	require.Equal(key, peerKey(t, nb, nameA))
	require.Equal(transcript(na, nameB), transcript(nb, nameA))

	k, err := nb.GetKey(nameA, peerstate.SessionKey)
	require.NoError(err)
	require.True(k.Expiry.Equal(start.Add(time.Hour)))

	suite, _ := na.rec.find(StepKeyExchange).args[0].Uint32()
	require.Equal(uint32(auth.SuitePSK), suite)
}

func TestHandshakeSPEKEWrongPassword(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	cfgA.EnabledMechanisms = []auth.Suite{auth.SuiteSPEKE}
	cfgB.EnabledMechanisms = []auth.Suite{auth.SuiteSPEKE}
	cfgA.Credentials = &auth.StaticCredentials{Passphrase: []byte("hunter2")}
	cfgB.Credentials = &auth.StaticCredentials{Passphrase: []byte("hunter3")}
	cfgA.MaxAuthAttempts = 2

	auditA, err := audit.New(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(err)
	defer auditA.Close()
	auditB, err := audit.New(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(err)
	defer auditB.Close()
	cfgA.Auditor = auditA
	cfgB.Auditor = auditB

	na, _ := connect(t, cfgA, cfgB)

	_, err = ensure(t, na, nameB)
	require.ErrorIs(err, ErrAuthFail)
	var hsErr *HandshakeError
	require.True(errors.As(err, &hsErr))
	require.Equal(auth.SuiteSPEKE, hsErr.Suite)
	require.Equal(StepKeyAuthentication, hsErr.Step)

	// Authentication failures are terminal.
	require.Equal(1, na.rec.count(StepKeyExchange))

	n, err := auditA.Count()
	require.NoError(err)
	require.Equal(1, n)
	n, err = auditB.Count()
	require.NoError(err)
	require.Equal(1, n)

	require.NoError(auditA.ForEach(func(r *audit.Record) error {
		require.Equal(nameB, r.Peer)
		require.True(r.Initiator)
		require.Equal(auth.SuiteSPEKE.String(), r.Mechanism)
		return nil
	}))
	require.NoError(auditB.ForEach(func(r *audit.Record) error {
		require.Equal(nameA, r.Peer)
		require.False(r.Initiator)
		return nil
	}))

	// The second failure exhausts the attempt budget.
	_, err = ensure(t, na, nameB)
	require.ErrorIs(err, ErrAuthFail)
	require.Equal(2, na.rec.count(StepKeyExchange))

	_, err = ensure(t, na, nameB)
	require.ErrorIs(err, ErrAuthFail)
	require.Equal(2, na.rec.count(StepKeyExchange))

	// Failures age out of the window.
	clock.Advance(DefaultAuthAttemptWindow + time.Second)
	_, err = ensure(t, na, nameB)
	require.ErrorIs(err, ErrAuthFail)
	require.Equal(3, na.rec.count(StepKeyExchange))
}

func TestHandshakeECDSA(t *testing.T) {
	require := require.New(t)

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
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
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &rootKey.PublicKey, rootKey)
	require.NoError(err)
	root, err := x509.ParseCertificate(der)
	require.NoError(err)
	roots := x509.NewCertPool()
	roots.AddCert(root)

	issue := func(name string, serial int64) *auth.StaticCredentials {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(err)
		der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
		}, root, &key.PublicKey, rootKey)
		require.NoError(err)
		return &auth.StaticCredentials{SigningKey: key, Chain: [][]byte{der}, Roots: roots}
	}

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	cfgA.EnabledMechanisms = []auth.Suite{auth.SuiteECDSA}
	cfgB.EnabledMechanisms = []auth.Suite{auth.SuiteECDSA}
	cfgA.Credentials = issue("alice", 2)
	cfgB.Credentials = issue("bob", 3)
	na, nb := connect(t, cfgA, cfgB)

	key, err := ensure(t, na, nameB)
	require.NoError(err)
	require.Equal(key, peerKey(t, nb, nameA))
	require.Equal(transcript(na, nameB), transcript(nb, nameA))
}

func TestHandshakeNoCommonAuth(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	cfgA.EnabledMechanisms = []auth.Suite{auth.SuitePSK}
	cfgA.Credentials = &auth.StaticCredentials{PreSharedKey: []byte("secret")}
	cfgB.EnabledMechanisms = []auth.Suite{auth.SuiteNULL}
	na, nb := connect(t, cfgA, cfgB)

	_, err := ensure(t, na, nameB)
	require.ErrorIs(err, ErrNoCommonAuth)
	require.Equal(0, na.rec.count(StepKeyExchange))
	require.Nil(nb.lookupConversation(nameA))
}

func TestFilterAuthorization(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	cfgA, cfgB := testConfig(clock, 1), testConfig(clock, 2)
	cfgA.AuthorizePolicy = func(_ *PeerInfo, mt msg.MessageType) uint8 {
		if mt == msg.Signal {
			return peerstate.AllowSecureTx
		}
		return AllowAll(nil, mt)
	}
	na, _ := connect(t, cfgA, cfgB)

	// Plain messages from an unauthenticated peer pass.
	require.True(na.Authorize(nameB, msg.Signal, peerstate.AllowSecureRx))

	_, err := ensure(t, na, nameB)
	require.NoError(err)

	require.True(na.Authorize(nameB, msg.MethodCall, peerstate.AllowSecureRx))
	require.False(na.Authorize(nameB, msg.Signal, peerstate.AllowSecureRx))
	require.True(na.Authorize(nameB, msg.Signal, peerstate.AllowSecureTx))

	call := &msg.Message{Type: msg.MethodCall, Flags: msg.FlagEncrypted, Serial: 1000}
	require.True(na.Filter(nameB, call))
	replay := *call
	require.False(na.Filter(nameB, &replay))

	signal := &msg.Message{Type: msg.Signal, Flags: msg.FlagEncrypted, Serial: 1001}
	require.False(na.Filter(nameB, signal))

	require.Equal(peerstate.SerialReplay, na.ValidateInbound(nameB, 1001, true, false))
	require.Equal(peerstate.SerialValid, na.ValidateInbound(nameB, 1002, true, false))
}

func TestPeerGoneForgetsState(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	na, nb := connect(t, testConfig(clock, 1), testConfig(clock, 2))
	_, err := ensure(t, na, nameB)
	require.NoError(err)
	require.True(na.Table().IsKnownPeer(nameB))

	ep, ok := nb.router.Endpoint(nameA)
	require.True(ok)
	require.NoError(ep.Close())

	require.Eventually(func() bool {
		return !na.Table().IsKnownPeer(nameB)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = ensure(t, na, nameB)
	require.ErrorIs(err, ErrPeerDisconnected)
}
