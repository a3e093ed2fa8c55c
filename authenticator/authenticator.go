// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package authenticator drives the peer authentication handshake and
// exposes the resulting keys, authorizations and replay checks to the
// message layer.
package authenticator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/peerbus/audit"
	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/keyblob"
	"github.com/katzenpost/peerbus/core/msg"
	"github.com/katzenpost/peerbus/core/retry"
	"github.com/katzenpost/peerbus/core/worker"
	"github.com/katzenpost/peerbus/instrument"
	"github.com/katzenpost/peerbus/peerstate"
)

const (
	// ObjectPath is the peer object handshake calls are made on.
	ObjectPath = "/org/alljoyn/Bus/Peer/Authentication"

	// InterfaceName is the handshake interface.
	InterfaceName = "org.alljoyn.Bus.Peer.Authentication"

	roleInitiator = "initiator"
	roleResponder = "responder"
)

// Handshake steps.
const (
	StepExchangeGuids     = "ExchangeGuids"
	StepExchangeSuites    = "ExchangeSuites"
	StepKeyExchange       = "KeyExchange"
	StepKeyAuthentication = "KeyAuthentication"
	StepGenSessionKey     = "GenSessionKey"
	StepExchangeGroupKeys = "ExchangeGroupKeys"
)

// Conduit carries method calls to a peer.
type Conduit interface {
	Call(ctx context.Context, peer, path, iface, member string, args ...msg.Arg) ([]msg.Arg, error)
}

// Authenticator is the peer security subsystem of one bus attachment.
type Authenticator struct {
	worker.Worker

	cfg Config
	log *logging.Logger

	guid  guid.GUID128
	table *peerstate.Table

	conduit Conduit

	convLock      sync.Mutex
	conversations map[string]*conversation
}

// New returns an Authenticator.  Start must be called before handshakes
// can be initiated.
func New(cfg *Config) (*Authenticator, error) {
	c := *cfg
	if err := c.FixupAndValidate(); err != nil {
		return nil, err
	}

	a := &Authenticator{
		cfg:           c,
		log:           c.LogBackend.GetLogger("authenticator"),
		guid:          c.GUID,
		conversations: make(map[string]*conversation),
	}
	if a.guid.IsZero() {
		g, err := guid.New()
		if err != nil {
			return nil, err
		}
		a.guid = g
	}
	a.table = peerstate.NewTable(
		peerstate.WithClock(c.Clock),
		peerstate.WithGroupKeyLifetime(c.GroupKeyLifetime),
	)
	local := a.table.LocalPeer()
	local.SetGUIDAndAuthVersion(a.guid, c.AuthVersion)
	local.Release()
	return a, nil
}

// Start attaches the conduit used to reach peers and starts the key
// sweeper.
func (a *Authenticator) Start(conduit Conduit) {
	a.conduit = conduit
	a.Go(a.sweeper)
	a.log.Noticef("Started, GUID %v auth version 0x%08x mechanisms %v", a.guid, a.cfg.AuthVersion, a.cfg.EnabledMechanisms)
}

// Halt stops the sweeper and in-flight handshakes, and erases every key.
func (a *Authenticator) Halt() {
	a.Worker.Halt()

	a.convLock.Lock()
	for peer, conv := range a.conversations {
		conv.destroy()
		delete(a.conversations, peer)
	}
	a.convLock.Unlock()

	a.table.Clear()
}

// GUID returns the local GUID.
func (a *Authenticator) GUID() guid.GUID128 {
	return a.guid
}

// AuthVersion returns the local authentication version.
func (a *Authenticator) AuthVersion() uint32 {
	return a.cfg.AuthVersion
}

// Table returns the peer state table.
func (a *Authenticator) Table() *peerstate.Table {
	return a.table
}

// ValidateInbound runs an inbound serial through the peer's anti-replay
// window.  Rejections are counted, never surfaced.
func (a *Authenticator) ValidateInbound(peer string, serial uint32, secure, unreliable bool) peerstate.SerialStatus {
	h := a.table.GetPeerState(peer, true)
	defer h.Release()

	status := h.IsValidSerial(serial, secure, unreliable)
	if status != peerstate.SerialValid {
		instrument.MessageDropped(status.String())
		a.log.Debugf("Dropping serial %d from %q: %v", serial, peer, status)
	}
	return status
}

// Authorize returns true if msgType may flow to or from peer with access.
func (a *Authenticator) Authorize(peer string, msgType msg.MessageType, access uint8) bool {
	h := a.table.GetPeerState(peer, false)
	defer h.Release()
	return h.IsAuthorized(msgType, access)
}

// GetKey returns a copy of the peer's key of the given type.
func (a *Authenticator) GetKey(peer string, kt peerstate.KeyType) (*keyblob.KeyBlob, error) {
	h := a.table.GetPeerState(peer, false)
	defer h.Release()
	return h.GetKey(kt)
}

// Filter screens inbound messages for the transport: replay check, then
// authorization of encrypted messages, then clock estimation.
func (a *Authenticator) Filter(peer string, m *msg.Message) bool {
	secure := m.IsEncrypted()
	if a.ValidateInbound(peer, m.Serial, secure, m.IsUnreliable()) != peerstate.SerialValid {
		return false
	}

	h := a.table.GetPeerState(peer, true)
	defer h.Release()
	if secure && !h.IsAuthorized(m.Type, peerstate.AllowSecureRx) {
		instrument.MessageUnauthorized(m.Type.String())
		a.log.Debugf("Dropping unauthorized %s", m.Description())
		return false
	}
	if m.Timestamp != 0 {
		m.Timestamp = h.EstimateTimestamp(m.Timestamp)
	}
	return true
}

// OnPeerGone forgets everything about peer.
func (a *Authenticator) OnPeerGone(peer string) {
	a.dropConversation(peer)
	a.table.DelPeerState(peer)
	a.log.Debugf("Peer %q gone", peer)
}

// testHookBeginHandshake runs between the initial key check and
// BeginHandshake in EnsureAuthenticated.
var testHookBeginHandshake func(peer string)

// EnsureAuthenticated returns the peer's session key, running a handshake
// if there is none.  Concurrent callers share one handshake.  A caller
// that gives up waiting does not abort the handshake.
func (a *Authenticator) EnsureAuthenticated(ctx context.Context, peer string) (*keyblob.KeyBlob, error) {
	if a.conduit == nil {
		return nil, errors.New("authenticator: not started")
	}

	h := a.table.GetPeerState(peer, true)
	defer h.Release()

	if k, err := h.GetKey(peerstate.SessionKey); err == nil {
		return k, nil
	}

	if hook := testHookBeginHandshake; hook != nil {
		hook(peer)
	}
	ev, started := h.BeginHandshake()
	if started {
		// Another caller may have finished a handshake since the check above.
		if k, err := h.GetKey(peerstate.SessionKey); err == nil {
			h.EndHandshake(ev, nil)
			return k, nil
		}
		if !h.AllowAuthAttempt(a.cfg.MaxAuthAttempts, a.cfg.AuthAttemptWindow) {
			err := &HandshakeError{
				State:           h.Phase(),
				Peer:            peer,
				IsInitiator:     true,
				Message:         "too many failed attempts",
				UnderlyingError: ErrAuthFail,
			}
			h.EndHandshake(ev, err)
			return nil, err
		}
		a.Go(func() { a.runHandshake(peer, ev) })
	}

	wctx, cancel := context.WithTimeout(ctx, a.cfg.AuthTimeout)
	defer cancel()
	if err := ev.Wait(wctx); err != nil {
		if wctx.Err() != nil {
			return nil, fromWaitError(wctx.Err())
		}
		return nil, err
	}
	return h.GetKey(peerstate.SessionKey)
}

func (a *Authenticator) runHandshake(peer string, ev *peerstate.Event) {
	h := a.table.GetPeerState(peer, true)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.AuthTimeout)
	defer cancel()
	go func() {
		select {
		case <-a.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := a.cfg.Clock()
	policy := a.cfg.Retry
	policy.Retryable = func(err error) bool {
		return errors.Is(err, ErrBusy) || (!isTerminal(err) && retry.IsTransientError(err))
	}
	err := policy.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			if _, err := h.GetKey(peerstate.SessionKey); err == nil {
				a.log.Debugf("Keys for %q installed while backing off", peer)
				return nil
			}
			a.log.Debugf("Retrying handshake with %q, attempt %d", peer, attempt+1)
		}
		return a.initiate(ctx, h.State, peer)
	})
	if err != nil {
		err = a.onHandshakeFailure(h.State, peer, true, err)
		instrument.Handshake(roleInitiator, "fail")
	} else {
		instrument.Handshake(roleInitiator, "ok")
		instrument.HandshakeDuration(a.cfg.Clock().Sub(start))
	}
	h.EndHandshake(ev, err)
}

// onHandshakeFailure records a failed handshake and returns the error
// surfaced to the caller.
func (a *Authenticator) onHandshakeFailure(s *peerstate.State, peer string, initiator bool, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = fromWaitError(err)
	}

	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		hsErr = &HandshakeError{
			State:           s.Phase(),
			Peer:            peer,
			IsInitiator:     initiator,
			UnderlyingError: err,
		}
		err = hsErr
	}

	if errors.Is(err, ErrAuthFail) {
		s.RecordAuthFailure()
		instrument.AuthFailure(hsErr.Suite.String())
		a.log.Warningf("Authentication of %q failed: %v", peer, err)
		if a.cfg.Auditor != nil {
			rec := &audit.Record{
				Time:      a.cfg.Clock(),
				Peer:      peer,
				Initiator: initiator,
				Reason:    err.Error(),
			}
			if g := s.GUID(); !g.IsZero() {
				rec.GUID = g.String()
			}
			if hsErr.Suite != 0 {
				rec.Mechanism = hsErr.Suite.String()
			}
			if aerr := a.cfg.Auditor.AuthFailure(rec); aerr != nil {
				a.log.Errorf("Failed to audit authentication failure: %v", aerr)
			}
		}
	} else {
		a.log.Infof("Handshake with %q failed: %v", peer, err)
	}

	if errors.Is(err, ErrBusy) {
		return err
	}
	s.SetPhase(peerstate.PhaseIdle)
	return err
}

// installSessionKey installs the session key and authorizations after a
// successful handshake.
func (a *Authenticator) installSessionKey(s *peerstate.State, info *PeerInfo, key []byte, digest []byte) error {
	now := a.cfg.Clock()
	kb, err := keyblob.New(key, keyblob.RoleAES, now.Add(a.cfg.keyLifetime(info.Suite)), "session")
	if err != nil {
		return err
	}
	defer kb.Erase()

	s.SetGUIDAndAuthVersion(info.GUID, info.AuthVersion)
	s.SetTranscriptDigest(digest)
	for t := msg.MethodCall; t <= msg.Signal; t++ {
		s.SetAuthorization(t, 0)
		s.SetAuthorization(t, a.cfg.AuthorizePolicy(info, t))
	}
	if err := s.SetKey(kb, peerstate.SessionKey); err != nil {
		return err
	}
	s.SetPhase(peerstate.PhaseAuthenticated)
	a.log.Infof("Authenticated %q (%v) using %v, key expires %v", info.Name, info.GUID, info.Suite, kb.Expiry.Format(time.RFC3339))
	return nil
}

func (a *Authenticator) sweeper() {
	t := time.NewTicker(a.cfg.KeySweepInterval)
	defer t.Stop()
	for {
		select {
		case <-a.HaltCh():
			return
		case <-t.C:
		}
		if n := a.table.ExpireKeys(); n > 0 {
			instrument.KeysExpired(n)
			a.log.Debugf("Expired keys of %d peers", n)
		}
	}
}

// negotiateAuthVersion returns the version both peers speak.
func negotiateAuthVersion(local, remote uint32) (uint32, error) {
	if remote>>16 == 0 {
		return 0, fmt.Errorf("%w: invalid auth version 0x%08x", ErrProtocol, remote)
	}
	if remote < local {
		return remote, nil
	}
	return local, nil
}

func (a *Authenticator) suite(s auth.Suite) bool {
	for _, e := range a.cfg.EnabledMechanisms {
		if e == s {
			return true
		}
	}
	return false
}
