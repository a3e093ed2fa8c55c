// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package peerstate keeps the per-peer security state: identity, the
// negotiated authentication version, session keys, message authorizations,
// the anti-replay window and the clock offset estimate.
package peerstate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/peerbus/convhash"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/keyblob"
	"github.com/katzenpost/peerbus/core/monotime"
	"github.com/katzenpost/peerbus/core/msg"
)

// KeyType selects one of the two keys held per peer.
type KeyType int

const (
	// SessionKey is the unicast key for point-to-point messages.
	SessionKey KeyType = 0

	// GroupKey is the broadcast key for signals.
	GroupKey KeyType = 1
)

func (k KeyType) String() string {
	switch k {
	case SessionKey:
		return "PEER_SESSION_KEY"
	case GroupKey:
		return "PEER_GROUP_KEY"
	default:
		return fmt.Sprintf("KeyType(%d)", int(k))
	}
}

// Message authorization bits.
const (
	AllowSecureTx uint8 = 0x01
	AllowSecureRx uint8 = 0x02
)

var (
	// ErrKeyExpired is returned by GetKey once the key is past its expiry.
	ErrKeyExpired = errors.New("peerstate: key expired")

	// ErrKeyUnavailable is returned by GetKey when no handshake completed.
	ErrKeyUnavailable = errors.New("peerstate: key unavailable")

	errInvalidKeyType = errors.New("peerstate: invalid key type")
)

// Phase is where a peer is in the authentication lifecycle.
type Phase int

// Authentication phases.
const (
	PhaseIdle Phase = iota
	PhaseGuidsExchanged
	PhaseSuitesExchanged
	PhaseKeyExchanged
	PhaseAuthenticated
	PhaseKeyExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseGuidsExchanged:
		return "guids_exchanged"
	case PhaseSuitesExchanged:
		return "suites_exchanged"
	case PhaseKeyExchanged:
		return "key_exchanged"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseKeyExpired:
		return "key_expired"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the security state of one peer.  It is shared by every bus
// name aliasing that peer and must be accessed through a Handle.
type State struct {
	mu sync.Mutex

	refs     int32
	detached atomic.Bool

	isLocal bool
	now     func() time.Time

	guid        guid.GUID128
	authVersion uint32

	keys       [2]*keyblob.KeyBlob
	isSecure   bool
	keyExpired bool

	authorizations [msg.NumMessageTypes]uint8

	window SerialWindow
	clock  *ClockEstimator

	authEvent  *Event
	phase      Phase
	hash       *convhash.Hash
	transcript []byte
	failures   []time.Time
}

func newState(isLocal bool, now func() time.Time, clock monotime.Clock) *State {
	return &State{
		isLocal: isLocal,
		now:     now,
		clock:   NewClockEstimator(clock),
	}
}

// IsLocalPeer returns true for the local endpoint's own state.
func (s *State) IsLocalPeer() bool {
	return s.isLocal
}

// GUID returns the peer's GUID.
func (s *State) GUID() guid.GUID128 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guid
}

// AuthVersion returns the negotiated authentication version.
func (s *State) AuthVersion() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authVersion
}

// SetGUIDAndAuthVersion records the outcome of ExchangeGuids.
func (s *State) SetGUIDAndAuthVersion(g guid.GUID128, authVersion uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guid = g
	s.authVersion = authVersion
}

// SetKey installs a copy of key into the given slot.
func (s *State) SetKey(key *keyblob.KeyBlob, kt KeyType) error {
	if kt != SessionKey && kt != GroupKey {
		return errInvalidKeyType
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[kt].Erase()
	s.keys[kt] = key.Clone()
	if kt == SessionKey {
		s.isSecure = key.IsValid(s.now())
		s.keyExpired = false
	}
	return nil
}

// GetKey returns a copy of the key in the given slot.  An expired session
// key is erased, together with the group key.
func (s *State) GetKey(kt KeyType) (*keyblob.KeyBlob, error) {
	if kt != SessionKey && kt != GroupKey {
		return nil, errInvalidKeyType
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)
	switch {
	case s.keyExpired:
		return nil, ErrKeyExpired
	case s.keys[kt] == nil:
		return nil, ErrKeyUnavailable
	case s.keys[kt].HasExpired(now):
		return nil, ErrKeyExpired
	case kt == SessionKey && !s.isSecure:
		return nil, ErrKeyUnavailable
	}
	return s.keys[kt].Clone(), nil
}

// ClearKeys erases both keys.
func (s *State) ClearKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearKeysLocked()
	s.keyExpired = false
}

func (s *State) clearKeysLocked() {
	s.keys[SessionKey].Erase()
	s.keys[GroupKey].Erase()
	s.keys = [2]*keyblob.KeyBlob{}
	s.isSecure = false
}

// expireLocked erases the keys once the session key is past its expiry.
func (s *State) expireLocked(now time.Time) bool {
	if !s.isSecure || !s.keys[SessionKey].HasExpired(now) {
		return false
	}
	s.clearKeysLocked()
	s.keyExpired = true
	if s.phase == PhaseAuthenticated {
		s.phase = PhaseKeyExpired
	}
	return true
}

// IsSecure returns true while the peer holds an unexpired session key.
func (s *State) IsSecure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	return s.isSecure
}

// IsAuthorized returns true if msgType may be sent or received with the
// given access.  Peers without keys are authorized for everything.
func (s *State) IsAuthorized(msgType msg.MessageType, access uint8) bool {
	if msgType == msg.MessageInvalid || msgType > msg.NumMessageTypes {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isSecure {
		return true
	}
	return s.authorizations[msgType-1]&access == access
}

// SetAuthorization adds access for msgType, or clears every bit for it if
// access is zero.
func (s *State) SetAuthorization(msgType msg.MessageType, access uint8) {
	if msgType == msg.MessageInvalid || msgType > msg.NumMessageTypes {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if access == 0 {
		s.authorizations[msgType-1] = 0
		return
	}
	s.authorizations[msgType-1] |= access
}

// IsValidSerial runs serial through the anti-replay window.  Messages from
// the local peer are always valid.
func (s *State) IsValidSerial(serial uint32, secure, unreliable bool) SerialStatus {
	if s.isLocal {
		return SerialValid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Check(serial, secure, unreliable)
}

// SerialWindowSize returns the anti-replay window size.
func (s *State) SerialWindowSize() int {
	return WindowSize
}

// EstimateTimestamp converts a remote timestamp into local time.
func (s *State) EstimateTimestamp(remote uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Estimate(remote)
}

// BeginHandshake returns the in-flight handshake event, installing a new
// one if there is none.  started is true iff the caller installed it and
// must drive the handshake.
func (s *State) BeginHandshake() (ev *Event, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authEvent != nil {
		return s.authEvent, false
	}
	s.authEvent = newEvent()
	return s.authEvent, true
}

// AuthEvent returns the in-flight handshake event, or nil when idle.
func (s *State) AuthEvent() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authEvent
}

// EndHandshake completes ev with err and uninstalls it.
func (s *State) EndHandshake(ev *Event, err error) {
	s.mu.Lock()
	if s.authEvent == ev {
		s.authEvent = nil
	}
	s.mu.Unlock()
	ev.complete(err)
}

// Phase returns the authentication phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	return s.phase
}

// SetPhase records the authentication phase.  Returning to PhaseIdle
// erases the keys.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	if p == PhaseIdle {
		s.clearKeysLocked()
		s.keyExpired = false
	}
}

// InitializeConversationHash starts a new conversation hash at the given
// conversation version, freeing the previous one.
func (s *State) InitializeConversationHash(h *convhash.Hash, conversationVersion uint32) {
	h.Initialize()
	h.SetVersion(conversationVersion)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hash != nil && s.hash != h {
		s.hash.Free()
	}
	s.hash = h
}

// ConversationHash returns the current conversation hash, if any.
func (s *State) ConversationHash() *convhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash
}

// FreeConversationHash frees h if it is still the current hash.
func (s *State) FreeConversationHash(h *convhash.Hash) {
	h.Free()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hash == h {
		s.hash = nil
	}
}

// SetTranscriptDigest records the digest both sides authenticated.
func (s *State) SetTranscriptDigest(d []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append([]byte(nil), d...)
}

// TranscriptDigest returns the digest of the last successful handshake.
func (s *State) TranscriptDigest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.transcript...)
}

// RecordAuthFailure notes a failed handshake at the current time.
func (s *State) RecordAuthFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, s.now())
}

// AllowAuthAttempt returns false once max failures happened within the
// trailing window.
func (s *State) AllowAuthAttempt(max int, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = kept
	return len(s.failures) < max
}

func (s *State) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearKeysLocked()
	if s.hash != nil {
		s.hash.Free()
		s.hash = nil
	}
	s.transcript = nil
}
