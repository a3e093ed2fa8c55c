// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package peerstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/peerbus/core/crypto/primitives"
	"github.com/katzenpost/peerbus/core/keyblob"
	"github.com/katzenpost/peerbus/core/monotime"
)

const (
	// LocalPeerName is the table key of the local endpoint.
	LocalPeerName = ""

	// DefaultGroupKeyLifetime is how long a generated group key lives.
	DefaultGroupKeyLifetime = 24 * time.Hour

	groupKeySize = 16
	groupKeyTag  = "group"
)

// Handle is a counted reference to a shared State.  Callers Release it when
// done; the State stays usable for holders even after it is removed from
// the table, and is destroyed when the last of them releases it.
type Handle struct {
	*State
	released atomic.Bool
}

// Release drops the reference.  Releasing twice is a no-op.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if atomic.AddInt32(&h.State.refs, -1) == 0 && h.State.detached.Load() {
		h.State.destroy()
	}
}

// Iden returns true if both handles refer to the same State.
func (h *Handle) Iden(o *Handle) bool {
	return h != nil && o != nil && h.State == o.State
}

func acquire(s *State) *Handle {
	atomic.AddInt32(&s.refs, 1)
	return &Handle{State: s}
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithClock sets the wall clock used for key expiry.
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) {
		t.now = now
	}
}

// WithMillisClock sets the millisecond clock used for remote timestamp
// estimation.
func WithMillisClock(clock monotime.Clock) TableOption {
	return func(t *Table) {
		t.millis = clock
	}
}

// WithGroupKeyLifetime sets the lifetime of the generated group key.
func WithGroupKeyLifetime(d time.Duration) TableOption {
	return func(t *Table) {
		t.groupKeyLifetime = d
	}
}

// Table maps bus names to peer states.  Aliases of one peer share a State.
type Table struct {
	sync.Mutex

	states  map[string]*State
	aliases map[string]string

	now              func() time.Time
	millis           monotime.Clock
	groupKeyLifetime time.Duration
}

// NewTable returns a table containing only the local peer.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		now:              time.Now,
		millis:           monotime.DefaultClock,
		groupKeyLifetime: DefaultGroupKeyLifetime,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.reset()
	return t
}

func (t *Table) reset() {
	t.states = make(map[string]*State)
	t.aliases = make(map[string]string)
	t.states[LocalPeerName] = newState(true, t.now, t.millis)
}

// GetPeerState returns the state for busName.  If the name is unknown and
// create is false, a fresh detached State is returned that is not stored
// in the table.
func (t *Table) GetPeerState(busName string, create bool) *Handle {
	t.Lock()
	defer t.Unlock()

	if s, ok := t.states[busName]; ok {
		return acquire(s)
	}
	s := newState(false, t.now, t.millis)
	if create {
		t.states[busName] = s
	} else {
		s.detached.Store(true)
	}
	return acquire(s)
}

// GetPeerStateAlias returns the state shared by uniqueName and aliasName,
// creating it if neither is known.  Both names end up in the table.
func (t *Table) GetPeerStateAlias(uniqueName, aliasName string) *Handle {
	t.Lock()
	defer t.Unlock()

	s, ok := t.states[uniqueName]
	if !ok {
		if s, ok = t.states[aliasName]; !ok {
			s = newState(false, t.now, t.millis)
		}
		t.states[uniqueName] = s
	}
	if aliasName != uniqueName {
		t.states[aliasName] = s
		t.aliases[aliasName] = uniqueName
	}
	return acquire(s)
}

// IsKnownPeer returns true if busName has a state in the table.
func (t *Table) IsKnownPeer(busName string) bool {
	t.Lock()
	defer t.Unlock()
	_, ok := t.states[busName]
	return ok
}

// IsAlias returns true if both names are known and resolve to the same
// State.
func (t *Table) IsAlias(a, b string) bool {
	t.Lock()
	defer t.Unlock()
	sa, ok := t.states[a]
	if !ok {
		return false
	}
	sb, ok := t.states[b]
	return ok && sa == sb
}

// DelPeerState removes busName.  The shared State is destroyed once no
// name maps to it and no handle holds it, either here or on the final
// Handle.Release.
func (t *Table) DelPeerState(busName string) {
	if busName == LocalPeerName {
		return
	}

	t.Lock()
	defer t.Unlock()

	s, ok := t.states[busName]
	if !ok {
		return
	}
	delete(t.states, busName)
	delete(t.aliases, busName)
	for alias, unique := range t.aliases {
		if unique == busName {
			delete(t.states, alias)
			delete(t.aliases, alias)
		}
	}
	for _, o := range t.states {
		if o == s {
			return
		}
	}
	s.detached.Store(true)
	if atomic.LoadInt32(&s.refs) == 0 {
		s.destroy()
	}
}

// GetGroupKey returns the local broadcast key, held in the local peer's
// group key slot.  It is generated on first use and once it has expired.
func (t *Table) GetGroupKey() (*keyblob.KeyBlob, error) {
	t.Lock()
	local := t.states[LocalPeerName]
	t.Unlock()

	local.mu.Lock()
	defer local.mu.Unlock()

	now := t.now()
	if !local.keys[GroupKey].IsValid(now) {
		b, err := primitives.RandomBytes(groupKeySize)
		if err != nil {
			return nil, err
		}
		defer primitives.Zeroize(b)
		k, err := keyblob.New(b, keyblob.RoleAES, now.Add(t.groupKeyLifetime), groupKeyTag)
		if err != nil {
			return nil, err
		}
		local.keys[GroupKey].Erase()
		local.keys[GroupKey] = k
	}
	return local.keys[GroupKey].Clone(), nil
}

// LocalPeer returns the state of the local endpoint.
func (t *Table) LocalPeer() *Handle {
	t.Lock()
	defer t.Unlock()
	return acquire(t.states[LocalPeerName])
}

// Clear drops every peer, erasing their keys, and recreates the local peer.
func (t *Table) Clear() {
	t.Lock()
	defer t.Unlock()

	seen := make(map[*State]bool)
	for _, s := range t.states {
		if !seen[s] {
			seen[s] = true
			s.detached.Store(true)
			s.destroy()
		}
	}
	t.reset()
}

// ExpireKeys erases every key past its expiry and returns how many peers
// were affected.
func (t *Table) ExpireKeys() int {
	t.Lock()
	states := make(map[*State]bool, len(t.states))
	for _, s := range t.states {
		states[s] = true
	}
	t.Unlock()

	now := t.now()
	n := 0
	for s := range states {
		s.mu.Lock()
		if s.expireLocked(now) {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Len returns the number of names in the table, the local peer included.
func (t *Table) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.states)
}
