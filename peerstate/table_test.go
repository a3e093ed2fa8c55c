// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package peerstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTableLocalPeer(t *testing.T) {
	require := require.New(t)

	table := NewTable()
	require.True(table.IsKnownPeer(LocalPeerName))
	require.Equal(1, table.Len())

	a := table.LocalPeer()
	b := table.GetPeerState(LocalPeerName, false)
	require.True(a.Iden(b))
	a.Release()
	b.Release()

	table.DelPeerState(LocalPeerName)
	require.True(table.IsKnownPeer(LocalPeerName))
}

func TestTableCreate(t *testing.T) {
	require := require.New(t)

	table := NewTable()
	detached := table.GetPeerState(":1.1", false)
	defer detached.Release()
	require.False(table.IsKnownPeer(":1.1"))
	require.False(detached.IsLocalPeer())

	h := table.GetPeerState(":1.1", true)
	defer h.Release()
	require.True(table.IsKnownPeer(":1.1"))
	require.False(h.Iden(detached))

	again := table.GetPeerState(":1.1", false)
	defer again.Release()
	require.True(h.Iden(again))
}

func TestTableAlias(t *testing.T) {
	require := require.New(t)

	clk := newFakeClock()
	table := NewTable(WithClock(clk.Now))

	u := table.GetPeerStateAlias(":1.8", "org.example.Service")
	defer u.Release()
	a := table.GetPeerState("org.example.Service", false)
	defer a.Release()
	require.True(u.Iden(a))
	require.True(table.IsAlias(":1.8", "org.example.Service"))
	require.True(table.IsAlias("org.example.Service", ":1.8"))
	require.False(table.IsAlias(":1.8", LocalPeerName))
	require.False(table.IsAlias(":1.8", ":1.404"))
	require.False(table.IsAlias(":1.404", ":1.404"))

	// Keys installed through one name are visible through the other.
	require.NoError(u.SetKey(testKey(t, clk.Now().Add(time.Hour)), SessionKey))
	require.True(a.IsSecure())

	// An alias registered before its unique name shares the state too.
	alias := table.GetPeerState("org.example.Other", true)
	defer alias.Release()
	uniq := table.GetPeerStateAlias(":1.9", "org.example.Other")
	defer uniq.Release()
	require.True(alias.Iden(uniq))
	require.True(table.IsAlias(":1.9", "org.example.Other"))
	require.False(table.IsAlias(":1.9", ":1.8"))

	table.DelPeerState(":1.8")
	require.False(table.IsKnownPeer(":1.8"))
	require.False(table.IsKnownPeer("org.example.Service"))
	require.False(table.IsAlias(":1.8", "org.example.Service"))

	// Outstanding handles keep working.
	require.True(u.IsSecure())
}

func TestTableDelDestroysUnreferenced(t *testing.T) {
	require := require.New(t)

	clk := newFakeClock()
	table := NewTable(WithClock(clk.Now))
	h := table.GetPeerState(":1.2", true)
	require.NoError(h.SetKey(testKey(t, clk.Now().Add(time.Hour)), SessionKey))
	s := h.State
	h.Release()
	h.Release()

	table.DelPeerState(":1.2")
	require.False(s.IsSecure())
}

func TestTableDelDestroysOnLastRelease(t *testing.T) {
	require := require.New(t)

	clk := newFakeClock()
	table := NewTable(WithClock(clk.Now))
	h := table.GetPeerState(":1.9", true)
	other := table.GetPeerState(":1.9", false)
	k := testKey(t, clk.Now().Add(time.Hour))
	k.Bytes[0] = 0xaa
	require.NoError(h.SetKey(k, SessionKey))
	s := h.State
	raw := s.keys[SessionKey].Bytes

	table.DelPeerState(":1.9")
	require.False(table.IsKnownPeer(":1.9"))
	require.True(s.IsSecure())

	h.Release()
	require.True(other.IsSecure())
	require.Equal(byte(0xaa), raw[0])

	other.Release()
	require.False(s.IsSecure())
	require.Equal(make([]byte, len(raw)), raw)
	require.Equal(int32(0), s.refs)
}

func TestTableDetachedStateDestroyedOnRelease(t *testing.T) {
	require := require.New(t)

	clk := newFakeClock()
	table := NewTable(WithClock(clk.Now))
	h := table.GetPeerState(":1.3", false)
	require.NoError(h.SetKey(testKey(t, clk.Now().Add(time.Hour)), SessionKey))
	s := h.State
	require.True(s.IsSecure())

	h.Release()
	require.False(s.IsSecure())
	require.False(table.IsKnownPeer(":1.3"))
}

func TestTableGroupKey(t *testing.T) {
	require := require.New(t)

	clk := newFakeClock()
	table := NewTable(WithClock(clk.Now), WithGroupKeyLifetime(time.Minute))

	k1, err := table.GetGroupKey()
	require.NoError(err)
	require.Len(k1.Bytes, groupKeySize)
	require.Equal(groupKeyTag, k1.Tag)

	k2, err := table.GetGroupKey()
	require.NoError(err)
	require.Equal(k1.Bytes, k2.Bytes)

	clk.Advance(time.Minute)
	k3, err := table.GetGroupKey()
	require.NoError(err)
	require.NotEqual(k1.Bytes, k3.Bytes)
}

func TestTableClear(t *testing.T) {
	require := require.New(t)

	clk := newFakeClock()
	table := NewTable(WithClock(clk.Now))
	h := table.GetPeerState(":1.2", true)
	defer h.Release()
	require.NoError(h.SetKey(testKey(t, clk.Now().Add(time.Hour)), SessionKey))

	old := table.LocalPeer()
	defer old.Release()

	table.Clear()
	require.False(h.IsSecure())
	require.False(table.IsKnownPeer(":1.2"))
	require.True(table.IsKnownPeer(LocalPeerName))

	local := table.LocalPeer()
	defer local.Release()
	require.False(local.Iden(old))
}
