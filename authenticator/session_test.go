// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authenticator

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/keyblob"
	"github.com/katzenpost/peerbus/core/msg"
)

func TestDeriveSessionKeys(t *testing.T) {
	require := require.New(t)

	secret := bytes.Repeat([]byte{0x01}, 32)
	digest := bytes.Repeat([]byte{0x02}, 32)
	nonceI, err := newNonce()
	require.NoError(err)
	require.Len(nonceI, nonceSize)
	nonceR, err := newNonce()
	require.NoError(err)

	k1, err := deriveSessionKeys(secret, digest, nonceI, nonceR)
	require.NoError(err)
	k2, err := deriveSessionKeys(secret, digest, nonceI, nonceR)
	require.NoError(err)
	require.Len(k1.unicast, sessionKeySize)
	require.Len(k1.hmac, sessionHMACSize)
	require.Equal(k1.unicast, k2.unicast)
	require.Equal(k1.verifier(nonceI, nonceR), k2.verifier(nonceI, nonceR))

	k3, err := deriveSessionKeys(secret, digest, nonceR, nonceI)
	require.NoError(err)
	require.NotEqual(k1.unicast, k3.unicast)

	otherDigest := bytes.Repeat([]byte{0x03}, 32)
	k4, err := deriveSessionKeys(secret, otherDigest, nonceI, nonceR)
	require.NoError(err)
	require.NotEqual(k1.unicast, k4.unicast)

	k1.wipe()
	require.Equal(make([]byte, sessionKeySize), k1.unicast)
}

func TestGroupKeySealing(t *testing.T) {
	require := require.New(t)

	var alice, bob guid.GUID128
	alice[0], bob[0] = 1, 2
	expiry := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())

	session, err := keyblob.New(bytes.Repeat([]byte{0xaa}, 16), keyblob.RoleAES, expiry, "session")
	require.NoError(err)
	group, err := keyblob.New(bytes.Repeat([]byte{0xbb}, 16), keyblob.RoleAES, expiry, "group")
	require.NoError(err)

	sealed, err := sealGroupKey(session, group, alice, bob)
	require.NoError(err)

	got, err := openGroupKey(session, sealed, alice, bob)
	require.NoError(err)
	require.Equal(group.Bytes, got.Bytes)
	require.True(expiry.Equal(got.Expiry))

	_, err = openGroupKey(session, sealed, bob, alice)
	require.ErrorIs(err, ErrProtocol)

	sealed[len(sealed)-1] ^= 0xff
	_, err = openGroupKey(session, sealed, alice, bob)
	require.ErrorIs(err, ErrProtocol)
}

func TestKeyExchangeArgs(t *testing.T) {
	require := require.New(t)

	pub := bytes.Repeat([]byte{0x04}, 64)
	args := keyExchangeArgs(0x4, DefaultAuthVersion, pub)
	require.Equal("uv", msg.Signature(args))

	suite, version, got, err := parseKeyExchange(args)
	require.NoError(err)
	require.Equal(uint32(0x4), suite)
	require.Equal(uint32(DefaultAuthVersion), version)
	require.Equal(pub, got)

	_, _, _, err = parseKeyExchange(keyExchangeArgs(0x4, DefaultAuthVersion, pub[:32]))
	require.ErrorIs(err, ErrProtocol)
	_, _, _, err = parseKeyExchange(args[:1])
	require.ErrorIs(err, ErrProtocol)
	_, _, _, err = parseKeyExchange([]msg.Arg{args[0], msg.NewVariant(msg.NewUint32(1))})
	require.ErrorIs(err, ErrProtocol)
}
