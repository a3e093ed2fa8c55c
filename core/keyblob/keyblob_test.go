// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package keyblob

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyBlob(t *testing.T) {
	require := require.New(t)

	now := time.Now()
	key := bytes.Repeat([]byte{0xaa}, 16)

	_, err := New(key[:8], RoleAES, now, "")
	require.Error(err)
	_, err = New(key, Role(9), now, "")
	require.Error(err)
	_, err = New(key, RoleAES, now, strings.Repeat("t", MaxTagSize+1))
	require.Error(err)

	kb, err := New(key, RoleAES, now.Add(time.Second), "session")
	require.NoError(err)
	require.True(kb.IsValid(now))
	require.False(kb.HasExpired(now))
	require.False(kb.IsValid(now.Add(time.Second)))
	require.True(kb.HasExpired(now.Add(time.Second)))
	require.NotContains(kb.String(), "aa")

	c := kb.Clone()
	kb.Erase()
	require.Nil(kb.Bytes)
	require.False(kb.IsValid(now))
	require.Equal(key, c.Bytes, "clone is independent")

	var nilBlob *KeyBlob
	require.False(nilBlob.IsValid(now))
	require.NotPanics(nilBlob.Erase)
}
