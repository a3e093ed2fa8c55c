// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package guid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGUID(t *testing.T) {
	require := require.New(t)

	a, err := New()
	require.NoError(err)
	b, err := New()
	require.NoError(err)
	require.NotEqual(a, b)
	require.False(a.IsZero())

	s := a.String()
	require.Len(s, 32)
	require.Equal(strings.ToLower(s), s)

	p, err := Parse(s)
	require.NoError(err)
	require.Equal(a, p)
	require.Equal(0, a.Compare(p))
	require.Equal(-b.Compare(a), a.Compare(b))

	_, err = Parse("abc")
	require.Error(err)
	_, err = Parse(strings.Repeat("zz", 16))
	require.Error(err)
}
