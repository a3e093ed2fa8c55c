// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require := require.New(t)

	require.False(IsUsageError(nil))
	require.True(IsUsageError(errors.New("unknown flag: --bogus")))
	require.True(IsUsageError(fmt.Errorf("failed to load config file '%v': %v", "x.toml", "eof")))
	require.True(IsUsageError(errors.New("accepts 1 arg(s), received 2")))
	require.True(IsUsageError(errors.New("datadir 'x' is not an absolute path")))
	require.False(IsUsageError(errors.New("authenticator: authentication failed")))
}
