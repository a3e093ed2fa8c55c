// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	var stopped int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&stopped, 1)
		})
	}
	require.False(w.IsHalted())
	w.Halt()
	require.True(w.IsHalted())
	require.Equal(int32(4), atomic.LoadInt32(&stopped))

	require.NotPanics(w.Halt, "second Halt")
}
