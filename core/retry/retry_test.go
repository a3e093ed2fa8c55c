// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	t.Run("handshake schedule", func(t *testing.T) {
		require.Equal(250*time.Millisecond, Delay(DefaultBaseDelay, DefaultMaxDelay, 0, 0))
		require.Equal(500*time.Millisecond, Delay(DefaultBaseDelay, DefaultMaxDelay, 0, 1))
		require.Equal(1*time.Second, Delay(DefaultBaseDelay, DefaultMaxDelay, 0, 2))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(DefaultMaxDelay, Delay(DefaultBaseDelay, DefaultMaxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(100*time.Millisecond, time.Second, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestPolicyDo(t *testing.T) {
	require := require.New(t)

	errTransient := errors.New("i/o timeout")
	errFatal := errors.New("fatal")

	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Retryable:   func(err error) bool { return err != errFatal },
	}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(err)
	require.Equal(3, calls)

	calls = 0
	err = p.Do(context.Background(), func(int) error {
		calls++
		return errFatal
	})
	require.Equal(errFatal, err)
	require.Equal(1, calls)

	calls = 0
	err = p.Do(context.Background(), func(int) error {
		calls++
		return errTransient
	})
	require.Equal(errTransient, err)
	require.Equal(3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	err = p.Do(ctx, func(int) error { return errTransient })
	require.ErrorIs(err, context.Canceled)
}

func TestDefaultPolicySchedule(t *testing.T) {
	require := require.New(t)

	p := DefaultPolicy()
	require.Equal(4, p.MaxAttempts)
	for i, want := range []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
	} {
		require.Equal(want, Delay(p.BaseDelay, p.MaxDelay, p.Jitter, i))
	}

	p.BaseDelay = time.Millisecond
	p.MaxDelay = 4 * time.Millisecond
	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return errors.New("i/o timeout")
	})
	require.Error(err)
	require.Equal(p.MaxAttempts, calls)
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("read: connection reset by peer")))
	require.True(IsTransientError(errors.New("i/o timeout")))
	require.False(IsTransientError(errors.New("authentication failed")))
}
