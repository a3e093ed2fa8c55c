// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package monotime implements a monotonic clock, along with the 32 bit
// millisecond timestamps carried in bus message headers.
package monotime

import (
	"time"
)

var monoBase = time.Now()

// Now returns the current time as measured by a monotonic clock source.  The
// value is totally unrelated to civil time, and should only be used for
// measuring relative time intervals.
func Now() time.Duration {
	return time.Since(monoBase)
}

// Millis returns the monotonic clock in milliseconds, truncated to 32 bits.
// Callers must use modular arithmetic when comparing two values.
func Millis() uint32 {
	return uint32(Now() / time.Millisecond)
}

// Clock is a source of millisecond timestamps.
type Clock func() uint32

// DefaultClock is the Clock backed by Millis.
var DefaultClock Clock = Millis
