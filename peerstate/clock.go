// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package peerstate

import (
	"math"

	"github.com/katzenpost/peerbus/core/monotime"
)

// DriftAdjustInterval is how often, in milliseconds, the clock offset is
// nudged forward to follow slow drift.
const DriftAdjustInterval = 10000

// ClockEstimator tracks the offset between a remote peer's millisecond
// timestamps and the local clock.
//
// The offset only moves quickly downwards, when the remote appears earlier
// than estimated.  Upward drift is followed by one millisecond per
// DriftAdjustInterval.
type ClockEstimator struct {
	now monotime.Clock

	offset         int32
	firstAdjust    bool
	lastDriftAdjTs uint32
}

// NewClockEstimator returns an estimator reading local time from clock.
func NewClockEstimator(clock monotime.Clock) *ClockEstimator {
	if clock == nil {
		clock = monotime.DefaultClock
	}
	return &ClockEstimator{
		now:         clock,
		offset:      math.MaxInt32,
		firstAdjust: true,
	}
}

// Estimate converts the remote timestamp into local time, updating the
// offset estimate.
func (c *ClockEstimator) Estimate(remote uint32) uint32 {
	now := c.now()
	candidate := int32(now - remote)

	switch {
	case c.firstAdjust || candidate < c.offset:
		c.offset = candidate
		c.firstAdjust = false
		c.lastDriftAdjTs = now
	case now-c.lastDriftAdjTs > DriftAdjustInterval:
		c.offset++
		c.lastDriftAdjTs = now
	}
	return remote + uint32(c.offset)
}

// Offset returns the current estimate of local minus remote time.
func (c *ClockEstimator) Offset() int32 {
	return c.offset
}
