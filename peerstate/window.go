// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package peerstate

// WindowSize is the number of serials tracked by the anti-replay window.
const WindowSize = 128

// SerialStatus is the verdict of the anti-replay window.
type SerialStatus int

const (
	// SerialValid accepts the message.
	SerialValid SerialStatus = iota

	// SerialReplay means the serial was seen before, or for secure
	// messages that it did not advance.
	SerialReplay

	// SerialOutOfOrder means an unreliable message arrived late.
	SerialOutOfOrder

	// SerialGapTooLarge means the serial fell out of the back of the window.
	SerialGapTooLarge
)

func (s SerialStatus) String() string {
	switch s {
	case SerialValid:
		return "valid"
	case SerialReplay:
		return "replay"
	case SerialOutOfOrder:
		return "out_of_order"
	case SerialGapTooLarge:
		return "gap_too_large"
	default:
		return "unknown"
	}
}

// SerialWindow is a sliding bitmap over the last WindowSize serials.  Bit n
// of the bitmap stands for serial highest-n.
//
// Serials are compared as plain integers; the message layer never issues
// serial zero and wraps long after any session key has expired.
type SerialWindow struct {
	bits    [WindowSize / 64]uint64
	highest uint32
}

// Check validates serial and, if it is accepted, records it.
//
// Secure messages, and unreliable ones, must strictly increase: a secure
// message at or below the highest serial is a replay, an unreliable one is
// out of order unless its bit is set.  Plain reliable messages may arrive in
// any order within the window.  Messages that are both secure and
// unreliable are treated as secure.
func (w *SerialWindow) Check(serial uint32, secure, unreliable bool) SerialStatus {
	if serial == 0 {
		return SerialReplay
	}
	if serial > w.highest {
		w.advance(serial - w.highest)
		w.highest = serial
		w.set(0)
		return SerialValid
	}

	off := w.highest - serial
	seen := off < WindowSize && w.test(off)
	switch {
	case secure:
		return SerialReplay
	case unreliable:
		if seen {
			return SerialReplay
		}
		return SerialOutOfOrder
	case off >= WindowSize:
		return SerialGapTooLarge
	case seen:
		return SerialReplay
	}
	w.set(off)
	return SerialValid
}

// Highest returns the highest accepted serial.
func (w *SerialWindow) Highest() uint32 {
	return w.highest
}

// Reset forgets every serial.
func (w *SerialWindow) Reset() {
	*w = SerialWindow{}
}

func (w *SerialWindow) advance(delta uint32) {
	switch {
	case delta >= WindowSize:
		w.bits = [WindowSize / 64]uint64{}
	case delta >= 64:
		w.bits[1] = w.bits[0] << (delta - 64)
		w.bits[0] = 0
	default:
		w.bits[1] = w.bits[1]<<delta | w.bits[0]>>(64-delta)
		w.bits[0] <<= delta
	}
}

func (w *SerialWindow) test(off uint32) bool {
	return w.bits[off/64]&(1<<(off%64)) != 0
}

func (w *SerialWindow) set(off uint32) {
	w.bits[off/64] |= 1 << (off % 64)
}
