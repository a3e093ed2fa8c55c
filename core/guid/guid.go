// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package guid implements the 128 bit identifiers of bus endpoints.
package guid

import (
	"encoding/hex"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

// Size is the length of a GUID128 in bytes.
const Size = 16

var errInvalidGUID = errors.New("guid: invalid GUID128")

// GUID128 identifies a bus endpoint.
type GUID128 [Size]byte

// New returns a fresh random GUID128.
func New() (GUID128, error) {
	var g GUID128
	if _, err := io.ReadFull(rand.Reader, g[:]); err != nil {
		return g, err
	}
	return g, nil
}

// Parse decodes the lowercase hex form produced by String.
func Parse(s string) (GUID128, error) {
	var g GUID128
	if len(s) != hex.EncodedLen(Size) {
		return g, errInvalidGUID
	}
	if _, err := hex.Decode(g[:], []byte(s)); err != nil {
		return g, errInvalidGUID
	}
	return g, nil
}

// String returns the lowercase hex encoding.
func (g GUID128) String() string {
	return hex.EncodeToString(g[:])
}

// Bytes returns a copy of the raw bytes.
func (g GUID128) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, g[:])
	return b
}

// IsZero returns true for the all zero GUID, which is never generated.
func (g GUID128) IsZero() bool {
	return g == GUID128{}
}

// Compare orders two GUIDs bytewise, returning -1, 0 or 1.
func (g GUID128) Compare(o GUID128) int {
	for i := range g {
		switch {
		case g[i] < o[i]:
			return -1
		case g[i] > o[i]:
			return 1
		}
	}
	return 0
}
