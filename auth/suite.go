// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package auth implements the ECDHE authentication mechanisms negotiated
// between two peers: NULL, PSK, SPEKE and ECDSA.
package auth

import (
	"fmt"
	"strings"
)

// Suite is a mechanism identifier as carried in ExchangeSuites and
// KeyExchange.
type Suite uint32

// Mechanism masks.
const (
	SuiteNULL  Suite = 0x0001
	SuitePSK   Suite = 0x0002
	SuiteECDSA Suite = 0x0004
	SuiteSPEKE Suite = 0x0008
)

// CanonicalOrder lists every mechanism in canonical order.
var CanonicalOrder = []Suite{SuiteNULL, SuitePSK, SuiteSPEKE, SuiteECDSA}

var suiteNames = map[Suite]string{
	SuiteNULL:  "ALLJOYN_ECDHE_NULL",
	SuitePSK:   "ALLJOYN_ECDHE_PSK",
	SuiteSPEKE: "ALLJOYN_ECDHE_SPEKE",
	SuiteECDSA: "ALLJOYN_ECDHE_ECDSA",
}

func (s Suite) String() string {
	if n, ok := suiteNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Suite(0x%04x)", uint32(s))
}

// IsKnown returns true for the four supported mechanisms.
func (s Suite) IsKnown() bool {
	_, ok := suiteNames[s]
	return ok
}

// ParseSuite maps a mechanism name onto its identifier.  Unknown names
// return false.
func ParseSuite(name string) (Suite, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range suiteNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// ParseSuites maps a list of names, rejecting unknown ones.
func ParseSuites(names []string) ([]Suite, error) {
	out := make([]Suite, 0, len(names))
	for _, n := range names {
		s, ok := ParseSuite(n)
		if !ok {
			return nil, fmt.Errorf("auth: unknown mechanism %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// Intersect returns the proposed mechanisms that are also enabled, in
// proposal order.  Unknown and duplicate identifiers are dropped.
func Intersect(proposed []uint32, enabled []Suite) []uint32 {
	out := make([]uint32, 0, len(proposed))
	seen := make(map[uint32]bool, len(proposed))
	for _, p := range proposed {
		if seen[p] || !Suite(p).IsKnown() {
			continue
		}
		for _, e := range enabled {
			if Suite(p) == e {
				out = append(out, p)
				seen[p] = true
				break
			}
		}
	}
	return out
}

// Masks converts suites into their wire identifiers.
func Masks(suites []Suite) []uint32 {
	out := make([]uint32, len(suites))
	for i, s := range suites {
		out[i] = uint32(s)
	}
	return out
}
