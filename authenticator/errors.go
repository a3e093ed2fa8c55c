// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authenticator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/peerstate"
	"github.com/katzenpost/peerbus/transport"
)

var (
	// ErrProtocol is a malformed handshake payload, an unexpected step or a
	// transcript mismatch.
	ErrProtocol = errors.New("authenticator: protocol error")

	// ErrAuthFail is a verifier or signature mismatch.
	ErrAuthFail = errors.New("authenticator: authentication failed")

	// ErrNoCommonAuth is returned when no enabled mechanism is shared.
	ErrNoCommonAuth = errors.New("authenticator: no common authentication mechanism")

	// ErrKeyExpired is returned for a key past its expiry.
	ErrKeyExpired = peerstate.ErrKeyExpired

	// ErrKeyUnavailable is returned when no handshake has completed.
	ErrKeyUnavailable = peerstate.ErrKeyUnavailable

	// ErrTimeout is returned when a wait deadline expires.
	ErrTimeout = errors.New("authenticator: timeout")

	// ErrCancelled is returned when the caller aborts a wait.
	ErrCancelled = errors.New("authenticator: cancelled")

	// ErrPeerDisconnected is returned when the channel to the peer is gone.
	ErrPeerDisconnected = errors.New("authenticator: peer disconnected")

	// ErrBusy is returned by a responder that wins a simultaneous mutual
	// initiation; the caller retries.
	ErrBusy = errors.New("authenticator: handshake in progress")

	errUnknownMethod = errors.New("authenticator: unknown method")
)

const errorNamePrefix = InterfaceName + "."

var errorNames = []struct {
	err  error
	name string
}{
	{ErrProtocol, errorNamePrefix + "ProtocolError"},
	{ErrAuthFail, errorNamePrefix + "AuthFail"},
	{ErrNoCommonAuth, errorNamePrefix + "NoCommonAuth"},
	{ErrBusy, errorNamePrefix + "Busy"},
	{ErrTimeout, errorNamePrefix + "Timeout"},
	{errUnknownMethod, errorNamePrefix + "UnknownMethod"},
}

// busError is an error sent to the peer as an error reply.
type busError struct {
	kind error
	msg  string
}

func (e *busError) Error() string {
	if e.msg == "" {
		return e.kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.kind, e.msg)
}

func (e *busError) Unwrap() error {
	return e.kind
}

// ErrorName implements transport.NamedError.
func (e *busError) ErrorName() string {
	for _, n := range errorNames {
		if errors.Is(e.kind, n.err) {
			return n.name
		}
	}
	return transport.DefaultErrorName
}

func newBusError(kind error, format string, args ...interface{}) error {
	return &busError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// toBusError maps a local failure onto the error reply sent to the peer.
func toBusError(err error) error {
	var be *busError
	if errors.As(err, &be) {
		return be
	}
	for _, n := range errorNames {
		if errors.Is(err, n.err) {
			return &busError{kind: n.err, msg: err.Error()}
		}
	}
	return &busError{kind: ErrProtocol, msg: err.Error()}
}

// fromCallError maps an error returned by the conduit onto the taxonomy.
func fromCallError(err error) error {
	var named transport.NamedError
	if errors.As(err, &named) {
		for _, n := range errorNames {
			if named.ErrorName() == n.name {
				return fmt.Errorf("%w: remote: %v", n.err, err)
			}
		}
		return fmt.Errorf("%w: remote: %v", ErrProtocol, err)
	}
	if errors.Is(err, transport.ErrPeerDisconnected) {
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}
	return err
}

// fromMechanismError maps a mechanism failure onto the taxonomy.
func fromMechanismError(err error) error {
	switch {
	case errors.Is(err, auth.ErrVerifierMismatch),
		errors.Is(err, auth.ErrUntrustedChain),
		errors.Is(err, auth.ErrNoCredentials):
		return fmt.Errorf("%w: %v", ErrAuthFail, err)
	case errors.Is(err, auth.ErrBadProof):
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return err
}

// fromWaitError maps a context error onto Timeout or Cancelled.
func fromWaitError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}

// HandshakeError describes a failed handshake.
type HandshakeError struct {
	State       peerstate.Phase
	Step        string
	Peer        string
	Suite       auth.Suite
	IsInitiator bool

	Message         string
	UnderlyingError error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "authenticator: handshake failed at %s", e.State)
	if e.Step != "" {
		fmt.Fprintf(&b, "/%s", e.Step)
	}
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}
	if e.Peer != "" {
		fmt.Fprintf(&b, " with peer %q", e.Peer)
	}
	if e.Suite != 0 {
		fmt.Fprintf(&b, " using %v", e.Suite)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.UnderlyingError
}

// isTerminal returns true for failures that are never retried.
func isTerminal(err error) bool {
	return errors.Is(err, ErrAuthFail) ||
		errors.Is(err, ErrNoCommonAuth) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrPeerDisconnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
