// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authenticator

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/peerbus/audit"
	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/log"
	"github.com/katzenpost/peerbus/core/msg"
	"github.com/katzenpost/peerbus/core/retry"
	"github.com/katzenpost/peerbus/peerstate"
)

const (
	// DefaultAuthVersion is major 4, minor 1.
	DefaultAuthVersion = 0x00040001

	// DefaultKeyLifetime is the session key lifetime.
	DefaultKeyLifetime = 86400 * time.Second

	// DefaultMaxAuthAttempts bounds failed handshakes per peer per
	// DefaultAuthAttemptWindow.
	DefaultMaxAuthAttempts = 3

	// DefaultAuthAttemptWindow is the failed handshake accounting window.
	DefaultAuthAttemptWindow = 30 * time.Second

	// DefaultAuthTimeout bounds a wait on an in-flight handshake.
	DefaultAuthTimeout = 120 * time.Second

	// DefaultKeySweepInterval is how often expired keys are zeroized.
	DefaultKeySweepInterval = 10 * time.Second
)

// PeerInfo describes an authenticated peer to the authorization policy.
type PeerInfo struct {
	Name        string
	GUID        guid.GUID128
	AuthVersion uint32
	Suite       auth.Suite
}

// AuthorizePolicy returns the access bits granted to an authenticated peer
// for msgType.
type AuthorizePolicy func(p *PeerInfo, msgType msg.MessageType) uint8

// AllowAll grants secure transmit and receive for every message type.
func AllowAll(*PeerInfo, msg.MessageType) uint8 {
	return peerstate.AllowSecureTx | peerstate.AllowSecureRx
}

// Config is the Authenticator configuration.
type Config struct {
	// GUID identifies the local endpoint.  A zero GUID is replaced by a
	// random one.
	GUID guid.GUID128

	// AuthVersion is the local authentication version.
	AuthVersion uint32

	// EnabledMechanisms lists the mechanisms offered, most preferred
	// first.
	EnabledMechanisms []auth.Suite

	// KeyLifetime is the session key lifetime, overridable per mechanism
	// by MechanismKeyLifetime.
	KeyLifetime          time.Duration
	MechanismKeyLifetime map[auth.Suite]time.Duration

	// GroupKeyLifetime is the lifetime of the local broadcast key.
	GroupKeyLifetime time.Duration

	MaxAuthAttempts   int
	AuthAttemptWindow time.Duration
	AuthTimeout       time.Duration
	KeySweepInterval  time.Duration

	// Retry schedules handshake retries.  A zero Policy uses
	// retry.DefaultPolicy.
	Retry retry.Policy

	AuthorizePolicy AuthorizePolicy
	Credentials     auth.Credentials
	Auditor         audit.Auditor

	LogBackend *log.Backend

	// Clock returns the wall clock used for key expiry.
	Clock func() time.Time
}

// FixupAndValidate applies defaults and checks the configuration.
func (c *Config) FixupAndValidate() error {
	if c.AuthVersion == 0 {
		c.AuthVersion = DefaultAuthVersion
	}
	if c.AuthVersion>>16 == 0 {
		return fmt.Errorf("authenticator: invalid AuthVersion 0x%08x", c.AuthVersion)
	}
	if len(c.EnabledMechanisms) == 0 {
		c.EnabledMechanisms = []auth.Suite{auth.SuiteNULL}
	}
	for _, s := range c.EnabledMechanisms {
		if !s.IsKnown() {
			return fmt.Errorf("authenticator: unknown mechanism %v", s)
		}
	}
	if c.KeyLifetime == 0 {
		c.KeyLifetime = DefaultKeyLifetime
	}
	if c.GroupKeyLifetime == 0 {
		c.GroupKeyLifetime = peerstate.DefaultGroupKeyLifetime
	}
	if c.MaxAuthAttempts == 0 {
		c.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	if c.AuthAttemptWindow == 0 {
		c.AuthAttemptWindow = DefaultAuthAttemptWindow
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.KeySweepInterval == 0 {
		c.KeySweepInterval = DefaultKeySweepInterval
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.AuthorizePolicy == nil {
		c.AuthorizePolicy = AllowAll
	}
	if c.LogBackend == nil {
		c.LogBackend = log.NewDiscard()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}

	switch {
	case c.KeyLifetime < 0, c.GroupKeyLifetime < 0:
		return errors.New("authenticator: negative key lifetime")
	case c.MaxAuthAttempts < 0:
		return errors.New("authenticator: negative MaxAuthAttempts")
	case c.AuthTimeout < 0, c.KeySweepInterval < 0, c.AuthAttemptWindow < 0:
		return errors.New("authenticator: negative interval")
	}
	for s, d := range c.MechanismKeyLifetime {
		if d <= 0 {
			return fmt.Errorf("authenticator: invalid key lifetime for %v", s)
		}
	}
	return nil
}

func (c *Config) keyLifetime(s auth.Suite) time.Duration {
	if d, ok := c.MechanismKeyLifetime[s]; ok {
		return d
	}
	return c.KeyLifetime
}
