// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides shared retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default maximum number of attempts,
	// including the first one, so that every delay of the default
	// schedule is used.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 250 * time.Millisecond

	// DefaultMaxDelay caps the delay between retries.
	DefaultMaxDelay = 1 * time.Second
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.  Attempt 0 is the delay before the first retry.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// Retryable decides if an error is worth another attempt.  A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

// DefaultPolicy returns the 250ms, 500ms, 1s schedule used for handshakes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Do calls fn until it succeeds, returns a non retryable error, the attempts
// are exhausted, or ctx is done.  The last error from fn is returned, unless
// ctx ended the loop in which case ctx.Err() is.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if serr := Sleep(ctx, Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt)); serr != nil {
			return serr
		}
	}
	return err
}

// Sleep waits for d, returning early with ctx.Err() if ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts and connection resets.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"broken pipe",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	return false
}
