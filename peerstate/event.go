// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package peerstate

import (
	"context"
	"sync"
)

// Event is the one-shot completion of an in-flight handshake.
type Event struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Done is closed when the handshake finishes.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Err returns the handshake result.  It is only meaningful after Done is
// closed.
func (e *Event) Err() error {
	<-e.done
	return e.err
}

// Wait blocks until the handshake finishes or ctx is done.  Giving up on
// the wait leaves the handshake running.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Event) complete(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}
