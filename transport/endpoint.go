// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport carries bus messages to a single peer over a stream
// connection and correlates method calls with their replies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/peerbus/core/monotime"
	"github.com/katzenpost/peerbus/core/msg"
	"github.com/katzenpost/peerbus/core/worker"
)

// DefaultErrorName is used for handler errors that do not name themselves.
const DefaultErrorName = "org.alljoyn.Bus.ErStatus"

var (
	// ErrPeerDisconnected is returned for calls on a closed endpoint.
	ErrPeerDisconnected = errors.New("transport: peer disconnected")

	errNoHandler = errors.New("transport: no handler for method call")
)

// Handler serves inbound method calls.  It runs on its own go routine per
// call; the reply args are sent back unless the call asked for no reply.
type Handler interface {
	HandleCall(ctx context.Context, peer string, call *msg.Message) ([]msg.Arg, error)
}

// Filter inspects every inbound message, in arrival order, before it is
// dispatched.  Returning false drops the message.
type Filter func(peer string, m *msg.Message) bool

// NamedError is implemented by errors that carry a bus error name.
type NamedError interface {
	error
	ErrorName() string
}

// CallError is an error reply received from the peer.
type CallError struct {
	Name    string
	Message string
}

// Error implements error.
func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// ErrorName implements NamedError.
func (e *CallError) ErrorName() string {
	return e.Name
}

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// LocalName and RemoteName are the bus names of both ends.
	LocalName  string
	RemoteName string

	Handler Handler
	Filter  Filter

	// OnClose is called once when the connection goes away.
	OnClose func(ep *Endpoint, err error)

	Log *logging.Logger
}

// Endpoint is a connection to one peer.
type Endpoint struct {
	worker.Worker

	cfg EndpointConfig
	log *logging.Logger
	c   net.Conn

	writeLock sync.Mutex
	serial    uint32

	pendingLock sync.Mutex
	pending     map[uint32]chan *msg.Message

	closeOnce sync.Once
	closeErr  error
	closedCh  chan struct{}
}

// NewEndpoint wraps c and starts reading from it.
func NewEndpoint(c net.Conn, cfg *EndpointConfig) *Endpoint {
	ep := &Endpoint{
		cfg:      *cfg,
		log:      cfg.Log,
		c:        c,
		pending:  make(map[uint32]chan *msg.Message),
		closedCh: make(chan struct{}),
	}
	if ep.log == nil {
		ep.log = logging.MustGetLogger("transport")
	}
	ep.Go(ep.reader)
	return ep
}

// LocalName returns the local bus name.
func (ep *Endpoint) LocalName() string {
	return ep.cfg.LocalName
}

// RemoteName returns the bus name of the peer.
func (ep *Endpoint) RemoteName() string {
	return ep.cfg.RemoteName
}

// Closed is closed once the connection went away.
func (ep *Endpoint) Closed() <-chan struct{} {
	return ep.closedCh
}

// Send assigns a serial to m and writes it.
func (ep *Endpoint) Send(m *msg.Message) error {
	return ep.write(m, nil)
}

// Call sends a method call and waits for the reply.  Error replies are
// returned as *CallError.
func (ep *Endpoint) Call(ctx context.Context, path, iface, member string, args ...msg.Arg) (*msg.Message, error) {
	call := &msg.Message{
		Type:      msg.MethodCall,
		Path:      path,
		Interface: iface,
		Member:    member,
		Args:      args,
	}
	replyCh := make(chan *msg.Message, 1)
	if err := ep.write(call, replyCh); err != nil {
		return nil, err
	}
	defer ep.forget(call.Serial)

	select {
	case reply := <-replyCh:
		if reply.Type == msg.Error {
			e := &CallError{Name: reply.ErrorName}
			if len(reply.Args) > 0 {
				e.Message, _ = reply.Args[0].StringValue()
			}
			return nil, e
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ep.closedCh:
		return nil, ErrPeerDisconnected
	}
}

// write stamps m with the next serial and writes it.  If replyCh is set it
// is registered for the reply before the message hits the wire.
func (ep *Endpoint) write(m *msg.Message, replyCh chan *msg.Message) error {
	select {
	case <-ep.closedCh:
		return ErrPeerDisconnected
	default:
	}

	ep.writeLock.Lock()
	defer ep.writeLock.Unlock()

	ep.serial++
	if ep.serial == 0 {
		ep.serial++
	}
	m.Serial = ep.serial
	m.Sender = ep.cfg.LocalName
	m.Destination = ep.cfg.RemoteName
	m.Timestamp = monotime.Millis()

	if replyCh != nil {
		ep.pendingLock.Lock()
		ep.pending[m.Serial] = replyCh
		ep.pendingLock.Unlock()
	}
	if err := msg.WriteFrame(ep.c, m); err != nil {
		ep.forget(m.Serial)
		go ep.close(err)
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}
	return nil
}

func (ep *Endpoint) forget(serial uint32) {
	ep.pendingLock.Lock()
	defer ep.pendingLock.Unlock()
	delete(ep.pending, serial)
}

// Close tears down the connection and waits for the reader.
func (ep *Endpoint) Close() error {
	ep.close(nil)
	ep.Halt()
	return nil
}

func (ep *Endpoint) close(err error) {
	ep.closeOnce.Do(func() {
		ep.closeErr = err
		close(ep.closedCh)
		ep.c.Close()
		if err != nil {
			ep.log.Debugf("Connection to %q closed: %v", ep.cfg.RemoteName, err)
		}
		if ep.cfg.OnClose != nil {
			ep.cfg.OnClose(ep, err)
		}
	})
}

func (ep *Endpoint) reader() {
	for {
		m, err := msg.ReadFrame(ep.c)
		if err != nil {
			ep.close(err)
			return
		}
		if m.Sender == "" {
			m.Sender = ep.cfg.RemoteName
		}
		if ep.cfg.Filter != nil && !ep.cfg.Filter(ep.cfg.RemoteName, m) {
			continue
		}

		switch m.Type {
		case msg.MethodReturn, msg.Error:
			ep.onReply(m)
		case msg.MethodCall:
			ep.Go(func() { ep.onCall(m) })
		default:
			ep.log.Debugf("Ignoring %s", m.Description())
		}
	}
}

func (ep *Endpoint) onReply(m *msg.Message) {
	ep.pendingLock.Lock()
	ch, ok := ep.pending[m.ReplySerial]
	delete(ep.pending, m.ReplySerial)
	ep.pendingLock.Unlock()
	if !ok {
		ep.log.Debugf("Unexpected %s", m.Description())
		return
	}
	ch <- m
}

func (ep *Endpoint) onCall(call *msg.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-ep.HaltCh():
			cancel()
		case <-ep.closedCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		args []msg.Arg
		err  = errNoHandler
	)
	if ep.cfg.Handler != nil {
		args, err = ep.cfg.Handler.HandleCall(ctx, ep.cfg.RemoteName, call)
	}
	if call.Flags&msg.FlagNoReplyExpected != 0 {
		return
	}

	reply := &msg.Message{
		Type:        msg.MethodReturn,
		ReplySerial: call.Serial,
		Args:        args,
	}
	if err != nil {
		reply.Type = msg.Error
		reply.ErrorName = DefaultErrorName
		var named NamedError
		if errors.As(err, &named) {
			reply.ErrorName = named.ErrorName()
		}
		reply.Args = []msg.Arg{msg.NewString(err.Error())}
	}
	if err := ep.Send(reply); err != nil {
		ep.log.Debugf("Failed to reply to %s: %v", call.Description(), err)
	}
}
