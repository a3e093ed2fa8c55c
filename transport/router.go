// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/peerbus/core/msg"
)

// Router owns the endpoints of the local bus attachment, keyed by the
// remote bus name.
type Router struct {
	sync.Mutex

	localName string
	log       *logging.Logger

	handler Handler
	filter  Filter

	endpoints map[string]*Endpoint

	// OnPeerGone is called after an endpoint is removed.
	OnPeerGone func(peer string)
}

// NewRouter returns a Router dispatching inbound calls to handler and
// screening inbound messages with filter.
func NewRouter(localName string, handler Handler, filter Filter, log *logging.Logger) *Router {
	return &Router{
		localName: localName,
		log:       log,
		handler:   handler,
		filter:    filter,
		endpoints: make(map[string]*Endpoint),
	}
}

// LocalName returns the local bus name.
func (r *Router) LocalName() string {
	return r.localName
}

// Attach starts an endpoint for the peer reachable over c.
func (r *Router) Attach(c net.Conn, peer string) (*Endpoint, error) {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.endpoints[peer]; ok {
		return nil, fmt.Errorf("transport: peer %q already attached", peer)
	}
	ep := NewEndpoint(c, &EndpointConfig{
		LocalName:  r.localName,
		RemoteName: peer,
		Handler:    r.handler,
		Filter:     r.filter,
		OnClose:    r.onClose,
		Log:        r.log,
	})
	r.endpoints[peer] = ep
	return ep, nil
}

// Endpoint returns the endpoint for peer.
func (r *Router) Endpoint(peer string) (*Endpoint, bool) {
	r.Lock()
	defer r.Unlock()
	ep, ok := r.endpoints[peer]
	return ep, ok
}

// Call makes a method call on peer.
func (r *Router) Call(ctx context.Context, peer, path, iface, member string, args ...msg.Arg) ([]msg.Arg, error) {
	ep, ok := r.Endpoint(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPeerDisconnected, peer)
	}
	reply, err := ep.Call(ctx, path, iface, member, args...)
	if err != nil {
		return nil, err
	}
	return reply.Args, nil
}

// Halt closes every endpoint.
func (r *Router) Halt() {
	r.Lock()
	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	r.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
}

func (r *Router) onClose(ep *Endpoint, _ error) {
	r.Lock()
	if cur, ok := r.endpoints[ep.RemoteName()]; ok && cur == ep {
		delete(r.endpoints, ep.RemoteName())
	}
	r.Unlock()

	if r.OnPeerGone != nil {
		r.OnPeerGone(ep.RemoteName())
	}
}
