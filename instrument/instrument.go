// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the peer security counters to Prometheus.
package instrument

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerbus_inbound_messages_dropped_total",
			Help: "Number of inbound messages dropped by the anti-replay window",
		},
		[]string{"reason"},
	)
	messagesUnauthorized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerbus_inbound_messages_unauthorized_total",
			Help: "Number of inbound messages dropped for lack of authorization",
		},
		[]string{"type"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerbus_handshakes_total",
			Help: "Number of completed handshakes by role and result",
		},
		[]string{"role", "result"},
	)
	handshakeDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "peerbus_handshake_duration_seconds",
			Help: "Duration of successful handshakes",
		},
	)
	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerbus_auth_failures_total",
			Help: "Number of failed key authentications by mechanism",
		},
		[]string{"mechanism"},
	)
	keysExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peerbus_keys_expired_total",
			Help: "Number of peers whose session keys expired",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(messagesUnauthorized)
	prometheus.MustRegister(handshakes)
	prometheus.MustRegister(handshakeDuration)
	prometheus.MustRegister(authFailures)
	prometheus.MustRegister(keysExpired)
}

// MessageDropped counts an inbound message rejected by the serial window.
func MessageDropped(reason string) {
	messagesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// MessageUnauthorized counts an inbound message denied by authorization.
func MessageUnauthorized(msgType string) {
	messagesUnauthorized.With(prometheus.Labels{"type": msgType}).Inc()
}

// Handshake counts a finished handshake.
func Handshake(role, result string) {
	handshakes.With(prometheus.Labels{"role": role, "result": result}).Inc()
}

// HandshakeDuration observes the duration of a successful handshake.
func HandshakeDuration(d time.Duration) {
	handshakeDuration.Observe(d.Seconds())
}

// AuthFailure counts a verifier or signature mismatch.
func AuthFailure(mechanism string) {
	authFailures.With(prometheus.Labels{"mechanism": mechanism}).Inc()
}

// KeysExpired counts peers whose keys were swept.
func KeysExpired(n int) {
	keysExpired.Add(float64(n))
}

// Listener serves /metrics.
type Listener struct {
	srv *http.Server
	ln  net.Listener
	log *logging.Logger
}

// StartPrometheusListener serves the registered metrics on address.
func StartPrometheusListener(address string, log *logging.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	l := &Listener{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	l.log.Noticef("Serving metrics on http://%s/metrics", ln.Addr())
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Halt stops the listener.
func (l *Listener) Halt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.srv.Shutdown(ctx)
}
