// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/peerbus/audit"
	"github.com/katzenpost/peerbus/authenticator"
	"github.com/katzenpost/peerbus/config"
	"github.com/katzenpost/peerbus/core/log"
	"github.com/katzenpost/peerbus/instrument"
	"github.com/katzenpost/peerbus/peerstate"
	"github.com/katzenpost/peerbus/transport"
)

// node is one bus attachment: an authenticator behind a router.
type node struct {
	cfg     *config.Config
	backend *log.Backend
	log     *logging.Logger

	audit   *audit.Log
	auth    *authenticator.Authenticator
	router  *transport.Router
	metrics *instrument.Listener
}

func newNode(cfg *config.Config) (*node, error) {
	backend, err := cfg.NewLogBackend()
	if err != nil {
		return nil, err
	}
	n := &node{
		cfg:     cfg,
		backend: backend,
		log:     backend.GetLogger("peerauth"),
	}

	if n.audit, err = cfg.OpenAudit(); err != nil {
		return nil, fmt.Errorf("failed to open audit log: %v", err)
	}
	var auditor audit.Auditor
	if n.audit != nil {
		auditor = n.audit
	}
	aCfg, err := cfg.AuthenticatorConfig(backend, auditor)
	if err != nil {
		n.Shutdown()
		return nil, err
	}
	if n.auth, err = authenticator.New(aCfg); err != nil {
		n.Shutdown()
		return nil, err
	}

	n.router = transport.NewRouter(cfg.Node.Name, n.auth, n.auth.Filter, backend.GetLogger("transport"))
	n.router.OnPeerGone = n.auth.OnPeerGone
	n.auth.Start(n.router)

	if cfg.Metrics.Address != "" {
		if n.metrics, err = instrument.StartPrometheusListener(cfg.Metrics.Address, n.log); err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("failed to start metrics listener: %v", err)
		}
	}
	return n, nil
}

func (n *node) attach(c net.Conn, peer string) error {
	_, err := n.router.Attach(c, peer)
	if err == nil {
		n.log.Debugf("Attached %q via %v", peer, c.RemoteAddr())
	}
	return err
}

// authenticate runs or reuses the handshake with peer and writes a
// summary of the resulting security state to w.
func (n *node) authenticate(ctx context.Context, peer string, w io.Writer) error {
	start := time.Now()
	k, err := n.auth.EnsureAuthenticated(ctx, peer)
	if err != nil {
		return err
	}
	defer k.Erase()

	h := n.auth.Table().GetPeerState(peer, false)
	defer h.Release()

	fmt.Fprintf(w, "peer:          %s\n", peer)
	fmt.Fprintf(w, "guid:          %v\n", h.GUID())
	fmt.Fprintf(w, "auth version:  0x%08x\n", h.AuthVersion())
	fmt.Fprintf(w, "state:         %v\n", h.Phase())
	fmt.Fprintf(w, "transcript:    %s\n", hex.EncodeToString(h.TranscriptDigest()))
	fmt.Fprintf(w, "session key:   expires %v\n", k.Expiry.Format(time.RFC3339))
	if g, err := h.GetKey(peerstate.GroupKey); err == nil {
		fmt.Fprintf(w, "group key:     expires %v\n", g.Expiry.Format(time.RFC3339))
		g.Erase()
	}
	fmt.Fprintf(w, "elapsed:       %v\n", time.Since(start).Round(time.Microsecond))
	return nil
}

// Shutdown tears the node down, erasing every key.
func (n *node) Shutdown() {
	if n.router != nil {
		n.router.Halt()
	}
	if n.auth != nil {
		n.auth.Halt()
	}
	if n.metrics != nil {
		n.metrics.Halt()
	}
	if n.audit != nil {
		if err := n.audit.Close(); err != nil {
			n.log.Errorf("Failed to close audit log: %v", err)
		}
	}
}

// loopbackConfig derives the configuration of the in-process peer used by
// the loopback command.
func loopbackConfig(cfg *config.Config) *config.Config {
	peer := *cfg
	nodeCfg := *cfg.Node
	nodeCfg.Name = cfg.Node.Name + ".loopback"
	nodeCfg.GUID = ""
	peer.Node = &nodeCfg
	peer.Audit = &config.Audit{Disable: true}
	peer.Metrics = &config.Metrics{}
	return &peer
}

// runLoopback authenticates the configured node against an in-process
// copy of itself over a pipe.
func runLoopback(ctx context.Context, cfg *config.Config, w io.Writer) error {
	local, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer local.Shutdown()
	remote, err := newNode(loopbackConfig(cfg))
	if err != nil {
		return err
	}
	defer remote.Shutdown()

	a, b := net.Pipe()
	if err = local.attach(a, remote.cfg.Node.Name); err != nil {
		return err
	}
	if err = remote.attach(b, local.cfg.Node.Name); err != nil {
		return err
	}
	return local.authenticate(ctx, remote.cfg.Node.Name, w)
}
