// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command peerauth exercises the peer authentication subsystem.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/peerbus/common"
	"github.com/katzenpost/peerbus/config"
)

const defaultConfigFile = "peerbus.toml"

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	Timeout    time.Duration
	Linger     time.Duration
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "peerauth",
		Short: "Peer authentication tool",
		Long: `peerauth drives the peer authentication handshake between bus
attachments. It negotiates a mechanism, runs the ECDHE key exchange,
authenticates the transcript and installs session and group keys.

Subcommands run a loopback handshake in process, serve handshakes over TCP,
authenticate against a remote node, and generate configuration files.`,
	}
	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", defaultConfigFile,
		"path to the node configuration file (TOML format)")
	cmd.PersistentFlags().DurationVarP(&cfg.Timeout, "timeout", "t", 30*time.Second,
		"how long to wait for a handshake")

	cmd.AddCommand(
		newLoopbackCommand(&cfg),
		newServeCommand(&cfg),
		newConnectCommand(&cfg),
		newGenconfigCommand(),
	)
	return cmd
}

func newLoopbackCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Authenticate against an in-process copy of the node",
		Example: `  # Run a handshake with the mechanisms of the configured node
  peerauth loopback -f peerbus.toml

  # Keep serving metrics for a minute afterwards
  peerauth loopback -f peerbus.toml --linger 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeCfg, err := loadConfig(cfg.ConfigFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			if err = runLoopback(ctx, nodeCfg, cmd.OutOrStdout()); err != nil {
				return err
			}
			if cfg.Linger > 0 {
				time.Sleep(cfg.Linger)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&cfg.Linger, "linger", 0, "keep running after the handshake")
	return cmd
}

func newServeCommand(cfg *Config) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve handshakes on a TCP address",
		Example: `  peerauth serve -f peerbus.toml --listen 127.0.0.1:9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeCfg, err := loadConfig(cfg.ConfigFile)
			if err != nil {
				return err
			}
			return runServe(nodeCfg, address)
		},
	}
	cmd.Flags().StringVarP(&address, "listen", "l", "127.0.0.1:9100", "address to accept peers on")
	return cmd
}

func newConnectCommand(cfg *Config) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Authenticate against a node serving on a TCP address",
		Example: `  peerauth connect -f peerbus.toml --addr 127.0.0.1:9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeCfg, err := loadConfig(cfg.ConfigFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			return runConnect(ctx, nodeCfg, address, cmd)
		},
	}
	cmd.Flags().StringVarP(&address, "addr", "a", "127.0.0.1:9100", "address of the serving node")
	return cmd
}

func loadConfig(f string) (*config.Config, error) {
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func runServe(cfg *config.Config, address string) error {
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer n.Shutdown()

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	n.log.Noticef("Accepting peers on %v", ln.Addr())

	// Setup the signal handling.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	go func() {
		<-ch
		ln.Close()
	}()
	go func() {
		for range rotateCh {
			if err := n.backend.Rotate(); err != nil {
				n.log.Errorf("Failed to rotate log: %v", err)
			}
		}
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			n.log.Noticef("Listener closed: %v", err)
			return nil
		}
		if err = n.attach(c, c.RemoteAddr().String()); err != nil {
			n.log.Warningf("Rejecting %v: %v", c.RemoteAddr(), err)
			c.Close()
		}
	}
}

func runConnect(ctx context.Context, cfg *config.Config, address string, cmd *cobra.Command) error {
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer n.Shutdown()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	if err = n.attach(c, address); err != nil {
		c.Close()
		return err
	}
	return n.authenticate(ctx, address, cmd.OutOrStdout())
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}
