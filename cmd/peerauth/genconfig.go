// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/common"
	"github.com/katzenpost/peerbus/config"
	"github.com/katzenpost/peerbus/core/crypto/primitives"
)

const (
	identityKeyFile  = "identity.pem"
	chainFile        = "chain.pem"
	trustAnchorFile  = "ca.pem"
	certificateValid = 365 * 24 * time.Hour
)

type genOptions struct {
	DataDir    string
	Name       string
	Mechanisms []string
	PSK        string
	Password   string
	LogLevel   string
	Metrics    string
}

func newGenconfigCommand() *cobra.Command {
	opts := genOptions{}
	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Generate a node configuration",
		Long: `genconfig writes peerbus.toml into the data directory. When
ALLJOYN_ECDHE_ECDSA is enabled it also generates a signing key, a
certificate authority and a certificate chain for the node.`,
		Example: `  peerauth genconfig --datadir /var/lib/peerbus --name :1.7 \
    --mechanism ALLJOYN_ECDHE_ECDSA --mechanism ALLJOYN_ECDHE_NULL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := genConfig(&opts)
			if err != nil {
				return err
			}
			f := filepath.Join(opts.DataDir, defaultConfigFile)
			if err = config.Store(cfg, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.DataDir, "datadir", "d", "", "absolute path of the node data directory")
	cmd.Flags().StringVarP(&opts.Name, "name", "n", ":1.1", "bus name of the node")
	cmd.Flags().StringArrayVarP(&opts.Mechanisms, "mechanism", "m", nil, "enabled mechanism, most preferred first (repeatable)")
	cmd.Flags().StringVar(&opts.PSK, "psk", "", "pre-shared key for ALLJOYN_ECDHE_PSK")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password for ALLJOYN_ECDHE_SPEKE")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "NOTICE", "log level")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "address to serve Prometheus metrics on")
	_ = cmd.MarkFlagRequired("datadir")
	return cmd
}

func genConfig(opts *genOptions) (*config.Config, error) {
	if !filepath.IsAbs(opts.DataDir) {
		return nil, fmt.Errorf("datadir '%v' is not an absolute path", opts.DataDir)
	}
	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, err
	}
	suites, err := auth.ParseSuites(opts.Mechanisms)
	if err != nil {
		return nil, err
	}

	cfg := &config.Config{
		Node: &config.Node{
			Name:    opts.Name,
			DataDir: opts.DataDir,
		},
		Authentication: &config.Authentication{
			Mechanisms:   opts.Mechanisms,
			PreSharedKey: opts.PSK,
			Password:     opts.Password,
		},
		Logging: &config.Logging{
			Level: opts.LogLevel,
		},
		Metrics: &config.Metrics{
			Address: opts.Metrics,
		},
	}
	for _, s := range suites {
		if s == auth.SuiteECDSA {
			if err = genIdentity(opts.DataDir, opts.Name); err != nil {
				return nil, err
			}
			cfg.Authentication.IdentityKeyFile = identityKeyFile
			cfg.Authentication.CertificateChainFile = chainFile
			cfg.Authentication.TrustAnchorFiles = []string{trustAnchorFile}
		}
	}
	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// genIdentity writes a self-signed authority and a leaf certificate issued
// by it for name.
func genIdentity(dataDir, name string) error {
	caKey, err := primitives.GenerateSigningKey()
	if err != nil {
		return err
	}
	leafKey, err := primitives.GenerateSigningKey()
	if err != nil {
		return err
	}

	now := time.Now()
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name + " authority"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateValid),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return err
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certificateValid),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		return err
	}

	keyPEM, err := common.ECDSAKeyToPEM(leafKey)
	if err != nil {
		return err
	}
	for f, b := range map[string][]byte{
		identityKeyFile: keyPEM,
		chainFile:       common.CertificatesToPEM([][]byte{leafDER}),
		trustAnchorFile: common.CertificatesToPEM([][]byte{caDER}),
	} {
		if err := os.WriteFile(filepath.Join(dataDir, f), b, 0600); err != nil {
			return err
		}
	}
	return nil
}
