// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the peerbus node configuration.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/peerbus/audit"
	"github.com/katzenpost/peerbus/auth"
	"github.com/katzenpost/peerbus/authenticator"
	"github.com/katzenpost/peerbus/common"
	"github.com/katzenpost/peerbus/core/guid"
	"github.com/katzenpost/peerbus/core/log"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultKeyLifetime       = 86400 * 1000 // 24 hours.
	defaultGroupKeyLifetime  = 86400 * 1000 // 24 hours.
	defaultMaxAuthAttempts   = 3
	defaultAuthAttemptWindow = 30 * 1000  // 30 sec.
	defaultAuthTimeout       = 120 * 1000 // 120 sec.
	defaultKeySweepInterval  = 10 * 1000  // 10 sec.
	defaultAuditFile         = "audit.db"
	defaultAuditMaxRecords   = 10000
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node describes the local endpoint.
type Node struct {
	// Name is the bus name of the node.
	Name string

	// GUID is the hex encoded local GUID.  If omitted a random GUID is used
	// for each run.
	GUID string

	// DataDir is the absolute path to the node's state files.
	DataDir string
}

func (nCfg *Node) validate() error {
	if nCfg.Name == "" {
		return errors.New("config: Node: Name is not set")
	}
	if nCfg.GUID != "" {
		if _, err := guid.Parse(nCfg.GUID); err != nil {
			return fmt.Errorf("config: Node: GUID '%v' is invalid: %v", nCfg.GUID, err)
		}
	}
	if nCfg.DataDir != "" && !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	return nil
}

func (nCfg *Node) path(f string) string {
	if f == "" || filepath.IsAbs(f) || nCfg.DataDir == "" {
		return f
	}
	return filepath.Join(nCfg.DataDir, f)
}

// Authentication is the peer authentication configuration.  Durations are
// in milliseconds.
type Authentication struct {
	// AuthVersion is the local authentication version, major in the high
	// 16 bits.
	AuthVersion uint32

	// Mechanisms lists the enabled mechanisms by name, most preferred
	// first, eg: "ALLJOYN_ECDHE_PSK".
	Mechanisms []string

	// KeyLifetime is the session key lifetime.
	KeyLifetime int

	// MechanismKeyLifetime overrides KeyLifetime per mechanism name.
	MechanismKeyLifetime map[string]int

	// GroupKeyLifetime is the lifetime of the local broadcast key.
	GroupKeyLifetime int

	// MaxAuthAttempts bounds the failed handshakes per peer within
	// AuthAttemptWindow.
	MaxAuthAttempts   int
	AuthAttemptWindow int

	// AuthTimeout bounds a wait on an in-flight handshake.
	AuthTimeout int

	// KeySweepInterval is how often expired keys are erased.
	KeySweepInterval int

	// PreSharedKey is the ECDHE_PSK secret.
	PreSharedKey string

	// Password is the ECDHE_SPEKE password.
	Password string

	// IdentityKeyFile and CertificateChainFile are the PEM signing key and
	// certificate chain, leaf first, for ECDHE_ECDSA.  Relative paths are
	// resolved against the DataDir.
	IdentityKeyFile      string
	CertificateChainFile string

	// TrustAnchorFiles are PEM files of roots accepted for remote chains.
	TrustAnchorFiles []string
}

func (aCfg *Authentication) applyDefaults() {
	if len(aCfg.Mechanisms) == 0 {
		aCfg.Mechanisms = []string{auth.SuiteNULL.String()}
	}
	if aCfg.KeyLifetime <= 0 {
		aCfg.KeyLifetime = defaultKeyLifetime
	}
	if aCfg.GroupKeyLifetime <= 0 {
		aCfg.GroupKeyLifetime = defaultGroupKeyLifetime
	}
	if aCfg.MaxAuthAttempts <= 0 {
		aCfg.MaxAuthAttempts = defaultMaxAuthAttempts
	}
	if aCfg.AuthAttemptWindow <= 0 {
		aCfg.AuthAttemptWindow = defaultAuthAttemptWindow
	}
	if aCfg.AuthTimeout <= 0 {
		aCfg.AuthTimeout = defaultAuthTimeout
	}
	if aCfg.KeySweepInterval <= 0 {
		aCfg.KeySweepInterval = defaultKeySweepInterval
	}
}

func (aCfg *Authentication) validate() error {
	if aCfg.AuthVersion != 0 && aCfg.AuthVersion>>16 == 0 {
		return fmt.Errorf("config: Authentication: AuthVersion 0x%08x has no major version", aCfg.AuthVersion)
	}
	suites, err := auth.ParseSuites(aCfg.Mechanisms)
	if err != nil {
		return fmt.Errorf("config: Authentication: %v", err)
	}
	for name, v := range aCfg.MechanismKeyLifetime {
		if _, ok := auth.ParseSuite(name); !ok {
			return fmt.Errorf("config: Authentication: MechanismKeyLifetime: unknown mechanism '%v'", name)
		}
		if v <= 0 {
			return fmt.Errorf("config: Authentication: MechanismKeyLifetime: '%v' is not positive", name)
		}
	}
	for _, s := range suites {
		switch s {
		case auth.SuitePSK:
			if aCfg.PreSharedKey == "" {
				return errors.New("config: Authentication: PreSharedKey is required for ECDHE_PSK")
			}
		case auth.SuiteSPEKE:
			if aCfg.Password == "" {
				return errors.New("config: Authentication: Password is required for ECDHE_SPEKE")
			}
		case auth.SuiteECDSA:
			if aCfg.IdentityKeyFile == "" || aCfg.CertificateChainFile == "" {
				return errors.New("config: Authentication: IdentityKeyFile and CertificateChainFile are required for ECDHE_ECDSA")
			}
			if len(aCfg.TrustAnchorFiles) == 0 {
				return errors.New("config: Authentication: TrustAnchorFiles are required for ECDHE_ECDSA")
			}
		}
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Metrics is the Prometheus listener configuration.
type Metrics struct {
	// Address is the host:port the /metrics endpoint binds to.  Metrics
	// are not served if omitted.
	Address string
}

// Audit is the authentication failure log configuration.
type Audit struct {
	// Disable turns the audit log off.
	Disable bool

	// File is the bolt database path, relative to the DataDir.
	File string

	// MaxRecords bounds the number of records retained.
	MaxRecords int
}

func (aCfg *Audit) applyDefaults() {
	if aCfg.File == "" {
		aCfg.File = defaultAuditFile
	}
	if aCfg.MaxRecords <= 0 {
		aCfg.MaxRecords = defaultAuditMaxRecords
	}
}

// Config is the top level peerbus node configuration.
type Config struct {
	Node           *Node
	Authentication *Authentication
	Logging        *Logging
	Metrics        *Metrics
	Audit          *Audit
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Authentication == nil {
		cfg.Authentication = &Authentication{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &Audit{}
	}
	cfg.Authentication.applyDefaults()
	cfg.Audit.applyDefaults()

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Authentication.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if !cfg.Audit.Disable && !filepath.IsAbs(cfg.Node.path(cfg.Audit.File)) {
		return errors.New("config: Audit: File must be absolute unless Node.DataDir is set")
	}
	return nil
}

// NewLogBackend returns the logging backend described by the Logging
// section.
func (cfg *Config) NewLogBackend() (*log.Backend, error) {
	return log.New(cfg.Node.path(cfg.Logging.File), cfg.Logging.Level, cfg.Logging.Disable)
}

// OpenAudit opens the audit log, or returns nil if it is disabled.
func (cfg *Config) OpenAudit() (*audit.Log, error) {
	if cfg.Audit.Disable {
		return nil, nil
	}
	return audit.New(cfg.Node.path(cfg.Audit.File), audit.WithMaxRecords(cfg.Audit.MaxRecords))
}

// AuthenticatorConfig returns the runtime authenticator configuration.
// The caller supplies the log backend and the optional auditor.
func (cfg *Config) AuthenticatorConfig(backend *log.Backend, auditor audit.Auditor) (*authenticator.Config, error) {
	aCfg := cfg.Authentication
	suites, err := auth.ParseSuites(aCfg.Mechanisms)
	if err != nil {
		return nil, err
	}
	creds, err := cfg.credentials(suites)
	if err != nil {
		return nil, err
	}

	ac := &authenticator.Config{
		AuthVersion:       aCfg.AuthVersion,
		EnabledMechanisms: suites,
		KeyLifetime:       time.Duration(aCfg.KeyLifetime) * time.Millisecond,
		GroupKeyLifetime:  time.Duration(aCfg.GroupKeyLifetime) * time.Millisecond,
		MaxAuthAttempts:   aCfg.MaxAuthAttempts,
		AuthAttemptWindow: time.Duration(aCfg.AuthAttemptWindow) * time.Millisecond,
		AuthTimeout:       time.Duration(aCfg.AuthTimeout) * time.Millisecond,
		KeySweepInterval:  time.Duration(aCfg.KeySweepInterval) * time.Millisecond,
		Credentials:       creds,
		LogBackend:        backend,
	}
	if auditor != nil {
		ac.Auditor = auditor
	}
	if cfg.Node.GUID != "" {
		if ac.GUID, err = guid.Parse(cfg.Node.GUID); err != nil {
			return nil, err
		}
	}
	if len(aCfg.MechanismKeyLifetime) > 0 {
		ac.MechanismKeyLifetime = make(map[auth.Suite]time.Duration, len(aCfg.MechanismKeyLifetime))
		for name, v := range aCfg.MechanismKeyLifetime {
			s, _ := auth.ParseSuite(name)
			ac.MechanismKeyLifetime[s] = time.Duration(v) * time.Millisecond
		}
	}
	return ac, nil
}

func (cfg *Config) credentials(suites []auth.Suite) (*auth.StaticCredentials, error) {
	aCfg := cfg.Authentication
	creds := &auth.StaticCredentials{
		PreSharedKey: []byte(aCfg.PreSharedKey),
		Passphrase:   []byte(aCfg.Password),
	}

	for _, s := range suites {
		if s != auth.SuiteECDSA {
			continue
		}
		key, err := common.LoadECDSAKeyFile(cfg.Node.path(aCfg.IdentityKeyFile))
		if err != nil {
			return nil, fmt.Errorf("config: failed to load identity key: %v", err)
		}
		chain, err := common.LoadCertificatesFile(cfg.Node.path(aCfg.CertificateChainFile))
		if err != nil {
			return nil, fmt.Errorf("config: failed to load certificate chain: %v", err)
		}
		roots := x509.NewCertPool()
		for _, f := range aCfg.TrustAnchorFiles {
			ders, err := common.LoadCertificatesFile(cfg.Node.path(f))
			if err != nil {
				return nil, fmt.Errorf("config: failed to load trust anchor '%v': %v", f, err)
			}
			for _, der := range ders {
				c, err := x509.ParseCertificate(der)
				if err != nil {
					return nil, err
				}
				roots.AddCert(c)
			}
		}
		creds.SigningKey = key
		creds.Chain = chain
		creds.Roots = roots
	}
	return creds, nil
}

// Store writes cfg to fileName as TOML.
func Store(cfg *Config, fileName string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(fileName, buf.Bytes(), 0600)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
