// Package config loads the daemon's YAML rule file: the set of virtual
// listen endpoints, their host-routed backend buckets, and any TLS
// termination/origination settings, plus the ambient daemon settings
// (log level, cert/mesh directories).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"

	// DefaultCertDir is the default certificate store root (see
	// internal/certstore for the <CertDir>/<host>/server.{crt,key} layout).
	DefaultCertDir = "/etc/sockproxyd/certs"

	// DefaultDialTimeoutMS is the default backend dial timeout.
	DefaultDialTimeoutMS = 500
)

// TLSConfig names the certificate material for one side of a rule.
type TLSConfig struct {
	// CertDir overrides the daemon-wide CertDir for this rule's lookups.
	CertDir string `yaml:"cert_dir,omitempty"`
	// CADir, if set, enables mutual TLS: client certificates are verified
	// against every PEM file under this directory.
	CADir string `yaml:"ca_dir,omitempty"`
}

// BackendConfig is one concrete backend socket address.
type BackendConfig struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// HostRuleConfig is one host-routed bucket of backends within a rule.
type HostRuleConfig struct {
	// Host is the HTTP Host header this bucket matches; "" is the
	// catch-all bucket.
	Host     string          `yaml:"host"`
	Backends []BackendConfig `yaml:"backends"`
	// Mode is "default" (pick one backend, round robin) or "all"
	// (broadcast to every backend). Default: "default".
	Mode string `yaml:"mode,omitempty"`
	// Policy is "round_robin" or "broadcast", governing how an already
	// selected connection's chunks are distributed across its peers.
	// Default: "round_robin".
	Policy string `yaml:"policy,omitempty"`
}

// RuleConfig is one virtual listen endpoint and its host buckets.
type RuleConfig struct {
	XIP   string `yaml:"xip"`
	XPort uint16 `yaml:"xport"`
	// Proto is "tcp" or "sctp". Default: "tcp".
	Proto string `yaml:"proto,omitempty"`

	// AcceptTLS, if set, terminates TLS on the client-facing side.
	AcceptTLS *TLSConfig `yaml:"accept_tls,omitempty"`
	// OriginateTLS, if set, originates TLS towards selected backends. Not
	// compatible with any host bucket using Mode "all".
	OriginateTLS *TLSConfig `yaml:"originate_tls,omitempty"`

	Hosts []HostRuleConfig `yaml:"hosts"`
}

// MeshConfig configures virtual-IP-to-WireGuard-interface resolution
// (internal/meshif); it is optional and only meaningful on Linux.
type MeshConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interfaces lists the local WireGuard interface names to consult
	// when resolving a rule's XIP to a mesh peer.
	Interfaces []string `yaml:"interfaces,omitempty"`
}

// SockAccConfig configures the optional nftables-based kernel
// acceleration tagging hook (internal/sockacc); Linux only.
type SockAccConfig struct {
	Enabled bool `yaml:"enabled"`
	// TableName overrides the nftables table used to tag accelerated
	// flows. Default: "sockproxyd-acc".
	TableName string `yaml:"table_name,omitempty"`
}

// Config is the top-level daemon configuration, as parsed from a YAML
// rule file.
type Config struct {
	// LogLevel is "debug", "info", "warn", or "error". Default: "info".
	LogLevel string `yaml:"log_level,omitempty"`

	// CertDir is the root of the certificate store (internal/certstore).
	CertDir string `yaml:"cert_dir,omitempty"`

	// DialTimeoutMS bounds a single backend dial attempt, in milliseconds.
	DialTimeoutMS int `yaml:"dial_timeout_ms,omitempty"`

	Mesh    MeshConfig    `yaml:"mesh"`
	SockAcc SockAccConfig `yaml:"sockacc"`

	Rules []RuleConfig `yaml:"rules"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.CertDir == "" {
		c.CertDir = DefaultCertDir
	}
	if c.DialTimeoutMS == 0 {
		c.DialTimeoutMS = DefaultDialTimeoutMS
	}
	if c.SockAcc.TableName == "" {
		c.SockAcc.TableName = "sockproxyd-acc"
	}
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Proto == "" {
			r.Proto = "tcp"
		}
		for j := range r.Hosts {
			h := &r.Hosts[j]
			if h.Mode == "" {
				h.Mode = "default"
			}
			if h.Policy == "" {
				h.Policy = "round_robin"
			}
		}
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("config: at least one rule is required")
	}
	seen := make(map[string]bool)
	for i, r := range c.Rules {
		if r.XIP == "" {
			return fmt.Errorf("config: rules[%d]: xip is required", i)
		}
		if r.XPort == 0 {
			return fmt.Errorf("config: rules[%d]: xport is required", i)
		}
		if r.Proto != "tcp" && r.Proto != "sctp" {
			return fmt.Errorf("config: rules[%d]: proto must be \"tcp\" or \"sctp\"", i)
		}
		key := fmt.Sprintf("%s:%d/%s", r.XIP, r.XPort, r.Proto)
		if seen[key] {
			return fmt.Errorf("config: rules[%d]: duplicate rule key %s", i, key)
		}
		seen[key] = true

		if len(r.Hosts) == 0 {
			return fmt.Errorf("config: rules[%d] (%s): at least one host bucket is required", i, key)
		}
		hostsSeen := make(map[string]bool)
		for j, h := range r.Hosts {
			if hostsSeen[h.Host] {
				return fmt.Errorf("config: rules[%d] (%s): duplicate host %q", i, key, h.Host)
			}
			hostsSeen[h.Host] = true
			if len(h.Backends) == 0 {
				return fmt.Errorf("config: rules[%d].hosts[%d]: at least one backend is required", i, j)
			}
			if h.Mode != "default" && h.Mode != "all" {
				return fmt.Errorf("config: rules[%d].hosts[%d]: mode must be \"default\" or \"all\"", i, j)
			}
			if h.Policy != "round_robin" && h.Policy != "broadcast" {
				return fmt.Errorf("config: rules[%d].hosts[%d]: policy must be \"round_robin\" or \"broadcast\"", i, j)
			}
			if r.OriginateTLS != nil && h.Mode == "all" {
				return fmt.Errorf("config: rules[%d].hosts[%d]: originate_tls is not compatible with mode \"all\"", i, j)
			}
		}
	}
	return nil
}

// Load reads a YAML rule file, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
