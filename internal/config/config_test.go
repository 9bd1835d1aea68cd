package config

import (
	"os"
	"path/filepath"
	"testing"
)

func minimalYAML() string {
	return `
rules:
  - xip: 127.0.0.1
    xport: 8443
    hosts:
      - host: a.example
        backends:
          - ip: 10.0.0.1
            port: 80
`
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML()), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, DefaultLogLevel)
	}
	if cfg.CertDir != DefaultCertDir {
		t.Fatalf("CertDir = %q, want %q", cfg.CertDir, DefaultCertDir)
	}
	if cfg.DialTimeoutMS != DefaultDialTimeoutMS {
		t.Fatalf("DialTimeoutMS = %d, want %d", cfg.DialTimeoutMS, DefaultDialTimeoutMS)
	}
	if cfg.SockAcc.TableName != "sockproxyd-acc" {
		t.Fatalf("SockAcc.TableName = %q, want %q", cfg.SockAcc.TableName, "sockproxyd-acc")
	}
	r := cfg.Rules[0]
	if r.Proto != "tcp" {
		t.Fatalf("Rules[0].Proto = %q, want %q", r.Proto, "tcp")
	}
	h := r.Hosts[0]
	if h.Mode != "default" || h.Policy != "round_robin" {
		t.Fatalf("Hosts[0] = (mode=%q, policy=%q), want (default, round_robin)", h.Mode, h.Policy)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("Load on missing file = nil error, want an error")
	}
}

func TestValidate_RejectsEmptyRules(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate with no rules = nil error, want an error")
	}
}

func TestValidate_RejectsDuplicateRuleKey(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
		Rules: []RuleConfig{
			{XIP: "127.0.0.1", XPort: 8080, Proto: "tcp", Hosts: []HostRuleConfig{
				{Host: "a.example", Backends: []BackendConfig{{IP: "10.0.0.1", Port: 80}}, Mode: "default", Policy: "round_robin"},
			}},
			{XIP: "127.0.0.1", XPort: 8080, Proto: "tcp", Hosts: []HostRuleConfig{
				{Host: "b.example", Backends: []BackendConfig{{IP: "10.0.0.2", Port: 80}}, Mode: "default", Policy: "round_robin"},
			}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate with duplicate rule key = nil error, want an error")
	}
}

func TestValidate_RejectsOriginateTLSWithBroadcastMode(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
		Rules: []RuleConfig{
			{
				XIP: "127.0.0.1", XPort: 8080, Proto: "tcp",
				OriginateTLS: &TLSConfig{},
				Hosts: []HostRuleConfig{
					{Host: "a.example", Backends: []BackendConfig{{IP: "10.0.0.1", Port: 80}}, Mode: "all", Policy: "broadcast"},
				},
			},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate with originate_tls + mode all = nil error, want an error")
	}
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "verbose", Rules: []RuleConfig{{XIP: "1.2.3.4", XPort: 1, Proto: "tcp", Hosts: []HostRuleConfig{
		{Host: "a", Backends: []BackendConfig{{IP: "10.0.0.1", Port: 80}}, Mode: "default", Policy: "round_robin"},
	}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate with invalid log_level = nil error, want an error")
	}
}
