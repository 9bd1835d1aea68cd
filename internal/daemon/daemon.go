// Package daemon wires a parsed internal/config.Config into a running
// internal/engine.Engine: it builds the listen/dial functions the
// registry and selector need (dispatching TCP vs SCTP), resolves TLS
// material through internal/certstore, and installs the optional
// internal/meshif and internal/sockacc hooks.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/loxip/sockproxyd/internal/certstore"
	"github.com/loxip/sockproxyd/internal/config"
	"github.com/loxip/sockproxyd/internal/engine"
	"github.com/loxip/sockproxyd/internal/meshif"
	"github.com/loxip/sockproxyd/internal/registry"
	"github.com/loxip/sockproxyd/internal/sctpconn"
	"github.com/loxip/sockproxyd/internal/selector"
	"github.com/loxip/sockproxyd/internal/sockacc"
)

// Daemon bundles the running engine with the optional collaborators its
// Run needs outside the Engine/Registry boundary (spec §6's external
// collaborators).
type Daemon struct {
	Engine *engine.Engine
	tagger sockacc.Tagger
	mesh   meshif.Resolver
	logger *slog.Logger
}

// Build constructs a Daemon from cfg: a Registry wired to dial/listen per
// rule's L4 protocol, an Engine over it, and every rule in cfg.Rules
// already added. The caller still owns calling Run/Stop.
func Build(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	certs := certstore.New(cfg.CertDir, logger)

	reg := registry.New(listenFunc, logger)
	sel := selector.New(dialFunc)
	sel.SetDialTimeout(time.Duration(cfg.DialTimeoutMS) * time.Millisecond)
	eng := engine.New(reg, sel, logger)

	d := &Daemon{Engine: eng, logger: logger}

	if cfg.Mesh.Enabled {
		m, err := meshif.New(cfg.Mesh.Interfaces)
		if err != nil {
			return nil, fmt.Errorf("daemon: mesh resolver: %w", err)
		}
		d.mesh = m
		eng.SetMeshResolver(m)
	}

	if cfg.SockAcc.Enabled {
		d.tagger = sockacc.New(cfg.SockAcc.TableName)
	}

	for _, r := range cfg.Rules {
		if err := addRule(eng, certs, r); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Accelerate returns the engine.AccelerateFunc to pass to Run: when
// kernel-acceleration tagging is enabled in config it tags each flow's
// 5-tuple on the egress call (the point both sides of the pair are
// known, per internal/engine/accelerate.go's Peer field); otherwise nil,
// which disables the hook entirely (Run treats a nil func as "no-op").
func (d *Daemon) Accelerate() engine.AccelerateFunc {
	if d.tagger == nil {
		return nil
	}
	return func(tuple engine.FiveTuple, _ net.Conn, dir engine.Direction) {
		if dir != engine.DirEgress {
			return
		}
		ctx := context.Background()
		if err := d.tagger.TagFlow(ctx, tuple.Rule, tuple.Peer, tuple.Remote); err != nil {
			d.logger.Warn("sockacc: tag flow failed", "rule", tuple.Rule.String(), "error", err)
		}
	}
}

// Close releases the daemon's collaborators (mesh resolver, nftables
// tagger) once Run has returned.
func (d *Daemon) Close() {
	if d.tagger != nil {
		if err := d.tagger.Close(); err != nil {
			d.logger.Warn("sockacc: close failed", "error", err)
		}
	}
	if d.mesh != nil {
		if err := d.mesh.Close(); err != nil {
			d.logger.Warn("meshif: close failed", "error", err)
		}
	}
}

func addRule(eng *engine.Engine, certs *certstore.Store, r config.RuleConfig) error {
	proto := registry.ProtoTCP
	if r.Proto == "sctp" {
		proto = registry.ProtoSCTP
	}
	key := registry.RuleKey{XIP: r.XIP, XPort: r.XPort, L4Proto: proto}

	var acceptTLS, originateTLS registry.TLSBuilder
	if r.AcceptTLS != nil {
		dir := r.AcceptTLS.CertDir
		acceptTLS = certBuilder(certs, dir, r.AcceptTLS.CADir)
	}
	if r.OriginateTLS != nil {
		dir := r.OriginateTLS.CertDir
		originateTLS = certBuilder(certs, dir, r.OriginateTLS.CADir)
	}

	for _, h := range r.Hosts {
		backends := make([]registry.Backend, 0, len(h.Backends))
		for _, b := range h.Backends {
			ip := net.ParseIP(b.IP)
			if ip == nil {
				return fmt.Errorf("daemon: rule %s: invalid backend IP %q", key.String(), b.IP)
			}
			backends = append(backends, registry.Backend{IP: ip, Port: b.Port, L4Proto: proto})
		}

		args := registry.AddArgs{
			HostURL:      h.Host,
			Backends:     backends,
			Mode:         modeOf(h.Mode),
			Policy:       policyOf(h.Policy),
			HaveSSL:      r.AcceptTLS != nil,
			HaveEPSSL:    r.OriginateTLS != nil,
			AcceptTLS:    acceptTLS,
			OriginateTLS: originateTLS,
		}
		if _, _, err := eng.AddRule(key, args); err != nil {
			return fmt.Errorf("daemon: add rule %s host %q: %w", key.String(), h.Host, err)
		}
	}
	return nil
}

func modeOf(s string) registry.Mode {
	if s == "all" {
		return registry.ModeAll
	}
	return registry.ModeDefault
}

func policyOf(s string) registry.SelectPolicy {
	if s == "broadcast" {
		return registry.SelectBroadcast
	}
	return registry.SelectN2
}

// certBuilder adapts certstore.Store to a registry.TLSBuilder rooted at
// dir (falling back to the store's configured root when dir is empty).
func certBuilder(certs *certstore.Store, dir, caDir string) registry.TLSBuilder {
	store := certs
	if dir != "" {
		store = certstore.New(dir, nil)
	}
	return store.Builder(caDir)
}

// listenFunc is the registry.ListenFunc shared by every rule: TCP via the
// standard library, SCTP via internal/sctpconn's raw-socket wrapper.
func listenFunc(proto registry.Proto, addr string) (net.Listener, error) {
	if proto == registry.ProtoSCTP {
		return sctpconn.Listen(addr)
	}
	return net.Listen("tcp", addr)
}

// dialFunc is the selector.Dialer shared by every rule: TCP via
// net.Dialer, SCTP via internal/sctpconn.
func dialFunc(ctx context.Context, network, addr string) (net.Conn, error) {
	if network == "sctp" {
		return sctpconn.Dial(ctx, network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
