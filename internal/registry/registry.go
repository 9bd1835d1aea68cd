package registry

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ListenFunc opens the listener for a rule's virtual endpoint. Production
// code passes net.Listen / sctpconn.Listen; tests substitute a fake to
// avoid binding real sockets.
type ListenFunc func(proto Proto, addr string) (net.Listener, error)

// AddArgs carries everything proxy_add_entry needs, mirroring the
// original's add-entry argument struct.
type AddArgs struct {
	HostURL      string // "" = catch-all
	Backends     []Backend
	Mode         Mode
	Policy       SelectPolicy
	HaveSSL      bool
	HaveEPSSL    bool
	AcceptTLS    TLSBuilder
	OriginateTLS TLSBuilder
	EagerSelect  bool
}

// TLSBuilder produces a *tls.Config lazily, since certificate loading
// belongs to internal/certstore and the registry should not import it
// directly (keeps the registry package dependency-light and testable
// without touching a filesystem).
type TLSBuilder func() (*tls.Config, error)

// Registry is the process-wide rule registry (spec component C5). A
// single RWMutex guards structural changes to the rule map; individual
// rules guard their own bucket map with their own RWMutex, matching the
// "registry lock -> CPE lock" ordering from spec §5 (here: registry lock
// -> rule lock).
type Registry struct {
	mu     sync.RWMutex
	rules  map[RuleKey]*Rule
	listen ListenFunc
	logger *slog.Logger
}

// New creates an empty Registry. listen is required; logger defaults to
// slog.Default() if nil.
func New(listen ListenFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rules:  make(map[RuleKey]*Rule),
		listen: listen,
		logger: logger.With("component", "registry"),
	}
}

// Add implements proxy_add_entry (spec §4.5/§6).
func (reg *Registry) Add(key RuleKey, args AddArgs) (*Rule, *EndpointSet, error) {
	if args.HaveEPSSL && args.Mode == ModeAll {
		return nil, nil, fmt.Errorf("%w: TLS origination is not supported with broadcast mode", ErrInvalidConfig)
	}
	if len(args.Backends) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one backend is required", ErrInvalidConfig)
	}
	if len(args.Backends) > MaxEndpoints {
		return nil, nil, fmt.Errorf("%w: at most %d backends are allowed", ErrInvalidConfig, MaxEndpoints)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.rules[key]; ok {
		bucket, err := reg.addBucket(existing, args)
		if err != nil {
			return nil, nil, err
		}
		reg.logger.Info("host bucket added to existing rule",
			"rule", key.String(), "host", args.HostURL, "backends", len(args.Backends))
		return existing, bucket, nil
	}

	rule := &Rule{
		Key:         key,
		EagerSelect: args.EagerSelect || key.L4Proto == ProtoSCTP,
		Buckets:     make(map[string]*EndpointSet),
	}

	if args.HaveSSL {
		cfg, err := buildTLS(args.AcceptTLS)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: accept TLS: %v", ErrInvalidConfig, err)
		}
		rule.AcceptTLS = cfg
	}
	if args.HaveEPSSL {
		cfg, err := buildTLS(args.OriginateTLS)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: originate TLS: %v", ErrInvalidConfig, err)
		}
		rule.OriginateTLS = cfg
	}

	ln, err := reg.listen(key.L4Proto, net.JoinHostPort(key.XIP, fmt.Sprintf("%d", key.XPort)))
	if err != nil {
		return nil, nil, fmt.Errorf("registry: listen on %s: %w", key.String(), err)
	}
	rule.Listener = ln

	bucket := &EndpointSet{
		RuleID:   key.String(),
		HostURL:  args.HostURL,
		Mode:     args.Mode,
		Policy:   args.Policy,
		Backends: append([]Backend(nil), args.Backends...),
	}
	rule.Buckets[args.HostURL] = bucket

	reg.rules[key] = rule

	reg.logger.Info("rule added",
		"rule", key.String(), "mode", modeName(args.Mode), "host", args.HostURL,
		"backends", len(args.Backends), "have_ssl", args.HaveSSL, "have_epssl", args.HaveEPSSL)

	return rule, bucket, nil
}

func (reg *Registry) addBucket(rule *Rule, args AddArgs) (*EndpointSet, error) {
	rule.mu.Lock()
	defer rule.mu.Unlock()

	if _, exists := rule.Buckets[args.HostURL]; exists {
		return nil, fmt.Errorf("%w: host %q on rule %s", ErrHostExists, args.HostURL, rule.Key.String())
	}

	bucket := &EndpointSet{
		RuleID:   rule.Key.String(),
		HostURL:  args.HostURL,
		Mode:     args.Mode,
		Policy:   args.Policy,
		Backends: append([]Backend(nil), args.Backends...),
	}
	rule.Buckets[args.HostURL] = bucket
	return bucket, nil
}

// Delete implements proxy_delete_entry. It removes the named host
// bucket; if any buckets remain, the rule stays live. Otherwise the rule
// is unhooked from the registry and its listener is returned for the
// caller to close asynchronously (spec §4.5): the registry itself never
// blocks on socket teardown.
func (reg *Registry) Delete(key RuleKey, hostURL string) (listener net.Listener, rule *Rule, unhooked bool, err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rules[key]
	if !ok {
		return nil, nil, false, fmt.Errorf("%w: rule %s", ErrNotFound, key.String())
	}

	r.mu.Lock()
	if _, ok := r.Buckets[hostURL]; !ok {
		r.mu.Unlock()
		return nil, nil, false, fmt.Errorf("%w: host %q on rule %s", ErrNotFound, hostURL, key.String())
	}
	delete(r.Buckets, hostURL)
	remaining := len(r.Buckets)
	r.mu.Unlock()

	if remaining > 0 {
		reg.logger.Info("host bucket removed", "rule", key.String(), "host", hostURL, "remaining_buckets", remaining)
		return nil, r, false, nil
	}

	delete(reg.rules, key)
	r.scheduledFree.Store(true)
	reg.logger.Info("rule unhooked", "rule", key.String())
	return r.Listener, r, true, nil
}

// Get returns the rule for key, if any.
func (reg *Registry) Get(key RuleKey) (*Rule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rules[key]
	return r, ok
}

// Rules returns a snapshot slice of every live rule, for Dump/iteration.
func (reg *Registry) Rules() []*Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Rule, 0, len(reg.rules))
	for _, r := range reg.rules {
		out = append(out, r)
	}
	return out
}

// Stats implements proxy_get_entry_stats: it aggregates the named
// endpoint index's counters across every host bucket of ruleID, fixing
// the "last-bucket-wins" bug noted in spec §9.
func (reg *Registry) Stats(ruleID string, epID int) (pkts, bytes uint64, err error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	found := false
	for _, r := range reg.rules {
		r.mu.RLock()
		for _, b := range r.Buckets {
			if b.RuleID != ruleID {
				continue
			}
			if epID < 0 || epID >= len(b.Backends) {
				continue
			}
			found = true
			pkts += b.Stats[epID].TxPkts.Load()
			bytes += b.Stats[epID].TxBytes.Load()
		}
		r.mu.RUnlock()
	}
	if !found {
		return 0, 0, fmt.Errorf("%w: rule %s endpoint %d", ErrNotFound, ruleID, epID)
	}
	return pkts, bytes, nil
}

func buildTLS(b TLSBuilder) (*tls.Config, error) {
	if b == nil {
		return nil, fmt.Errorf("no TLS builder supplied")
	}
	return b()
}

func modeName(m Mode) string {
	if m == ModeAll {
		return "all"
	}
	return "default"
}
