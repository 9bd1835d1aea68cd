// Package engine is the dispatcher that ties the rule registry, endpoint
// selector, and connection-pair entries together into a running proxy
// (spec component C8, proxy_main and friends). It owns the one piece of
// state the registry deliberately does not: the live-connection index per
// rule, which DeleteRule, closeAll and DumpRules walk.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/loxip/sockproxyd/internal/conn"
	"github.com/loxip/sockproxyd/internal/meshif"
	"github.com/loxip/sockproxyd/internal/registry"
	"github.com/loxip/sockproxyd/internal/remap"
	"github.com/loxip/sockproxyd/internal/selector"
	"github.com/loxip/sockproxyd/internal/sniff"
	"github.com/loxip/sockproxyd/internal/tlsio"
)

const readBufSize = 32 * 1024

// ruleConns tracks the live CPEs rooted at one rule, so that DeleteRule
// and closeAll can close them and DumpRules can report them.
type ruleConns struct {
	mu    sync.Mutex
	cpes  map[*conn.CPE]struct{}
	drain chan struct{} // if non-nil, closed once the set becomes empty; nothing in this package sets it
}

func newRuleConns() *ruleConns {
	return &ruleConns{cpes: make(map[*conn.CPE]struct{})}
}

func (rc *ruleConns) add(c *conn.CPE) {
	rc.mu.Lock()
	rc.cpes[c] = struct{}{}
	rc.mu.Unlock()
}

// remove deletes c from the set and reports the remaining count.
func (rc *ruleConns) remove(c *conn.CPE) int {
	rc.mu.Lock()
	delete(rc.cpes, c)
	n := len(rc.cpes)
	if n == 0 && rc.drain != nil {
		select {
		case <-rc.drain:
		default:
			close(rc.drain)
		}
	}
	rc.mu.Unlock()
	return n
}

func (rc *ruleConns) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.cpes)
}

// Engine runs the accept loops and data pumps for every rule registered
// in its Registry.
type Engine struct {
	reg      *registry.Registry
	sel      *selector.Selector
	logger   *slog.Logger
	mesh     meshif.Resolver // nil disables mesh annotation (spec §6 dump fields)
	remapper remap.Remapper  // descriptor remapper (C1), identity by default

	mu        sync.Mutex
	conns     map[registry.RuleKey]*ruleConns
	acceptCtx context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	onAccelerate AccelerateFunc
}

// New builds an Engine over reg, dialing backends with sel (selector.New(nil)
// if sel is nil) and logging with logger (slog.Default() if nil).
func New(reg *registry.Registry, sel *selector.Selector, logger *slog.Logger) *Engine {
	if sel == nil {
		sel = selector.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reg:      reg,
		sel:      sel,
		logger:   logger.With("component", "engine"),
		conns:    make(map[registry.RuleKey]*ruleConns),
		remapper: remap.New(remap.DefaultConfig()),
	}
}

// SetRemapper installs the descriptor remapper used on every newly
// accepted ingress connection (see internal/selector for the egress
// side). A nil remapper restores the default identity/build-tag-gated
// Remapper from remap.New.
func (e *Engine) SetRemapper(r remap.Remapper) {
	e.mu.Lock()
	if r == nil {
		r = remap.New(remap.DefaultConfig())
	}
	e.remapper = r
	e.mu.Unlock()
}

// Run starts accept loops for every rule already present in the registry
// and blocks until ctx is cancelled, at which point every listener and
// live connection is torn down before Run returns (proxy_main, spec §6).
// onAccelerate may be nil; when set, it is invoked once per side of every
// TCP unicast flow after that side's socket (and any TLS handshake) is
// established, for downstream kernel acceleration (see internal/sockacc).
func (e *Engine) Run(ctx context.Context, onAccelerate AccelerateFunc) error {
	e.mu.Lock()
	e.acceptCtx, e.cancel = context.WithCancel(ctx)
	e.onAccelerate = onAccelerate
	e.mu.Unlock()

	for _, rule := range e.reg.Rules() {
		e.startAcceptLoop(rule)
	}

	<-e.acceptCtx.Done()
	e.closeAll()
	e.wg.Wait()
	return nil
}

// Stop cancels all accept loops and active pumps, then waits for them to
// exit. It is safe to call even while a concurrent Run is draining from
// its own ctx cancellation; closeAll is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.closeAll()
	e.wg.Wait()
}

// closeAll closes every rule's listener (unblocking acceptLoop's Accept)
// and every live CPE across every rule (unblocking runReader/runWriter,
// which are otherwise parked in a blocking Conn.Read or on the egress
// queue's notify channel). Without this, cancelling ctx would never let
// Run's or Stop's e.wg.Wait() return — accept loops and pumps would sit
// blocked forever. Closing an already-closed listener or CPE is a no-op
// (CPE.Close is closeOnce-guarded), so calling this more than once, or
// concurrently with DeleteRule closing an individual rule, is safe.
func (e *Engine) closeAll() {
	for _, rule := range e.reg.Rules() {
		rule.Listener.Close()
	}

	e.mu.Lock()
	rcs := make([]*ruleConns, 0, len(e.conns))
	for _, rc := range e.conns {
		rcs = append(rcs, rc)
	}
	e.mu.Unlock()

	for _, rc := range rcs {
		rc.mu.Lock()
		cpes := make([]*conn.CPE, 0, len(rc.cpes))
		for c := range rc.cpes {
			cpes = append(cpes, c)
		}
		rc.mu.Unlock()

		for _, c := range cpes {
			c.Close(context.Canceled)
		}
	}
}

func (e *Engine) ruleConnsFor(key registry.RuleKey) *ruleConns {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.conns[key]
	if !ok {
		rc = newRuleConns()
		e.conns[key] = rc
	}
	return rc
}

// SetMeshResolver installs the Resolver used to annotate newly added
// rules with their owning WireGuard interface/peer (internal/meshif). It
// must be called before AddRule for the annotation to take effect; a nil
// resolver (the default) disables the annotation entirely.
func (e *Engine) SetMeshResolver(r meshif.Resolver) {
	e.mu.Lock()
	e.mesh = r
	e.mu.Unlock()
}

// AddRule implements proxy_add_entry: it registers the rule/bucket and,
// if this created a brand new listening rule, starts its accept loop and
// resolves its mesh annotation.
func (e *Engine) AddRule(key registry.RuleKey, args registry.AddArgs) (*registry.Rule, *registry.EndpointSet, error) {
	existing, _ := e.reg.Get(key)
	rule, bucket, err := e.reg.Add(key, args)
	if err != nil {
		return nil, nil, err
	}
	if existing == nil {
		e.startAcceptLoop(rule)
		e.annotateMesh(rule)
	}
	return rule, bucket, nil
}

// annotateMesh resolves rule's virtual IP against the configured mesh
// resolver, if any, and records the result on the rule for DumpRules.
func (e *Engine) annotateMesh(rule *registry.Rule) {
	e.mu.Lock()
	mesh := e.mesh
	e.mu.Unlock()
	if mesh == nil {
		return
	}
	ip := net.ParseIP(rule.Key.XIP)
	if ip == nil {
		return
	}
	iface, peer, ok := mesh.Resolve(context.Background(), ip)
	if !ok {
		return
	}
	rule.SetMesh(iface, peer)
	e.logger.Debug("rule resolved to mesh interface", "rule", rule.Key.String(), "interface", iface)
}

func (e *Engine) startAcceptLoop(rule *registry.Rule) {
	e.mu.Lock()
	ctx := e.acceptCtx
	e.mu.Unlock()
	if ctx == nil {
		// Run() has not started yet; the rule will be picked up when it
		// does (used by tests that add rules before calling Run).
		return
	}
	e.wg.Add(1)
	go e.acceptLoop(ctx, rule)
}

// DeleteRule implements proxy_delete_entry: it removes the named host
// bucket from the rule and, if that unhooks the rule entirely, closes its
// listener and every live connection rooted at it, then drops the rule's
// connection index.
func (e *Engine) DeleteRule(key registry.RuleKey, hostURL string) error {
	listener, _, unhooked, err := e.reg.Delete(key, hostURL)
	if err != nil {
		return err
	}
	if !unhooked {
		return nil
	}

	rc := e.ruleConnsFor(key)
	if listener != nil {
		listener.Close()
	}
	rc.mu.Lock()
	cpes := make([]*conn.CPE, 0, len(rc.cpes))
	for c := range rc.cpes {
		cpes = append(cpes, c)
	}
	rc.mu.Unlock()
	for _, c := range cpes {
		c.Close(context.Canceled)
	}
	e.mu.Lock()
	delete(e.conns, key)
	e.mu.Unlock()
	return nil
}

// RuleStats implements proxy_get_entry_stats.
func (e *Engine) RuleStats(ruleID string, epID int) (pkts, bytes uint64, err error) {
	return e.reg.Stats(ruleID, epID)
}

// DumpRules implements proxy_dump_entry: one Record per live CPE pair
// currently rooted at a rule, which is why this walk lives in engine
// rather than registry (see internal/registry/record.go).
func (e *Engine) DumpRules() []registry.Record {
	e.mu.Lock()
	keys := make([]registry.RuleKey, 0, len(e.conns))
	rcs := make([]*ruleConns, 0, len(e.conns))
	for k, rc := range e.conns {
		keys = append(keys, k)
		rcs = append(rcs, rc)
	}
	e.mu.Unlock()

	var out []registry.Record
	for i, key := range keys {
		rule, _ := e.reg.Get(key)
		var meshIface, meshPeer string
		if rule != nil {
			meshIface, meshPeer = rule.Mesh()
		}

		rcs[i].mu.Lock()
		for c := range rcs[i].cpes {
			if c.Dir != conn.Ingress {
				continue
			}
			for _, peer := range c.Peers() {
				out = append(out, registry.Record{
					RuleKey:       key,
					HostURL:       bucketHost(c),
					IngressTup:    c.Conn.RemoteAddr().String(),
					EgressTup:     peer.Conn.RemoteAddr().String(),
					RxBytes:       c.RxBytes.Load(),
					RxPkts:        c.RxPkts.Load(),
					TxBytes:       c.TxBytes.Load(),
					TxPkts:        c.TxPkts.Load(),
					MeshInterface: meshIface,
					MeshPeer:      meshPeer,
				})
			}
		}
		rcs[i].mu.Unlock()
	}
	return out
}

func bucketHost(c *conn.CPE) string {
	if c.Bucket == nil {
		return ""
	}
	return c.Bucket.HostURL
}

// Listen is the default registry.ListenFunc: plain TCP via net.Listen.
// SCTP rules are expected to be wired to sctpconn.Listen by the caller
// that constructs the registry (see internal/daemon).
func Listen(proto registry.Proto, addr string) (net.Listener, error) {
	if proto == registry.ProtoSCTP {
		return nil, fmt.Errorf("engine: SCTP listen requires sctpconn.Listen, not engine.Listen")
	}
	return net.Listen("tcp", addr)
}

// acceptLoop implements the accept loop for one rule; it exits when the
// listener closes (deletion) or ctx is cancelled (shutdown).
func (e *Engine) acceptLoop(ctx context.Context, rule *registry.Rule) {
	defer e.wg.Done()
	rc := e.ruleConnsFor(rule.Key)

	for {
		c, err := rule.Listener.Accept()
		if err != nil {
			return
		}
		if rule.ScheduledFree() {
			c.Close()
			continue
		}
		c = remap.ApplyConn(e.remapper, c, e.logger)
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		cpe := conn.NewIngress(c, rule)
		rc.add(cpe)

		e.wg.Add(1)
		go e.handleIngress(ctx, rule, rc, cpe)
	}
}

// handleIngress performs TLS termination (if configured), host sniffing
// (if needed), and backend selection, then launches the read/write pumps
// for the ingress CPE and each of its selected peers.
//
// It consumes the single wg token its caller (acceptLoop) reserved for
// this connection: every early-return path below calls e.wg.Done()
// itself, and the success path hands that same token off to the inline
// runReader(cpe) call at the end, whose own deferred Done() closes it out.
func (e *Engine) handleIngress(ctx context.Context, rule *registry.Rule, rc *ruleConns, cpe *conn.CPE) {
	if rule.AcceptTLS != nil {
		tc, err := tlsio.AcceptHandshake(ctx, cpe.Conn, rule.AcceptTLS)
		if err != nil {
			e.logger.Debug("ingress TLS handshake failed", "rule", rule.Key.String(), "error", err)
			e.finishCPE(rc, cpe)
			e.wg.Done()
			return
		}
		cpe.SetTLS(tc)
	}

	bucket, leftover, err := e.resolveBucket(rule, cpe)
	if err != nil || bucket == nil {
		e.logger.Debug("no route for ingress connection", "rule", rule.Key.String(), "error", err)
		e.finishCPE(rc, cpe)
		e.wg.Done()
		return
	}

	egresses, err := e.sel.Select(ctx, rule, bucket, cpe)
	if err != nil {
		e.logger.Warn("backend selection failed", "rule", rule.Key.String(), "host", bucket.HostURL, "error", err)
		e.finishCPE(rc, cpe)
		e.wg.Done()
		return
	}

	cpe.OnClose(func(error) { e.teardownPeer(rc, cpe) })
	for _, eg := range egresses {
		rc.add(eg)
		eg.OnClose(func(error) { e.teardownPeer(rc, eg) })
	}

	e.maybeAccelerate(rule, cpe, egresses)

	if len(leftover) > 0 {
		e.deliver(cpe, leftover)
	}

	e.wg.Add(1 + 2*len(egresses))
	go e.runWriter(cpe)
	for _, eg := range egresses {
		go e.runWriter(eg)
		go e.runReader(eg)
	}
	// The ingress reader runs on the goroutine handleIngress was spawned
	// on; no extra wg.Add needed for it (accounted for by the caller's
	// e.wg.Add(1) for handleIngress itself).
	e.runReader(cpe)
}

// resolveBucket picks the host bucket for a freshly accepted connection.
// Rules flagged EagerSelect (SCTP, or AddArgs.EagerSelect), and rules
// whose only bucket is the catch-all, skip sniffing entirely.
func (e *Engine) resolveBucket(rule *registry.Rule, cpe *conn.CPE) (*registry.EndpointSet, []byte, error) {
	if rule.EagerSelect {
		return rule.Bucket(""), nil, nil
	}
	if rule.BucketCount() == 1 {
		if b := rule.Bucket(""); b != nil {
			return b, nil, nil
		}
	}

	buf := make([]byte, readBufSize)
	for {
		n, err := e.readOnce(cpe, buf)
		if n > 0 {
			cpe.AccountRead(n)
			res, host := cpe.Sniffer().Feed(buf[:n])
			if res == sniff.NeedMore {
				if err != nil {
					return nil, nil, err
				}
				continue
			}
			bucket := rule.Bucket(host)
			if bucket == nil {
				bucket = rule.Bucket("")
			}
			return bucket, cpe.Sniffer().Buffered(), nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// finishCPE tears down a CPE that never got as far as selecting a peer
// (handshake or routing failure).
func (e *Engine) finishCPE(rc *ruleConns, cpe *conn.CPE) {
	cpe.Close(nil)
	rc.remove(cpe)
}

// teardownPeer is the OnClose hook shared by ingress and egress CPEs: it
// removes the closed CPE from its rule's live set and, per spec §4.7,
// closes every remaining peer so neither side of a pair outlives the
// other.
func (e *Engine) teardownPeer(rc *ruleConns, cpe *conn.CPE) {
	for _, peer := range cpe.Peers() {
		peer.RemovePeer(cpe)
		peer.Close(errPeerClosed)
	}
	rc.remove(cpe)
}

var errPeerClosed = errors.New("engine: peer connection closed")
