// Package conn implements the connection-pair entry (CPE): the
// per-socket state shared by both the client-facing (ingress) and
// backend-facing (egress) sides of a proxied flow, cross-linked so that
// bytes read on one side can be dispatched to its peer(s).
package conn

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/loxip/sockproxyd/internal/egress"
	"github.com/loxip/sockproxyd/internal/registry"
	"github.com/loxip/sockproxyd/internal/sniff"
)

// Kind distinguishes a listener's pseudo-CPE from an active flow CPE.
type Kind int

const (
	KindListener Kind = iota
	KindActive
)

// Dir is which side of a flow a CPE represents.
type Dir int

const (
	// Ingress is the client-facing side (spec: odir == false).
	Ingress Dir = iota
	// Egress is the backend-facing side (spec: odir == true).
	Egress
)

// CPE is the per-socket state described in spec §3. Unlike the original's
// manual use-count, a CPE's memory is reclaimed by the Go garbage
// collector once the last goroutine and peer reference drop it; the
// closeOnce field only guards idempotent teardown side effects (closing
// the fd, draining the queue), not the memory itself.
type CPE struct {
	Conn net.Conn
	Kind Kind
	Dir  Dir

	Rule   *registry.Rule
	Bucket *registry.EndpointSet // nil until a backend is selected (ingress) or always set (egress)
	EPIdx  int                   // index into Bucket.Stats for this CPE's backend, -1 if ingress

	Egress *egress.Queue

	mu       sync.Mutex
	peers    []*CPE
	lsel     uint32 // per-ingress round-robin cursor across peers (spec §4.6 SelectN2)
	sniffer  *sniff.Sniffer
	resolved bool // true once peers has been populated at least once

	RxBytes atomic.Uint64
	RxPkts  atomic.Uint64
	TxBytes atomic.Uint64
	TxPkts  atomic.Uint64

	sslFatal   atomic.Bool
	tlsSession *tls.Conn // nil when this CPE's socket is plaintext

	closeOnce sync.Once
	closed    atomic.Bool
	onClose   func(reason error) // engine-supplied teardown hook
}

// NewIngress constructs an ingress CPE freshly accepted on rule's
// listener. The sniffer is armed immediately; the engine stops feeding it
// once peers are set.
func NewIngress(c net.Conn, rule *registry.Rule) *CPE {
	return &CPE{
		Conn:    c,
		Kind:    KindActive,
		Dir:     Ingress,
		Rule:    rule,
		EPIdx:   -1,
		Egress:  egress.New(0),
		sniffer: sniff.New(),
	}
}

// NewEgress constructs an egress CPE for a just-established backend
// connection, linked to its ingress.
func NewEgress(c net.Conn, rule *registry.Rule, bucket *registry.EndpointSet, epIdx int) *CPE {
	return &CPE{
		Conn:   c,
		Kind:   KindActive,
		Dir:    Egress,
		Rule:   rule,
		Bucket: bucket,
		EPIdx:  epIdx,
		Egress: egress.New(0),
	}
}

// SetTLS attaches the TLS session wrapping this CPE's connection. It must
// be called before any data I/O if the rule terminates or originates
// TLS on this side.
func (c *CPE) SetTLS(tc *tls.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlsSession = tc
	c.Conn = tc
}

// TLS returns the attached TLS session, or nil if this CPE is plaintext.
func (c *CPE) TLS() *tls.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsSession
}

// SSLFatal reports the sticky TLS-fatal flag (spec invariant 6): once
// set, no further TLS send/recv/shutdown may be attempted on this CPE.
func (c *CPE) SSLFatal() bool { return c.sslFatal.Load() }

// MarkSSLFatal sets the sticky flag.
func (c *CPE) MarkSSLFatal() { c.sslFatal.Store(true) }

// Sniffer returns this CPE's HTTP host sniffer. Only meaningful for
// ingress CPEs with no peers yet.
func (c *CPE) Sniffer() *sniff.Sniffer { return c.sniffer }

// HasPeers reports whether a backend has already been selected for this
// (ingress) CPE.
func (c *CPE) HasPeers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// SetPeers links newly selected egress CPEs to this ingress CPE,
// maintaining peer symmetry (spec invariant P1): each peer's own Peers
// list is set to exactly {c}.
func (c *CPE) SetPeers(peers []*CPE) {
	c.mu.Lock()
	c.peers = peers
	c.resolved = true
	c.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		p.peers = []*CPE{c}
		p.resolved = true
		p.mu.Unlock()
	}
}

// Peers returns a snapshot of this CPE's peer list.
func (c *CPE) Peers() []*CPE {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CPE(nil), c.peers...)
}

// NextPeer returns the next peer to receive a chunk under the round-robin
// SelectN2 policy, or nil if this CPE currently has no peers.
func (c *CPE) NextPeer() *CPE {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.peers) == 0 {
		return nil
	}
	i := c.lsel % uint32(len(c.peers))
	c.lsel++
	return c.peers[i]
}

// RemovePeer removes p from c's peer list (used during teardown to
// preserve peer symmetry once one side of a pair is gone). It reports
// whether c now has zero peers remaining.
func (c *CPE) RemovePeer(p *CPE) (empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, peer := range c.peers {
		if peer == p {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			break
		}
	}
	return len(c.peers) == 0
}

// OnClose registers the teardown hook the engine uses to unlink this CPE
// from its rule and propagate to peers. It must be set before the CPE's
// reader/writer goroutines start.
func (c *CPE) OnClose(fn func(reason error)) {
	c.onClose = fn
}

// Close idempotently tears this CPE down: releases TLS (when permitted
// by the sticky ssl_err flag), drops the egress queue, and closes the
// underlying socket — the Go equivalent of shutdown(RDWR), since net.Conn
// exposes no portable half-close across TCP and SCTP.
func (c *CPE) Close(reason error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if tc := c.TLS(); tc != nil && !c.SSLFatal() {
			tc.CloseWrite()
		}
		c.Egress.Close()
		c.Conn.Close()
		if c.onClose != nil {
			c.onClose(reason)
		}
	})
}

// IsClosed reports whether Close has already run.
func (c *CPE) IsClosed() bool { return c.closed.Load() }

// AccountRead adds n bytes / 1 packet to this CPE's own counters and,
// when this CPE represents a selected backend, to its endpoint-set slot
// for rule-level aggregation (spec: "pointer to its endpoint-set slot").
func (c *CPE) AccountRead(n int) {
	c.RxBytes.Add(uint64(n))
	c.RxPkts.Add(1)
	if c.Bucket != nil && c.EPIdx >= 0 {
		c.Bucket.Stats[c.EPIdx].RxBytes.Add(uint64(n))
		c.Bucket.Stats[c.EPIdx].RxPkts.Add(1)
	}
}

// AccountWrite is AccountRead's write-side counterpart.
func (c *CPE) AccountWrite(n int) {
	c.TxBytes.Add(uint64(n))
	c.TxPkts.Add(1)
	if c.Bucket != nil && c.EPIdx >= 0 {
		c.Bucket.Stats[c.EPIdx].TxBytes.Add(uint64(n))
		c.Bucket.Stats[c.EPIdx].TxPkts.Add(1)
	}
}
