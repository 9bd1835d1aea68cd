// Package registry implements the rule registry: the mapping from a
// virtual listen endpoint to TLS configuration, host-routed backend
// buckets, and the live connections rooted at that rule.
package registry

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Proto is the L4 protocol a rule listens on.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoSCTP
)

func (p Proto) String() string {
	if p == ProtoSCTP {
		return "sctp"
	}
	return "tcp"
}

// Mode selects how an ingress connection's traffic is replicated across
// its selected backends.
type Mode int

const (
	// ModeDefault picks exactly one backend per connection (round-robin
	// across the endpoint set).
	ModeDefault Mode = iota
	// ModeAll fans traffic out to every reachable backend.
	ModeAll
)

// SelectPolicy governs per-chunk distribution across an ingress's already
// selected peers.
type SelectPolicy int

const (
	// SelectN2 is the default unicast policy: round-robin across peers.
	SelectN2 SelectPolicy = iota
	// SelectBroadcast writes every chunk to every peer.
	SelectBroadcast
	// SelectDrop is defined for forward compatibility but no current
	// policy produces it (spec §4.6).
	SelectDrop
)

// MaxEndpoints bounds the backend vector size of any one endpoint set.
const MaxEndpoints = 16

// RuleKey identifies a virtual listen endpoint. It is unique within a
// Registry (spec invariant P4).
type RuleKey struct {
	XIP     string // normalized net.IP.String() form
	XPort   uint16
	L4Proto Proto
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s:%d/%s", k.XIP, k.XPort, k.L4Proto)
}

// Backend is one concrete backend socket address.
type Backend struct {
	IP      net.IP
	Port    uint16
	L4Proto Proto
}

func (b Backend) String() string {
	return net.JoinHostPort(b.IP.String(), fmt.Sprintf("%d", b.Port))
}

// EndpointStats carries the per-backend byte/packet counters, aggregated
// at the rule level by Stats (fixing the "overwrites instead of sums" bug
// noted in spec §9).
type EndpointStats struct {
	RxBytes atomic.Uint64
	RxPkts  atomic.Uint64
	TxBytes atomic.Uint64
	TxPkts  atomic.Uint64
}

// EndpointSet is a per-host bucket of backends plus the round-robin
// cursor and stats array the selector reads and updates. Mode lives here
// rather than on Rule because config carries it per host bucket (a rule
// with several host buckets may mix ModeDefault and ModeAll buckets), and
// the selector dials strictly per-bucket.
type EndpointSet struct {
	RuleID   string
	HostURL  string // "" is the catch-all
	Mode     Mode
	Policy   SelectPolicy
	Backends []Backend
	cursor   atomic.Uint32
	Stats    [MaxEndpoints]EndpointStats
}

// Next returns the next round-robin backend index for ModeDefault
// selection. The cursor lives on the bucket, not the rule, so adding a
// second host bucket to an existing rule never perturbs another
// bucket's rotation (see SPEC_FULL.md "Supplemented features").
func (e *EndpointSet) Next() int {
	n := uint32(len(e.Backends))
	if n == 0 {
		return -1
	}
	v := e.cursor.Add(1) - 1
	return int(v % n)
}

// Rule is the registry's value type: everything associated with one
// virtual listen endpoint.
type Rule struct {
	Key          RuleKey
	EagerSelect  bool // selector runs immediately post-accept (SCTP, or AddArgs.EagerSelect)
	Listener     net.Listener
	AcceptTLS    *tls.Config
	OriginateTLS *tls.Config

	mu      sync.RWMutex
	Buckets map[string]*EndpointSet // host -> bucket, "" = catch-all

	// MeshInterface/MeshPeer are operational annotations set by
	// internal/meshif when the rule's virtual IP resolves to a local
	// WireGuard interface address; empty otherwise.
	MeshInterface string
	MeshPeer      string

	// scheduledFree is set by Delete once a rule has been unhooked from
	// the registry; the rule's live connections are tracked (and closed on
	// delete) by internal/engine, not here, because internal/conn imports
	// registry and holding CPEs here would make a registry<->conn cycle.
	scheduledFree atomic.Bool
}

// Bucket returns the endpoint set for host, or nil if no such bucket
// exists.
func (r *Rule) Bucket(host string) *EndpointSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Buckets[host]
}

// BucketCount reports how many host buckets this rule currently has.
func (r *Rule) BucketCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Buckets)
}

// SetMesh annotates the rule with the local WireGuard interface and peer
// that own its virtual IP, as resolved by internal/meshif at Add time.
// Both fields stay empty when the virtual IP does not live on a mesh
// interface, or mesh resolution is disabled.
func (r *Rule) SetMesh(iface, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.MeshInterface = iface
	r.MeshPeer = peer
}

// Mesh returns the rule's mesh annotation set by SetMesh.
func (r *Rule) Mesh() (iface, peer string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.MeshInterface, r.MeshPeer
}

// ScheduledFree reports whether the rule has been unhooked from the
// registry by Delete; the engine's accept loop closes any connection it
// accepts after that point.
func (r *Rule) ScheduledFree() bool {
	return r.scheduledFree.Load()
}

// ErrHostExists is returned by Add when a rule already has a bucket for
// the requested host. The original C implementation's duplicate check
// was dead code (spec §9); this registry enforces it for real.
var ErrHostExists = errors.New("registry: host bucket already exists")

// ErrNotFound is returned by Delete/Stats when the rule or bucket named
// does not exist.
var ErrNotFound = errors.New("registry: not found")

// ErrInvalidConfig is returned by Add for configuration the registry
// refuses outright (e.g. TLS origination combined with broadcast mode).
var ErrInvalidConfig = errors.New("registry: invalid configuration")
