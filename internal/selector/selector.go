// Package selector implements backend endpoint selection and dialing
// (spec component C6): turning a newly accepted or sniffed ingress CPE
// into one or more live egress CPEs bound to the rule's chosen backends.
package selector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loxip/sockproxyd/internal/conn"
	"github.com/loxip/sockproxyd/internal/registry"
	"github.com/loxip/sockproxyd/internal/remap"
	"github.com/loxip/sockproxyd/internal/tlsio"
)

// DialTimeout bounds a single backend dial attempt (spec §4.6).
const DialTimeout = 500 * time.Millisecond

// ErrNoEndpoint is returned when a bucket has no backends configured, or
// when every dial attempt under ModeAll failed.
var ErrNoEndpoint = errors.New("selector: no reachable endpoint")

// Dialer opens the transport connection to a backend. Production code
// passes a net.Dialer-backed func for TCP or sctpconn.Dial for SCTP;
// tests substitute a fake to avoid touching real sockets.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Selector resolves an ingress CPE's backend(s) and dials them.
type Selector struct {
	dial        Dialer
	remapper    remap.Remapper
	logger      *slog.Logger
	dialTimeout time.Duration
}

// New builds a Selector. If dial is nil, net.Dialer.DialContext is used.
func New(dial Dialer) *Selector {
	if dial == nil {
		d := &net.Dialer{Timeout: DialTimeout}
		dial = d.DialContext
	}
	return &Selector{
		dial:        dial,
		remapper:    remap.New(remap.DefaultConfig()),
		logger:      slog.Default().With("component", "selector"),
		dialTimeout: DialTimeout,
	}
}

// SetRemapper installs the descriptor remapper (C1) applied to every
// freshly dialed backend connection. A nil remapper restores the default
// identity/build-tag-gated Remapper from remap.New.
func (s *Selector) SetRemapper(r remap.Remapper) {
	if r == nil {
		r = remap.New(remap.DefaultConfig())
	}
	s.remapper = r
}

// SetDialTimeout overrides the per-backend dial deadline (spec §4.6's
// 500ms figure is only the default; internal/config's DialTimeoutMS lets
// an operator tune it). d <= 0 restores DialTimeout.
func (s *Selector) SetDialTimeout(d time.Duration) {
	if d <= 0 {
		d = DialTimeout
	}
	s.dialTimeout = d
}

// Select implements proxy_select_endpoint: it picks backend(s) from
// bucket per bucket.Mode, dials them, optionally originates TLS on each,
// and returns the resulting egress CPEs linked as ingress's peers. Mode
// is a bucket property, not a rule property, since one rule's host
// buckets may mix ModeDefault and ModeAll independently.
//
// ModeDefault dials exactly one backend (round-robin via bucket.Next()).
// ModeAll dials every backend concurrently and keeps whichever succeed;
// a partial success is not an error, matching the original's broadcast
// semantics — only a total failure is (spec invariant: broadcast mode
// never pairs with TLS origination, enforced at registry.Add time).
func (s *Selector) Select(ctx context.Context, rule *registry.Rule, bucket *registry.EndpointSet, ingress *conn.CPE) ([]*conn.CPE, error) {
	if bucket == nil || len(bucket.Backends) == 0 {
		return nil, ErrNoEndpoint
	}

	var egresses []*conn.CPE
	if bucket.Mode == registry.ModeAll {
		var err error
		egresses, err = s.dialAll(ctx, rule, bucket)
		if err != nil {
			return nil, err
		}
	} else {
		idx := bucket.Next()
		cpe, err := s.dialOne(ctx, rule, bucket, idx)
		if err != nil {
			return nil, err
		}
		egresses = []*conn.CPE{cpe}
	}

	ingress.Bucket = bucket
	ingress.SetPeers(egresses)
	return egresses, nil
}

func (s *Selector) dialOne(ctx context.Context, rule *registry.Rule, bucket *registry.EndpointSet, idx int) (*conn.CPE, error) {
	if idx < 0 || idx >= len(bucket.Backends) {
		return nil, ErrNoEndpoint
	}
	backend := bucket.Backends[idx]

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	c, err := s.dial(dctx, backend.L4Proto.String(), backend.String())
	if err != nil {
		return nil, fmt.Errorf("selector: dial %s: %w", backend.String(), err)
	}
	c = remap.ApplyConn(s.remapper, c, s.logger)
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	cpe := conn.NewEgress(c, rule, bucket, idx)

	if rule.OriginateTLS != nil {
		tlsConn, err := originate(ctx, c, rule.OriginateTLS)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("selector: TLS originate to %s: %w", backend.String(), err)
		}
		cpe.SetTLS(tlsConn)
	}

	return cpe, nil
}

// dialAll fans out one dial per backend concurrently via errgroup,
// keeping every successful connection. It fails only when none succeed.
func (s *Selector) dialAll(ctx context.Context, rule *registry.Rule, bucket *registry.EndpointSet) ([]*conn.CPE, error) {
	results := make([]*conn.CPE, len(bucket.Backends))

	g, gctx := errgroup.WithContext(ctx)
	for i := range bucket.Backends {
		i := i
		g.Go(func() error {
			cpe, err := s.dialOne(gctx, rule, bucket, i)
			if err != nil {
				return nil // best-effort: a single backend's failure does not abort the others
			}
			results[i] = cpe
			return nil
		})
	}
	// errgroup's error is always nil here by construction; only used to
	// join the goroutines.
	_ = g.Wait()

	live := make([]*conn.CPE, 0, len(results))
	for _, c := range results {
		if c != nil {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoEndpoint
	}
	return live, nil
}

func originate(ctx context.Context, c net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	return tlsio.ConnectHandshake(ctx, c, cfg)
}
