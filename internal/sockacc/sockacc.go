// Package sockacc tags proxied flows for kernel-side acceleration: once a
// backend is selected for a connection, this package programs an nftables
// rule marking the 5-tuple so a companion dataplane (e.g. an eBPF
// fast-path) can take over the flow instead of leaving it pinned to this
// process's splice loop.
package sockacc

import (
	"context"
	"net"

	"github.com/loxip/sockproxyd/internal/registry"
)

// Tagger marks or unmarks accelerated flows. The portable no-op
// implementation (sockacc_other.go) is used off Linux, where the nftables
// backend (sockacc_linux.go) is not built; when acceleration is disabled
// in config, internal/daemon installs no Tagger at all.
type Tagger interface {
	// TagFlow marks the ingress<->egress 5-tuple pair as eligible for
	// kernel acceleration.
	TagFlow(ctx context.Context, rule registry.RuleKey, client, backend net.Addr) error
	// UntagFlow removes a previously applied mark, e.g. once the flow's
	// CPEs tear down.
	UntagFlow(ctx context.Context, rule registry.RuleKey, client, backend net.Addr) error
	// Close releases any resources (nftables connections, tables) the
	// tagger holds open.
	Close() error
}
