//go:build !linux

package sockacc

import (
	"context"
	"net"

	"github.com/loxip/sockproxyd/internal/registry"
)

// noop is the Tagger used on platforms without the nftables backend:
// every call succeeds without touching the kernel.
type noop struct{}

// New returns the no-op Tagger.
func New(tableName string) Tagger {
	return noop{}
}

func (noop) TagFlow(context.Context, registry.RuleKey, net.Addr, net.Addr) error   { return nil }
func (noop) UntagFlow(context.Context, registry.RuleKey, net.Addr, net.Addr) error { return nil }
func (noop) Close() error                                                         { return nil }
