//go:build !linux

package meshif

import (
	"context"
	"net"
)

// noop is the Resolver used on platforms without wgctrl device access.
type noop struct{}

// New returns the no-op Resolver.
func New(interfaces []string) (Resolver, error) {
	return noop{}, nil
}

func (noop) Resolve(context.Context, net.IP) (string, string, bool) { return "", "", false }
func (noop) Close() error                                           { return nil }
