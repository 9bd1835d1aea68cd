//go:build !linux

package sctpconn

import (
	"context"
	"net"
)

// Listen always fails off Linux.
func Listen(addr string) (net.Listener, error) {
	return nil, ErrUnsupported
}

// Dial always fails off Linux.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, ErrUnsupported
}
