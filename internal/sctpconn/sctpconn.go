// Package sctpconn provides net.Listener/net.Conn-shaped wrappers over
// SCTP sockets, so rules with L4Proto == registry.ProtoSCTP can use the
// same accept/dial/splice code path as TCP rules.
package sctpconn

import "errors"

// ErrUnsupported is returned by Listen and Dial on platforms without a
// raw-socket SCTP implementation (sctpconn_linux.go backs SCTP on
// Linux via golang.org/x/sys/unix).
var ErrUnsupported = errors.New("sctpconn: SCTP is only supported on linux")
