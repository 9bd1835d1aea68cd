package remap

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
)

// ApplyConn runs r over c's underlying descriptor, returning the net.Conn
// the caller should use from this point on. This is the call site every
// freshly accepted or dialed socket passes through (engine.acceptLoop,
// selector.dialOne), so the descriptor remapper is actually exercised on
// every connection rather than sitting unwired: in the default (identity)
// build this is a cheap syscall.RawConn.Control passthrough that never
// changes the descriptor, and only the sockproxy_remap-tagged relocator
// ever relocates it.
//
// c must implement syscall.Conn (true of every net.Conn this tree hands
// here — *net.TCPConn from net.Listen/net.Dialer, and the
// net.FileConn-backed connections internal/sctpconn builds). Anything
// else (e.g. a test fake over net.Pipe) is returned unchanged. If r
// relocates the descriptor, c's original fd has already been dup2'd onto
// the new one and closed (see remap_linux.go): callers must discard c and
// use only the returned conn from here on.
func ApplyConn(r Remapper, c net.Conn, logger *slog.Logger) net.Conn {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return c
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return c
	}

	var origFD, newFD int
	var remapErr error
	if ctrlErr := raw.Control(func(fd uintptr) {
		origFD = int(fd)
		newFD, remapErr = r.Remap(origFD)
	}); ctrlErr != nil {
		return c
	}

	if logger == nil {
		logger = slog.Default()
	}
	if remapErr != nil {
		logger.Debug("descriptor remap failed, continuing with original descriptor", "error", remapErr)
		return c
	}
	if newFD == origFD {
		return c // identity build, or the relocator found no free slot
	}

	f := os.NewFile(uintptr(newFD), fmt.Sprintf("remapped:%s", c.RemoteAddr()))
	defer f.Close()
	newConn, err := net.FileConn(f)
	if err != nil {
		logger.Warn("descriptor remap succeeded but rewrap into net.Conn failed", "error", err)
		return c
	}
	logger.Debug("descriptor remapped", "remote", c.RemoteAddr().String())
	return newConn
}
