//go:build linux && sockproxy_remap

package remap

import (
	"fmt"
	"math/rand"

	"golang.org/x/sys/unix"
)

// relocator is the real bounded-probe descriptor relocator described in
// spec §4.1. It is only compiled when the sockproxy_remap build tag is
// set, since it requires direct fd manipulation that plain splicing never
// needs.
type relocator struct {
	cfg Config
}

// New returns a Remapper that relocates fds into cfg's window using a
// bounded linear probe, consulting the OS (via F_GETFD) rather than any
// local bookkeeping so it tolerates descriptors opened by other
// subsystems in the same process.
func New(cfg Config) Remapper {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &relocator{cfg: cfg}
}

func (r *relocator) Remap(fd int) (int, error) {
	start := r.cfg.Start + rand.Intn(r.cfg.Window)
	for attempt := 0; attempt < r.cfg.Retries; attempt++ {
		candidate := r.cfg.Start + (start-r.cfg.Start+attempt)%r.cfg.Window
		if candidate == fd {
			continue
		}
		if isOpen(candidate) {
			continue
		}
		if err := unix.Dup2(fd, candidate); err != nil {
			continue
		}
		unix.Close(fd)
		return candidate, nil
	}
	return fd, fmt.Errorf("remap: exhausted %d probes in window [%d,%d)", r.cfg.Retries, r.cfg.Start, r.cfg.Start+r.cfg.Window)
}

// isOpen probes the OS directly (not our own bookkeeping) for whether fd
// is currently an open descriptor in this process.
func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
