//go:build !(linux && sockproxy_remap)

// Package remap implements the descriptor remapper: relocating a freshly
// accepted or connected socket into a bounded descriptor window so that a
// slot-indexed readiness runtime can address it directly.
//
// Go's own netpoller keys its internal pollDesc state by the *os.File /
// runtime-internal bookkeeping, not by a fixed descriptor range, so this
// component is unnecessary for ordinary splicing and defaults to the
// identity operation. Nothing else in this tree needs a bounded
// descriptor range either (internal/sockacc tags flows by address, not by
// fd), which is why the real relocator lives behind the sockproxy_remap
// build tag in remap_linux.go.
package remap

// identity is the default, build-tag-free Remapper: it never relocates.
type identity struct{}

// New returns the identity Remapper. The linux-tagged build replaces this
// New in remap_linux.go behind the sockproxy_remap build tag; without
// that tag (the common case), this file's New is the only one compiled.
func New(cfg Config) Remapper {
	return identity{}
}

func (identity) Remap(fd int) (int, error) {
	return fd, nil
}
