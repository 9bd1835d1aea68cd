// Package meshif resolves a rule's virtual IP to a local WireGuard
// interface and peer, so the engine can annotate a registry.Rule with
// the mesh context an operator needs when reading a rule dump (spec §6
// dump fields MeshInterface/MeshPeer).
package meshif

import (
	"context"
	"net"
)

// Resolver maps a virtual IP to the local WireGuard interface and peer
// public key that route to it, if any. The portable no-op implementation
// (meshif_other.go) is used off Linux; when mesh resolution is disabled in
// config, internal/daemon installs no Resolver at all.
type Resolver interface {
	// Resolve returns the interface name and peer public key (base64)
	// whose allowed-IPs cover ip, or ok=false if no configured interface
	// routes to it.
	Resolve(ctx context.Context, ip net.IP) (iface, peer string, ok bool)
	// Close releases the Resolver's wgctrl handle.
	Close() error
}
