//go:build linux

package meshif

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// wgResolver resolves virtual IPs against the AllowedIPs of every peer on
// a configured set of local WireGuard interfaces.
type wgResolver struct {
	client     *wgctrl.Client
	interfaces []string
}

// linkUp reports whether name exists and is administratively up,
// checked via netlink before every wgctrl query so a stale or
// never-created interface in config.Mesh.Interfaces is skipped instead
// of surfacing a wgctrl error on every Resolve call.
func linkUp(name string) bool {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false
	}
	return link.Attrs().Flags&net.FlagUp != 0
}

// New returns the Linux wgctrl-backed Resolver, watching the named local
// WireGuard interfaces.
func New(interfaces []string) (Resolver, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("meshif: open wgctrl: %w", err)
	}
	return &wgResolver{client: client, interfaces: interfaces}, nil
}

// Resolve reports the first interface/peer pair whose AllowedIPs contain
// ip.
func (r *wgResolver) Resolve(_ context.Context, ip net.IP) (iface, peer string, ok bool) {
	for _, name := range r.interfaces {
		if !linkUp(name) {
			continue
		}
		dev, err := r.client.Device(name)
		if err != nil {
			continue
		}
		for _, p := range dev.Peers {
			for _, allowed := range p.AllowedIPs {
				if allowed.Contains(ip) {
					return name, p.PublicKey.String(), true
				}
			}
		}
	}
	return "", "", false
}

// Close releases the wgctrl handle.
func (r *wgResolver) Close() error {
	return r.client.Close()
}
