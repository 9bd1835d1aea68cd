package engine

import (
	"net"

	"github.com/loxip/sockproxyd/internal/conn"
	"github.com/loxip/sockproxyd/internal/registry"
)

// Direction tells an AccelerateFunc which side of a flow a connection
// represents, mirroring conn.Dir without importing internal/conn's wider
// CPE surface into the public engine API.
type Direction int

const (
	// DirIngress is the client-facing side of a flow.
	DirIngress Direction = iota
	// DirEgress is the backend-facing side of a flow.
	DirEgress
)

// FiveTuple identifies one side of a flow for a downstream kernel
// accelerator. Peer carries the already-established address of the
// flow's *other* side — both sides are known by the time either call
// happens, since selection has already paired them — so a caller can
// build a single acceleration rule (e.g. internal/sockacc's nftables
// tag) off of either call without tracking flow state of its own.
type FiveTuple struct {
	Rule   registry.RuleKey
	Local  net.Addr
	Remote net.Addr
	Peer   net.Addr
}

// AccelerateFunc is the optional post-accept/connect hook passed to Run
// (spec §6's proxy_main sockmap_cb): called once for the ingress
// connection and once for each egress connection of a TCP unicast flow,
// so a caller can program kernel-side acceleration (see internal/sockacc)
// for the 5-tuple. It is never called for broadcast (ModeAll) flows or
// SCTP, since neither has a single well-defined backend socket to hand
// off to a sockmap-style accelerator.
type AccelerateFunc func(tuple FiveTuple, c net.Conn, dir Direction)

// maybeAccelerate invokes the Engine's AccelerateFunc, if any, for a
// freshly paired TCP unicast flow: once for the ingress side, once per
// egress side. Broadcast (ModeAll) and SCTP flows are never offered to
// the accelerator, since neither has the single well-defined backend
// socket a sockmap-style hook expects (spec §6). Mode is read off the
// ingress's selected bucket, not the rule, since mode is a per-bucket
// property.
func (e *Engine) maybeAccelerate(rule *registry.Rule, ingress *conn.CPE, egresses []*conn.CPE) {
	if e.onAccelerate == nil {
		return
	}
	if rule.Key.L4Proto != registry.ProtoTCP || ingress.Bucket == nil || ingress.Bucket.Mode != registry.ModeDefault {
		return
	}

	for _, eg := range egresses {
		e.onAccelerate(FiveTuple{
			Rule:   rule.Key,
			Local:  ingress.Conn.LocalAddr(),
			Remote: ingress.Conn.RemoteAddr(),
			Peer:   eg.Conn.RemoteAddr(),
		}, ingress.Conn, DirIngress)

		e.onAccelerate(FiveTuple{
			Rule:   rule.Key,
			Local:  eg.Conn.LocalAddr(),
			Remote: eg.Conn.RemoteAddr(),
			Peer:   ingress.Conn.RemoteAddr(),
		}, eg.Conn, DirEgress)
	}
}
