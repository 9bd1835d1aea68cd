package registry

// Record is one row of a rule dump: one ingress connection paired with
// one of its backend connections, plus the summed counters visible at
// dump time. internal/engine is what actually walks live connections to
// produce these (the registry itself tracks rules and buckets, not
// individual CPEs: internal/conn imports registry, so registry holding
// CPEs would make an import cycle between registry and conn).
type Record struct {
	RuleKey    RuleKey
	HostURL    string
	IngressTup string
	EgressTup  string
	RxBytes    uint64
	RxPkts     uint64
	TxBytes    uint64
	TxPkts     uint64

	// MeshInterface/MeshPeer mirror the owning rule's mesh annotation
	// (internal/meshif), if any; both are empty when the rule's virtual
	// IP does not live on a configured WireGuard interface.
	MeshInterface string
	MeshPeer      string
}
