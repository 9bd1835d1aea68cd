//go:build linux

package sockacc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/loxip/sockproxyd/internal/registry"
)

// chainName is the nftables prerouting chain nftTagger maintains one rule
// per accelerated flow in; a companion dataplane (e.g. an eBPF fast-path)
// watches this chain to find flows it may take over from the userspace
// splice loop.
const chainName = "accelerated"

// nftTagger implements Tagger by adding/removing one matching rule per
// flow in a dedicated nftables chain, built with the nftables
// Conn/Table/Chain/Rule API.
type nftTagger struct {
	logger    *slog.Logger
	tableName string

	mu     sync.Mutex
	table  *nftables.Table
	chain  *nftables.Chain
	handle map[string]uint64 // flow key -> rule handle, for deletion
}

// New returns the Linux nftables-backed Tagger.
func New(tableName string) Tagger {
	return &nftTagger{
		tableName: tableName,
		logger:    slog.Default().With("component", "sockacc"),
		handle:    make(map[string]uint64),
	}
}

func (t *nftTagger) ensureChain(conn *nftables.Conn) (*nftables.Table, *nftables.Chain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chain != nil {
		return t.table, t.chain
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   t.tableName,
	})
	chain := conn.AddChain(&nftables.Chain{
		Name:     chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityMangle,
	})

	t.table = table
	t.chain = chain
	return table, chain
}

// TagFlow appends a counter rule matching the client's IP as source and
// the backend's IP and port as destination, so the companion dataplane
// can recognize the flow as eligible for acceleration.
func (t *nftTagger) TagFlow(_ context.Context, rule registry.RuleKey, client, backend net.Addr) error {
	cip, _, err := splitAddr(client)
	if err != nil {
		return err
	}
	bip, bport, err := splitAddr(backend)
	if err != nil {
		return err
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("sockacc: open nftables: %w", err)
	}
	table, chain := t.ensureChain(conn)

	nr := conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: cip.To4()},
			&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: bip.To4()},
			&expr.Payload{DestRegister: 3, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 3, Data: portBytes(bport)},
			&expr.Counter{},
		},
	})

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("sockacc: flush tag rule: %w", err)
	}

	t.mu.Lock()
	t.handle[flowKey(rule, client, backend)] = nr.Handle
	t.mu.Unlock()

	t.logger.Debug("flow tagged for acceleration", "rule", rule.String(), "client", client.String(), "backend", backend.String())
	return nil
}

// UntagFlow removes a previously tagged flow's rule, if one exists.
func (t *nftTagger) UntagFlow(_ context.Context, rule registry.RuleKey, client, backend net.Addr) error {
	key := flowKey(rule, client, backend)

	t.mu.Lock()
	h, ok := t.handle[key]
	table, chain := t.table, t.chain
	if ok {
		delete(t.handle, key)
	}
	t.mu.Unlock()
	if !ok || table == nil {
		return nil
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("sockacc: open nftables: %w", err)
	}
	conn.DelRule(&nftables.Rule{Table: table, Chain: chain, Handle: h})
	return conn.Flush()
}

// Close deletes the tagger's nftables table, removing every flow mark it
// ever applied.
func (t *nftTagger) Close() error {
	t.mu.Lock()
	table := t.table
	t.mu.Unlock()
	if table == nil {
		return nil
	}
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("sockacc: open nftables: %w", err)
	}
	conn.DelTable(table)
	return conn.Flush()
}

func flowKey(rule registry.RuleKey, client, backend net.Addr) string {
	return rule.String() + "|" + client.String() + "|" + backend.String()
}

func splitAddr(addr net.Addr) (net.IP, int, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, 0, fmt.Errorf("sockacc: split %s: %w", addr.String(), err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("sockacc: invalid IP %q", host)
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return nil, 0, fmt.Errorf("sockacc: invalid port %q", port)
	}
	return ip, p, nil
}

func portBytes(p int) []byte {
	return []byte{byte(p >> 8), byte(p)}
}
