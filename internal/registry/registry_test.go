package registry

import (
	"crypto/tls"
	"errors"
	"net"
	"testing"
)

// fakeListener satisfies net.Listener without binding a real socket, so
// Registry tests never touch the network.
type fakeListener struct {
	closed bool
}

func (f *fakeListener) Accept() (net.Conn, error) { select {} }
func (f *fakeListener) Close() error              { f.closed = true; return nil }
func (f *fakeListener) Addr() net.Addr             { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

func fakeListen(Proto, string) (net.Listener, error) {
	return &fakeListener{}, nil
}

func testKey() RuleKey {
	return RuleKey{XIP: "127.0.0.1", XPort: 8080, L4Proto: ProtoTCP}
}

func oneBackend() []Backend {
	return []Backend{{IP: net.ParseIP("10.0.0.1"), Port: 80, L4Proto: ProtoTCP}}
}

func TestRegistry_Add_NewRule(t *testing.T) {
	reg := New(fakeListen, nil)
	key := testKey()

	rule, bucket, err := reg.Add(key, AddArgs{HostURL: "a.example", Backends: oneBackend()})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rule.Key != key {
		t.Fatalf("rule.Key = %v, want %v", rule.Key, key)
	}
	if bucket.HostURL != "a.example" {
		t.Fatalf("bucket.HostURL = %q, want %q", bucket.HostURL, "a.example")
	}
	if rule.BucketCount() != 1 {
		t.Fatalf("BucketCount() = %d, want 1", rule.BucketCount())
	}
}

func TestRegistry_Add_SecondHostOnExistingRule(t *testing.T) {
	reg := New(fakeListen, nil)
	key := testKey()

	if _, _, err := reg.Add(key, AddArgs{HostURL: "a.example", Backends: oneBackend()}); err != nil {
		t.Fatalf("Add first host: %v", err)
	}
	rule, _, err := reg.Add(key, AddArgs{HostURL: "b.example", Backends: oneBackend()})
	if err != nil {
		t.Fatalf("Add second host: %v", err)
	}
	if rule.BucketCount() != 2 {
		t.Fatalf("BucketCount() = %d, want 2", rule.BucketCount())
	}
}

func TestRegistry_Add_DuplicateHostRejected(t *testing.T) {
	reg := New(fakeListen, nil)
	key := testKey()

	if _, _, err := reg.Add(key, AddArgs{HostURL: "a.example", Backends: oneBackend()}); err != nil {
		t.Fatalf("Add first host: %v", err)
	}
	_, _, err := reg.Add(key, AddArgs{HostURL: "a.example", Backends: oneBackend()})
	if !errors.Is(err, ErrHostExists) {
		t.Fatalf("Add duplicate host error = %v, want ErrHostExists", err)
	}
}

func TestRegistry_Add_EPSSLWithBroadcastRejected(t *testing.T) {
	reg := New(fakeListen, nil)
	key := testKey()

	args := AddArgs{
		HostURL:      "a.example",
		Backends:     oneBackend(),
		Mode:         ModeAll,
		HaveEPSSL:    true,
		OriginateTLS: func() (*tls.Config, error) { return &tls.Config{}, nil },
	}
	_, _, err := reg.Add(key, args)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Add EPSSL+all error = %v, want ErrInvalidConfig", err)
	}
}

func TestRegistry_Add_NoBackendsRejected(t *testing.T) {
	reg := New(fakeListen, nil)
	_, _, err := reg.Add(testKey(), AddArgs{HostURL: "a.example"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Add with no backends error = %v, want ErrInvalidConfig", err)
	}
}

func TestRegistry_Add_TooManyBackendsRejected(t *testing.T) {
	reg := New(fakeListen, nil)
	backends := make([]Backend, MaxEndpoints+1)
	for i := range backends {
		backends[i] = Backend{IP: net.ParseIP("10.0.0.1"), Port: 80, L4Proto: ProtoTCP}
	}
	_, _, err := reg.Add(testKey(), AddArgs{HostURL: "a.example", Backends: backends})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Add with too many backends error = %v, want ErrInvalidConfig", err)
	}
}

func TestRegistry_Delete_PartialThenFull(t *testing.T) {
	reg := New(fakeListen, nil)
	key := testKey()
	reg.Add(key, AddArgs{HostURL: "a.example", Backends: oneBackend()})
	reg.Add(key, AddArgs{HostURL: "b.example", Backends: oneBackend()})

	ln, rule, unhooked, err := reg.Delete(key, "a.example")
	if err != nil {
		t.Fatalf("Delete first host: %v", err)
	}
	if unhooked {
		t.Fatalf("Delete should not unhook rule while a bucket remains")
	}
	if ln != nil {
		t.Fatalf("Delete should not return a listener while rule is still live")
	}
	if rule.ScheduledFree() {
		t.Fatalf("rule should not be scheduled-free while a bucket remains")
	}

	ln, rule, unhooked, err = reg.Delete(key, "b.example")
	if err != nil {
		t.Fatalf("Delete last host: %v", err)
	}
	if !unhooked {
		t.Fatalf("Delete should unhook rule once its last bucket is removed")
	}
	if ln == nil {
		t.Fatalf("Delete should return the rule's listener once unhooked")
	}
	if !rule.ScheduledFree() {
		t.Fatalf("rule should be scheduled-free once unhooked")
	}

	if _, ok := reg.Get(key); ok {
		t.Fatalf("Get should not find an unhooked rule")
	}
}

func TestRegistry_Delete_NotFound(t *testing.T) {
	reg := New(fakeListen, nil)
	_, _, _, err := reg.Delete(testKey(), "a.example")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete on missing rule error = %v, want ErrNotFound", err)
	}

	key := testKey()
	reg.Add(key, AddArgs{HostURL: "a.example", Backends: oneBackend()})
	_, _, _, err = reg.Delete(key, "missing.example")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete on missing host error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Stats_AggregatesAcrossBuckets(t *testing.T) {
	reg := New(fakeListen, nil)
	key := testKey()
	rule, bucketA, err := reg.Add(key, AddArgs{HostURL: "a.example", Backends: oneBackend()})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, bucketB, err := reg.Add(key, AddArgs{HostURL: "b.example", Backends: oneBackend()})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	bucketA.Stats[0].TxBytes.Add(100)
	bucketA.Stats[0].TxPkts.Add(1)
	bucketB.Stats[0].TxBytes.Add(50)
	bucketB.Stats[0].TxPkts.Add(1)

	pkts, bytes, err := reg.Stats(rule.Key.String(), 0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if pkts != 2 || bytes != 150 {
		t.Fatalf("Stats = (%d, %d), want (2, 150)", pkts, bytes)
	}
}

func TestRegistry_Stats_NotFound(t *testing.T) {
	reg := New(fakeListen, nil)
	_, _, err := reg.Stats("no-such-rule", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stats on missing rule error = %v, want ErrNotFound", err)
	}
}

func TestRule_SetMesh_Mesh(t *testing.T) {
	r := &Rule{Buckets: make(map[string]*EndpointSet)}
	iface, peer := r.Mesh()
	if iface != "" || peer != "" {
		t.Fatalf("Mesh() before SetMesh = (%q, %q), want empty", iface, peer)
	}

	r.SetMesh("wg0", "abc123")
	iface, peer = r.Mesh()
	if iface != "wg0" || peer != "abc123" {
		t.Fatalf("Mesh() = (%q, %q), want (%q, %q)", iface, peer, "wg0", "abc123")
	}
}

func TestEndpointSet_Next_RoundRobin(t *testing.T) {
	e := &EndpointSet{Backends: oneBackendsN(3)}
	seen := make([]int, 6)
	for i := range seen {
		seen[i] = e.Next()
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i, v := range seen {
		if v != want[i] {
			t.Fatalf("Next() sequence = %v, want %v", seen, want)
		}
	}
}

func oneBackendsN(n int) []Backend {
	out := make([]Backend, n)
	for i := range out {
		out[i] = Backend{IP: net.ParseIP("10.0.0.1"), Port: uint16(80 + i), L4Proto: ProtoTCP}
	}
	return out
}
