package conn

import (
	"errors"
	"net"
	"testing"

	"github.com/loxip/sockproxyd/internal/registry"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestCPE_SetPeers_Symmetry(t *testing.T) {
	inC, _ := pipePair(t)
	eg1C, _ := pipePair(t)
	eg2C, _ := pipePair(t)

	in := NewIngress(inC, nil)
	eg1 := NewEgress(eg1C, nil, nil, 0)
	eg2 := NewEgress(eg2C, nil, nil, 1)

	in.SetPeers([]*CPE{eg1, eg2})

	if !in.HasPeers() {
		t.Fatalf("HasPeers() on ingress = false, want true")
	}
	if got := in.Peers(); len(got) != 2 {
		t.Fatalf("in.Peers() = %d entries, want 2", len(got))
	}
	if got := eg1.Peers(); len(got) != 1 || got[0] != in {
		t.Fatalf("eg1.Peers() = %v, want [in]", got)
	}
	if got := eg2.Peers(); len(got) != 1 || got[0] != in {
		t.Fatalf("eg2.Peers() = %v, want [in]", got)
	}
}

func TestCPE_NextPeer_RoundRobin(t *testing.T) {
	inC, _ := pipePair(t)
	eg1C, _ := pipePair(t)
	eg2C, _ := pipePair(t)

	in := NewIngress(inC, nil)
	eg1 := NewEgress(eg1C, nil, nil, 0)
	eg2 := NewEgress(eg2C, nil, nil, 1)
	in.SetPeers([]*CPE{eg1, eg2})

	seq := []*CPE{in.NextPeer(), in.NextPeer(), in.NextPeer(), in.NextPeer()}
	want := []*CPE{eg1, eg2, eg1, eg2}
	for i := range seq {
		if seq[i] != want[i] {
			t.Fatalf("NextPeer() sequence[%d] = %p, want %p", i, seq[i], want[i])
		}
	}
}

func TestCPE_NextPeer_NoPeers(t *testing.T) {
	inC, _ := pipePair(t)
	in := NewIngress(inC, nil)
	if p := in.NextPeer(); p != nil {
		t.Fatalf("NextPeer() with no peers = %v, want nil", p)
	}
}

func TestCPE_RemovePeer(t *testing.T) {
	inC, _ := pipePair(t)
	eg1C, _ := pipePair(t)
	eg2C, _ := pipePair(t)

	in := NewIngress(inC, nil)
	eg1 := NewEgress(eg1C, nil, nil, 0)
	eg2 := NewEgress(eg2C, nil, nil, 1)
	in.SetPeers([]*CPE{eg1, eg2})

	if empty := in.RemovePeer(eg1); empty {
		t.Fatalf("RemovePeer should report non-empty with eg2 still present")
	}
	if empty := in.RemovePeer(eg2); !empty {
		t.Fatalf("RemovePeer should report empty once the last peer is removed")
	}
}

func TestCPE_Close_Idempotent(t *testing.T) {
	c, _ := pipePair(t)
	cpe := NewIngress(c, nil)

	var reasons []error
	cpe.OnClose(func(reason error) { reasons = append(reasons, reason) })

	wantErr := errors.New("peer gone")
	cpe.Close(wantErr)
	cpe.Close(errors.New("second call should be a no-op"))

	if !cpe.IsClosed() {
		t.Fatalf("IsClosed() after Close = false, want true")
	}
	if len(reasons) != 1 {
		t.Fatalf("onClose called %d times, want 1", len(reasons))
	}
	if !errors.Is(reasons[0], wantErr) {
		t.Fatalf("onClose reason = %v, want %v", reasons[0], wantErr)
	}
}

func TestCPE_AccountRead_AccountWrite_AggregatesToBucket(t *testing.T) {
	bucket := &registry.EndpointSet{Backends: []registry.Backend{{}}}
	c, _ := pipePair(t)
	cpe := NewEgress(c, nil, bucket, 0)

	cpe.AccountRead(10)
	cpe.AccountRead(5)
	cpe.AccountWrite(7)

	if cpe.RxBytes.Load() != 15 || cpe.RxPkts.Load() != 2 {
		t.Fatalf("CPE counters = (%d, %d), want (15, 2)", cpe.RxBytes.Load(), cpe.RxPkts.Load())
	}
	if bucket.Stats[0].RxBytes.Load() != 15 || bucket.Stats[0].RxPkts.Load() != 2 {
		t.Fatalf("bucket Rx counters = (%d, %d), want (15, 2)", bucket.Stats[0].RxBytes.Load(), bucket.Stats[0].RxPkts.Load())
	}
	if bucket.Stats[0].TxBytes.Load() != 7 || bucket.Stats[0].TxPkts.Load() != 1 {
		t.Fatalf("bucket Tx counters = (%d, %d), want (7, 1)", bucket.Stats[0].TxBytes.Load(), bucket.Stats[0].TxPkts.Load())
	}
}

func TestCPE_AccountRead_IngressHasNoBucket(t *testing.T) {
	c, _ := pipePair(t)
	cpe := NewIngress(c, nil)
	cpe.AccountRead(3) // must not panic despite EPIdx == -1, Bucket == nil
	if cpe.RxBytes.Load() != 3 {
		t.Fatalf("RxBytes = %d, want 3", cpe.RxBytes.Load())
	}
}

func TestCPE_SSLFatal(t *testing.T) {
	c, _ := pipePair(t)
	cpe := NewIngress(c, nil)
	if cpe.SSLFatal() {
		t.Fatalf("SSLFatal() before MarkSSLFatal = true, want false")
	}
	cpe.MarkSSLFatal()
	if !cpe.SSLFatal() {
		t.Fatalf("SSLFatal() after MarkSSLFatal = false, want true")
	}
}
