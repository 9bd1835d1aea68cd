package engine

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/loxip/sockproxyd/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startTCPServer runs handler for every accepted connection on a loopback
// listener and returns its address. The listener is closed on test cleanup.
func startTCPServer(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(c)
		}
	}()
	return ln.Addr().String()
}

// echoHandler copies everything it reads straight back to the client.
func echoHandler(c net.Conn) {
	defer c.Close()
	io.Copy(c, c)
}

// taggedHandler discards anything sent to it and replies with tag once,
// so a test can tell which backend a routed connection landed on.
func taggedHandler(tag string) func(net.Conn) {
	return func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 4096)
		c.Read(buf) // consume the forwarded request
		c.Write([]byte(tag))
	}
}

func backendFromAddr(t *testing.T, addr string) registry.Backend {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return registry.Backend{IP: net.ParseIP(host), Port: uint16(port), L4Proto: registry.ProtoTCP}
}

func TestEngine_PlainUnicastEcho(t *testing.T) {
	backendAddr := startTCPServer(t, echoHandler)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(Listen, logger)
	eng := New(reg, nil, logger)

	key := registry.RuleKey{XIP: "127.0.0.1", XPort: 0, L4Proto: registry.ProtoTCP}
	rule, _, err := eng.AddRule(key, registry.AddArgs{
		HostURL:     "",
		Backends:    []registry.Backend{backendFromAddr(t, backendAddr)},
		EagerSelect: true, // single catch-all bucket, skip HTTP sniffing
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	proxyAddr := rule.Listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		eng.Run(ctx, nil)
		close(runDone)
	}()

	client, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echoed %q, want %q", buf, "ping")
	}

	client.Close()
	cancel()
	<-runDone
}

func TestEngine_HostRouting(t *testing.T) {
	addrA := startTCPServer(t, taggedHandler("from-a"))
	addrB := startTCPServer(t, taggedHandler("from-b"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(Listen, logger)
	eng := New(reg, nil, logger)

	key := registry.RuleKey{XIP: "127.0.0.1", XPort: 0, L4Proto: registry.ProtoTCP}
	rule, _, err := eng.AddRule(key, registry.AddArgs{
		HostURL:  "a.example",
		Backends: []registry.Backend{backendFromAddr(t, addrA)},
	})
	if err != nil {
		t.Fatalf("AddRule a: %v", err)
	}
	if _, _, err := eng.AddRule(key, registry.AddArgs{
		HostURL:  "b.example",
		Backends: []registry.Backend{backendFromAddr(t, addrB)},
	}); err != nil {
		t.Fatalf("AddRule b: %v", err)
	}
	proxyAddr := rule.Listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		eng.Run(ctx, nil)
		close(runDone)
	}()

	for host, want := range map[string]string{"a.example": "from-a", "b.example": "from-b"} {
		client, err := net.Dial("tcp", proxyAddr)
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		req := "GET / HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
		if _, err := client.Write([]byte(req)); err != nil {
			t.Fatalf("write request: %v", err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		r := bufio.NewReader(client)
		got := make([]byte, len(want))
		if _, err := io.ReadFull(r, got); err != nil {
			t.Fatalf("read response for host %s: %v", host, err)
		}
		if string(got) != want {
			t.Fatalf("host %s routed to %q, want %q", host, got, want)
		}
		client.Close()
	}

	cancel()
	<-runDone
}

func TestEngine_BroadcastMode(t *testing.T) {
	received := make(chan string, 2)
	recordHandler := func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		received <- string(buf[:n])
	}
	addrA := startTCPServer(t, recordHandler)
	addrB := startTCPServer(t, recordHandler)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(Listen, logger)
	eng := New(reg, nil, logger)

	key := registry.RuleKey{XIP: "127.0.0.1", XPort: 0, L4Proto: registry.ProtoTCP}
	rule, _, err := eng.AddRule(key, registry.AddArgs{
		HostURL: "",
		Backends: []registry.Backend{
			backendFromAddr(t, addrA),
			backendFromAddr(t, addrB),
		},
		Mode:        registry.ModeAll,
		Policy:      registry.SelectBroadcast,
		EagerSelect: true,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	proxyAddr := rule.Listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		eng.Run(ctx, nil)
		close(runDone)
	}()

	client, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	if _, err := client.Write([]byte("broadcast-me")); err != nil {
		t.Fatalf("write: %v", err)
	}

	timeout := time.After(2 * time.Second)
	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			got[msg] = true
		case <-timeout:
			t.Fatalf("timed out waiting for both backends to receive the broadcast")
		}
	}
	if !got["broadcast-me"] {
		t.Fatalf("backends did not receive the broadcast payload, got %v", got)
	}

	client.Close()
	cancel()
	<-runDone
}
