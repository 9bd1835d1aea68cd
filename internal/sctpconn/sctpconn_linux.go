//go:build linux

package sctpconn

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen opens an SCTP one-to-one (SOCK_STREAM) listening socket on addr
// and wraps it as a net.Listener via net.FileListener, the same
// raw-fd-to-net.Conn bridging idiom used for other address families the
// standard library does not speak natively (AF_VSOCK, AF_PACKET, ...):
// build the socket with golang.org/x/sys/unix, then hand the fd to the
// net package's poller.
func Listen(addr string) (net.Listener, error) {
	fd, sa, err := socket(addr)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sctpconn: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sctpconn: listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "sctp-listen:"+addr)
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("sctpconn: FileListener %s: %w", addr, err)
	}
	return ln, nil
}

// Dial connects to an SCTP endpoint. network is accepted for symmetry
// with net.Dialer.DialContext's signature but ignored; every dial is SCTP
// one-to-one.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	fd, sa, err := socket(addr)
	if err != nil {
		return nil, err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- unix.Connect(fd, sa) }()

	select {
	case <-ctx.Done():
		unix.Close(fd)
		return nil, ctx.Err()
	case err := <-errCh:
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("sctpconn: connect %s: %w", addr, err)
		}
	}

	f := os.NewFile(uintptr(fd), "sctp-conn:"+addr)
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("sctpconn: FileConn %s: %w", addr, err)
	}
	return c, nil
}

// socket creates an IPPROTO_SCTP SOCK_STREAM socket and builds the
// unix.Sockaddr for addr, picking AF_INET or AF_INET6 based on the
// parsed host.
func socket(addr string) (fd int, sa unix.Sockaddr, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, nil, fmt.Errorf("sctpconn: split %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, nil, fmt.Errorf("sctpconn: invalid port %q: %w", portStr, err)
	}

	ip := net.ParseIP(host)
	if host != "" && ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return -1, nil, fmt.Errorf("sctpconn: resolve %s: %w", host, err)
		}
		ip = resolved.IP
	}

	if v4 := ip.To4(); v4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_SCTP)
		if err != nil {
			return -1, nil, fmt.Errorf("sctpconn: socket: %w", err)
		}
		var addrBytes [4]byte
		copy(addrBytes[:], v4)
		return fd, &unix.SockaddrInet4{Port: port, Addr: addrBytes}, nil
	}

	fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_SCTP)
	if err != nil {
		return -1, nil, fmt.Errorf("sctpconn: socket: %w", err)
	}
	var addrBytes [16]byte
	if ip == nil {
		ip = net.IPv6unspecified
	}
	copy(addrBytes[:], ip.To16())
	return fd, &unix.SockaddrInet6{Port: port, Addr: addrBytes}, nil
}
