package engine

import (
	"io"
	"net"

	"github.com/loxip/sockproxyd/internal/conn"
	"github.com/loxip/sockproxyd/internal/registry"
	"github.com/loxip/sockproxyd/internal/tlsio"
)

// runReader pumps bytes off cpe's socket and dispatches each chunk to its
// peer(s)' egress queues until the connection errors or is closed. It
// always runs to completion, tears itself down via cpe.Close, and calls
// e.wg.Done() itself, so callers only need to e.wg.Add(1) before it.
func (e *Engine) runReader(cpe *conn.CPE) {
	defer e.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := e.readOnce(cpe, buf)
		if n > 0 {
			cpe.AccountRead(n)
			e.deliver(cpe, buf[:n])
		}
		if err != nil {
			cpe.Close(err)
			return
		}
	}
}

// runWriter drains cpe's own egress queue to its socket, parking on the
// queue's notify channel whenever it empties, until the queue closes
// (because cpe itself was closed) or a write fails fatally.
func (e *Engine) runWriter(cpe *conn.CPE) {
	defer e.wg.Done()
	notify := cpe.Egress.NotifyChan()
	for {
		more, err := cpe.Egress.Drain(func(b []byte) (int, bool, error) {
			return e.writeOnce(cpe, b)
		})
		if err != nil {
			cpe.Close(err)
			return
		}
		if more {
			continue
		}
		if cpe.IsClosed() {
			return
		}
		<-notify
		if cpe.IsClosed() {
			return
		}
	}
}

// deliver routes one chunk read from cpe to the appropriate peer
// queue(s): an egress CPE always delivers to its single ingress peer; an
// ingress CPE delivers per its bucket's select policy — round-robin
// (SelectN2) or fan-out-to-all (SelectBroadcast).
func (e *Engine) deliver(cpe *conn.CPE, data []byte) {
	if cpe.Dir == conn.Egress {
		if peer := cpe.NextPeer(); peer != nil {
			e.enqueue(peer, data)
		}
		return
	}

	if cpe.Bucket != nil && cpe.Bucket.Policy == registry.SelectBroadcast {
		for _, peer := range cpe.Peers() {
			e.enqueue(peer, data)
		}
		return
	}
	if peer := cpe.NextPeer(); peer != nil {
		e.enqueue(peer, data)
	}
}

func (e *Engine) enqueue(peer *conn.CPE, data []byte) {
	overLimit, err := peer.Egress.Enqueue(data)
	if err != nil {
		return // peer already closed; its own teardown will unwind us
	}
	if overLimit {
		// Reported only: the reader keeps reading and the queue keeps
		// growing; neither read pressure nor a drop is applied.
		e.logger.Debug("egress queue over high water mark",
			"rule", peer.Rule.Key.String())
	}
}

// readOnce performs one read attempt on cpe, transparently looping
// across TLS readiness retries (tlsio.AgainRead) so that callers see the
// same (n, err) shape regardless of whether cpe is plaintext or TLS.
func (e *Engine) readOnce(cpe *conn.CPE, buf []byte) (int, error) {
	tc := cpe.TLS()
	if tc == nil {
		return cpe.Conn.Read(buf)
	}
	if cpe.SSLFatal() {
		return 0, io.ErrClosedPipe
	}
	for {
		res := tlsio.Read(tc, buf)
		switch res.Kind {
		case tlsio.OK:
			return res.N, nil
		case tlsio.AgainRead:
			continue
		default: // tlsio.Fatal
			if !res.CleanShutdown {
				cpe.MarkSSLFatal()
			}
			return res.N, res.Err
		}
	}
}

// writeOnce performs one write attempt, satisfying egress.Writer's
// contract: a TLS AgainWrite result reports again=true with n=0, so Drain
// returns more=true with the bytes still queued and runWriter calls Drain
// again at once, each attempt bounded by tlsio's write deadline.
func (e *Engine) writeOnce(cpe *conn.CPE, b []byte) (int, bool, error) {
	tc := cpe.TLS()
	if tc == nil {
		n, err := cpe.Conn.Write(b)
		cpe.AccountWrite(n)
		return n, false, err
	}
	if cpe.SSLFatal() {
		return 0, false, net.ErrClosed
	}
	res := tlsio.Write(tc, b)
	switch res.Kind {
	case tlsio.OK:
		cpe.AccountWrite(res.N)
		return res.N, false, nil
	case tlsio.AgainWrite:
		return 0, true, nil
	default: // tlsio.Fatal
		if !res.CleanShutdown {
			cpe.MarkSSLFatal()
		}
		return 0, false, res.Err
	}
}
