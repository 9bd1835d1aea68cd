// Package sniff implements the HTTP Host-header sniffer used to gate
// backend selection: a suspendable recognizer fed chunks of the first
// bytes read from an inbound connection, yielding a sniffed host (or the
// empty string for "no host"/non-HTTP) once enough data has arrived.
package sniff

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
	"strings"
)

// Result is the outcome of one Feed call.
type Result int

const (
	// NeedMore means the sniffer has buffered the chunk and is waiting
	// for more bytes before it can decide.
	NeedMore Result = iota
	// Done means sniffing is complete; Feed's second return value holds
	// the sniffed host ("" for no-Host-header or non-HTTP traffic).
	Done
)

// MaxBuffer bounds how many bytes the sniffer accumulates before giving
// up and reporting Done with an empty host (spec §4.4 "hard bound").
// This plays the role of SP_SOCK_MSG_LEN from the original design.
const MaxBuffer = 8192

// MaxHostLen is the maximum number of bytes copied into the sniffed host
// value, matching the original's 255-byte host_url field.
const MaxHostLen = 255

// Sniffer holds the accumulated prefix and parser state for one ingress
// connection. It is only meaningful while that connection has no peers
// selected yet; the engine stops feeding it once a backend is chosen.
type Sniffer struct {
	buf []byte
}

// New returns an empty Sniffer.
func New() *Sniffer {
	return &Sniffer{}
}

// Feed appends b to the accumulated prefix and attempts to parse a
// complete HTTP request line + header block out of it. It never discards
// bytes: on Done, the full accumulated buffer (prefix + b) must still be
// forwarded to whatever backend gets selected, since non-HTTP traffic or
// an already-in-flight request both need their bytes relayed unmodified.
func (s *Sniffer) Feed(b []byte) (Result, string) {
	s.buf = append(s.buf, b...)

	host, ok := tryParse(s.buf)
	if ok {
		return Done, host
	}
	if len(s.buf) >= MaxBuffer {
		return Done, ""
	}
	return NeedMore, ""
}

// Buffered returns every byte accumulated so far — the bytes the caller
// must still relay to the backend once selection completes.
func (s *Sniffer) Buffered() []byte {
	return s.buf
}

// tryParse attempts to read a full HTTP request line and header block
// from buf. ok is false when more data is needed; true means parsing
// concluded (either with a host, or with host=="" because there was no
// Host header, or because the prefix was not a well-formed HTTP request
// at all — both cases route to the registry's catch-all bucket).
func tryParse(buf []byte) (host string, ok bool) {
	// textproto hands back a trailing line that has no terminator yet as
	// if it were complete, so only the complete lines of buf are parsed.
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		// No complete line yet. A byte outside printable ASCII can never
		// be part of a request line, so such a prefix is already non-HTTP.
		for _, c := range buf {
			if (c < ' ' && c != '\r' && c != '\t') || c > '~' {
				return "", true
			}
		}
		return "", false
	}
	r := bufio.NewReader(bytes.NewReader(buf[:end+1]))
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		// Not even a full request line buffered yet (or this will
		// never look like one — either way we need more bytes, up to
		// MaxBuffer, before giving up).
		return "", false
	}
	if !looksLikeRequestLine(line) {
		return "", true // non-HTTP traffic: catch-all bucket, host=""
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", false // headers still arriving
		}
		return "", true // malformed headers: treat as non-HTTP
	}

	h := hdr.Get("Host")
	if len(h) > MaxHostLen {
		h = h[:MaxHostLen]
	}
	return h, true
}

// looksLikeRequestLine does a cheap structural check — "METHOD SP
// target SP HTTP/x.y" — without validating the method against the full
// RFC token set, matching how a lightweight sniffer distinguishes HTTP
// from arbitrary binary protocols.
func looksLikeRequestLine(line string) bool {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return false
	}
	return strings.HasPrefix(parts[2], "HTTP/")
}
