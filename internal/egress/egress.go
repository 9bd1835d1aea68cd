// Package egress implements the per-connection outbound byte queue that
// backs the splice engine's write path: an ordered FIFO of pending chunks
// with partial-send offsets, drained on writability.
package egress

import (
	"fmt"
	"sync"
)

// DefaultHighWater is the default queue size, in bytes, above which Enqueue
// reports backpressure. It is a reporting threshold, not a cap: Enqueue
// never refuses or drops bytes, so a queue behind a slow peer keeps
// growing past it.
const DefaultHighWater = 4 << 20 // 4 MiB

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = fmt.Errorf("egress: queue closed")

// Queue is a mutex-guarded FIFO of byte chunks awaiting send to one peer.
// The zero value is not usable; construct with New.
type Queue struct {
	mu        sync.Mutex
	chunks    [][]byte
	offset    int // bytes of chunks[0] already sent
	size      int // total unsent bytes across all chunks
	highWater int
	closed    bool

	// notify is sent to (non-blocking) whenever the queue transitions from
	// empty to non-empty — this send *is* "register for write-readiness"
	// (spec §3 invariant 4). The writer goroutine for this queue's CPE
	// blocks on <-notify while the queue is empty.
	notify chan struct{}
}

// New creates an empty Queue. highWater <= 0 selects DefaultHighWater.
func New(highWater int) *Queue {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return &Queue{
		highWater: highWater,
		notify:    make(chan struct{}, 1),
	}
}

// NotifyChan returns the channel a writer goroutine should block on while
// this queue is empty.
func (q *Queue) NotifyChan() <-chan struct{} {
	return q.notify
}

// Enqueue appends b (copied) to the tail of the queue. It reports
// overLimit=true when the queue's unsent size exceeds the configured
// high-water mark after the append; the bytes are queued either way.
func (q *Queue) Enqueue(b []byte) (overLimit bool, err error) {
	if len(b) == 0 {
		return false, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	wasEmpty := len(q.chunks) == 0
	q.chunks = append(q.chunks, cp)
	q.size += len(cp)
	over := q.size > q.highWater
	q.mu.Unlock()

	if wasEmpty {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return over, nil
}

// Writer is the function a Drain caller supplies to attempt a single send
// of the given bytes; it returns the count actually written and whether
// the caller should retry later (again) or stop draining due to a fatal
// error.
type Writer func(b []byte) (n int, again bool, err error)

// Drain repeatedly calls write on the head chunk until the queue empties,
// the writer reports "again" (parked on write-readiness), or a fatal error
// occurs. It returns more=true when the queue still has bytes pending
// (caller should wait on NotifyChan or a subsequent write-ready event).
func (q *Queue) Drain(write Writer) (more bool, err error) {
	for {
		q.mu.Lock()
		if len(q.chunks) == 0 {
			q.mu.Unlock()
			return false, nil
		}
		head := q.chunks[0][q.offset:]
		q.mu.Unlock()

		n, again, werr := write(head)
		if werr != nil {
			return false, werr
		}
		if again {
			return true, nil
		}

		q.mu.Lock()
		q.offset += n
		q.size -= n
		if q.offset >= len(q.chunks[0]) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.offset = 0
		}
		empty := len(q.chunks) == 0
		q.mu.Unlock()

		if empty {
			return false, nil
		}
	}
}

// Len returns the number of unsent bytes currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close marks the queue closed; further Enqueue calls fail with ErrClosed.
// Already-queued bytes are dropped — the caller is tearing down the CPE.
// It also signals NotifyChan so a writer goroutine parked on it (waiting
// for the next Enqueue) wakes up and observes the close instead of
// blocking forever.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.chunks = nil
	q.size = 0
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
