package session

import (
	"errors"
	"sync"

	"github.com/lumencanvas/clasp-sub004/internal/store"
)

// Errors specific to the session manager's portion of the §7 taxonomy.
var (
	ErrResourceExhausted = errors.New("session: resource exhausted")
	ErrQueueClosed       = errors.New("session: outbound queue closed")
	ErrQueueSaturated    = errors.New("session: outbound queue saturated, no stream frame to evict")
)

// QueuedFrame is one encoded outbound frame awaiting delivery, tagged with
// the signal kind that produced it so the queue can apply §5's drop
// policy.
type QueuedFrame struct {
	Data []byte
	Kind store.SignalKind
}

// OutboundQueue is a bounded, ordered queue of outbound frames for one
// peer (§4.5, §5). Drop policy: Stream messages are dropped oldest-first
// under saturation; Param/Event frames are never dropped silently — if the
// queue cannot accept one, Enqueue returns ErrQueueSaturated. There is no
// stall window: the dispatcher closes the session with SlowConsumer on the
// first ErrQueueSaturated.
//
// A mutex-protected slice (rather than a plain Go channel) is used
// specifically because the channel-based send-or-drop pattern in
// ws/internal/shared/broadcast.go drops whichever message doesn't fit,
// without regard to signal kind; §5 requires Stream-first eviction, which
// needs random access into the buffer.
type OutboundQueue struct {
	mu       sync.Mutex
	buf      []QueuedFrame
	capacity int
	closed   bool
	notify   chan struct{}
}

func NewOutboundQueue(capacity int) *OutboundQueue {
	return &OutboundQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (q *OutboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel the writer pump can select on to wake up when a
// new frame is available.
func (q *OutboundQueue) Notify() <-chan struct{} { return q.notify }

// Enqueue appends a frame, applying the drop policy if the queue is full.
func (q *OutboundQueue) Enqueue(f QueuedFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.buf) < q.capacity {
		q.buf = append(q.buf, f)
		q.signal()
		return nil
	}

	if f.Kind == store.SignalStream {
		// Oldest Stream first; if this frame is itself the one that can't
		// fit and no Stream entry exists to evict, it is simply dropped.
		if idx := q.oldestStreamIndex(); idx >= 0 {
			q.buf = append(q.buf[:idx], q.buf[idx+1:]...)
			q.buf = append(q.buf, f)
			q.signal()
			return nil
		}
		return nil // dropped silently: permitted for Stream (§5)
	}

	if idx := q.oldestStreamIndex(); idx >= 0 {
		q.buf = append(q.buf[:idx], q.buf[idx+1:]...)
		q.buf = append(q.buf, f)
		q.signal()
		return nil
	}

	return ErrQueueSaturated
}

func (q *OutboundQueue) oldestStreamIndex() int {
	for i, f := range q.buf {
		if f.Kind == store.SignalStream {
			return i
		}
	}
	return -1
}

// Dequeue pops the oldest frame, or ok=false if empty.
func (q *OutboundQueue) Dequeue() (QueuedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return QueuedFrame{}, false
	}
	f := q.buf[0]
	q.buf = q.buf[1:]
	return f, true
}

// Len reports the current queue depth (observability, §6).
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Close marks the queue closed; further Enqueue calls fail.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}
