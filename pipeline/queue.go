package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/vcampipe/frame"
)

// ErrQueueClosed is returned by Pop once the queue is closed and fully
// drained.
var ErrQueueClosed = errors.New("queue closed")

// ErrQueueTimeout is returned by Pop when no frame arrives within the
// caller's deadline.
var ErrQueueTimeout = errors.New("queue pop timed out")

// Queue is a bounded FIFO of frames with drop-oldest overflow. A full
// queue never blocks the producer: Push evicts the oldest frame and
// returns it so the caller can account for the drop. Latency beats
// completeness here; the newest frames are the ones worth keeping.
type Queue struct {
	mu     sync.Mutex
	items  []*frame.Frame
	cap    int
	closed bool

	// signal carries at most one wakeup; consumers re-check state
	// after waking, so a single buffered slot is enough.
	signal chan struct{}
	done   chan struct{}
}

// NewQueue creates a queue holding at most capacity frames.
// Capacity must be positive.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		cap:    capacity,
		items:  make([]*frame.Frame, 0, capacity),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues a frame. If the queue is full the oldest frame is
// evicted and returned; otherwise nil. Pushing to a closed queue is a
// no-op that reports the frame itself as dropped.
func (q *Queue) Push(f *frame.Frame) (evicted *frame.Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return f
	}
	if len(q.items) >= q.cap {
		evicted = q.items[0]
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest frame, waiting up to timeout for
// one to arrive. After Close, remaining frames are still drained in
// order before ErrQueueClosed is reported.
func (q *Queue) Pop(timeout time.Duration) (*frame.Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			copy(q.items, q.items[1:])
			q.items = q.items[:len(q.items)-1]
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.signal:
		case <-q.done:
		case <-deadline.C:
			return nil, ErrQueueTimeout
		}
	}
}

// Len reports the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes waiting consumers. Queued
// frames remain available to Pop until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}
