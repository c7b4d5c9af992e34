// Package buffer carries samples and readings between pipeline stages: a
// bounded sample queue fed by the polling workers, a distributor fanning
// samples out to independent consumers, and a fixed-capacity ring of
// readings in front of the historian writer.
package buffer

import (
	"errors"
	"sync"
	"time"

	"github.com/plantops/qhist/poll"
)

var (
	// ErrQueueFull means the queue stayed full for the whole put timeout.
	ErrQueueFull = errors.New("buffer: queue full")

	// ErrQueueEmpty means no sample arrived within the get timeout.
	ErrQueueEmpty = errors.New("buffer: queue empty")

	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("buffer: queue closed")
)

// Queue is the bounded FIFO between polling workers and the distributor.
// Producers block on Put up to a timeout when the queue is full; the
// distributor blocks on Get. Per-group sample order is preserved.
type Queue struct {
	ch        chan *poll.Sample
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue with the given capacity (default 10000).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{
		ch:     make(chan *poll.Sample, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues a sample, waiting up to timeout for room. A zero timeout
// never blocks.
func (q *Queue) Put(s *poll.Sample, timeout time.Duration) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	if timeout <= 0 {
		select {
		case q.ch <- s:
			return nil
		case <-q.closed:
			return ErrQueueClosed
		default:
			return ErrQueueFull
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case q.ch <- s:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-t.C:
		return ErrQueueFull
	}
}

// Get dequeues the oldest sample, waiting up to timeout for one to arrive.
// On a closed queue Get keeps returning buffered samples until the queue
// drains, then ErrQueueClosed.
func (q *Queue) Get(timeout time.Duration) (*poll.Sample, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s := <-q.ch:
		return s, nil
	case <-q.closed:
		select {
		case s := <-q.ch:
			return s, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-t.C:
		return nil, ErrQueueEmpty
	}
}

// Size returns the number of queued samples without blocking.
func (q *Queue) Size() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// IsFull reports whether the queue is at capacity.
func (q *Queue) IsFull() bool { return len(q.ch) == cap(q.ch) }

// Close rejects further puts. Buffered samples remain readable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
