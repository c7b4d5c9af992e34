package buffer

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrEmpty is returned by strict gets on an empty ring.
var ErrEmpty = errors.New("buffer: ring empty")

// RingStats is a snapshot of the ring's occupancy and overflow counters.
type RingStats struct {
	Size          int     `json:"size"`
	MaxSize       int     `json:"maxSize"`
	Utilization   float64 `json:"utilization"` // 0..1
	TotalAdded    int64   `json:"totalAdded"`
	TotalRemoved  int64   `json:"totalRemoved"`
	OverflowCount int64   `json:"overflowCount"`
	OverflowRate  float64 `json:"overflowRate"` // overflowCount / totalAdded
}

// Ring is the fixed-capacity FIFO between sample expansion and the
// historian writer. A put into a full ring evicts the oldest reading
// rather than refusing, so sustained historian slowness costs the oldest
// data, never the writer loop.
type Ring struct {
	mu      sync.Mutex
	entries []Reading
	head    int
	count   int
	size    int

	totalAdded    int64
	totalRemoved  int64
	overflowCount int64

	// alertArmed gates the approaching-capacity log line: one line per
	// climb above 80%, re-armed by the next overflow.
	alertArmed bool
	log        *slog.Logger
}

// NewRing returns a ring with the given capacity (default 100000).
func NewRing(maxSize int, log *slog.Logger) *Ring {
	if maxSize <= 0 {
		maxSize = 100000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ring{
		entries:    make([]Reading, maxSize),
		size:       maxSize,
		alertArmed: true,
		log:        log,
	}
}

// Put appends a reading, evicting the oldest when full. It reports whether
// an eviction happened.
func (r *Ring) Put(item Reading) (overflowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count == r.size {
		idx = r.head
		r.head = (r.head + 1) % r.size
		r.overflowCount++
		r.alertArmed = true
		overflowed = true
	} else {
		r.count++
	}
	r.entries[idx] = item
	r.totalAdded++

	if !overflowed && r.alertArmed && r.count*5 >= r.size*4 {
		r.alertArmed = false
		r.log.Warn("reading buffer approaching capacity",
			"size", r.count, "max_size", r.size,
			"utilization_pct", 100*r.count/r.size)
	}
	return overflowed
}

// Get removes and returns up to n of the oldest readings in FIFO order.
// An empty ring yields an empty slice.
func (r *Ring) Get(n int) []Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.take(n)
}

// GetStrict is Get that fails with ErrEmpty when the ring holds nothing.
func (r *Ring) GetStrict(n int) ([]Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 && n >= 1 {
		return nil, ErrEmpty
	}
	return r.take(n), nil
}

// take removes up to n oldest entries. Caller holds the lock.
func (r *Ring) take(n int) []Reading {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return []Reading{}
	}
	out := make([]Reading, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.head+i)%r.size]
	}
	r.head = (r.head + n) % r.size
	r.count -= n
	r.totalRemoved += int64(n)
	return out
}

// Peek returns up to n of the oldest readings without removing them.
func (r *Ring) Peek(n int) []Reading {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return []Reading{}
	}
	out := make([]Reading, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.head+i)%r.size]
	}
	return out
}

// Size returns the current occupancy.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// IsEmpty reports whether the ring holds nothing.
func (r *Ring) IsEmpty() bool { return r.Size() == 0 }

// IsFull reports whether the next put will evict.
func (r *Ring) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == r.size
}

// Utilization returns occupancy as a fraction of capacity.
func (r *Ring) Utilization() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.count) / float64(r.size)
}

// Stats snapshots the ring counters.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RingStats{
		Size:          r.count,
		MaxSize:       r.size,
		Utilization:   float64(r.count) / float64(r.size),
		TotalAdded:    r.totalAdded,
		TotalRemoved:  r.totalRemoved,
		OverflowCount: r.overflowCount,
	}
	if r.totalAdded > 0 {
		st.OverflowRate = float64(r.overflowCount) / float64(r.totalAdded)
	}
	return st
}

// Clear drops every buffered reading. Counters are preserved.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.count = 0
}
