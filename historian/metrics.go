package historian

import (
	"sync"
	"time"
)

// point is one time-stamped observation in a sliding window.
type point struct {
	ts time.Time
	v  float64
}

// MetricsSnapshot is a consistent view of the writer's performance.
type MetricsSnapshot struct {
	AvgBatchSize          float64   `json:"avgBatchSize"`
	AvgWriteLatencyMs     float64   `json:"avgWriteLatencyMs"`
	ThroughputItemsPerSec float64   `json:"throughputItemsPerSec"`
	SuccessRatePct        float64   `json:"successRatePct"`
	SuccessfulWrites      int64     `json:"successfulWrites"`
	FailedWrites          int64     `json:"failedWrites"`
	ItemsWritten          int64     `json:"itemsWritten"`
	LastWriteTime         time.Time `json:"lastWriteTime"`
}

// RollingMetrics keeps 5-minute sliding windows of batch sizes and write
// latencies plus cumulative counters. The clock is injectable for tests.
type RollingMetrics struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	batches   []point
	latencies []point

	successWrites int64
	failedWrites  int64
	itemsWritten  int64
	lastWrite     time.Time
}

// NewRollingMetrics returns metrics over a 5-minute window.
func NewRollingMetrics() *RollingMetrics {
	return &RollingMetrics{window: 5 * time.Minute, now: time.Now}
}

// SetClock overrides the clock. Test hook.
func (m *RollingMetrics) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Record notes one write attempt's outcome.
func (m *RollingMetrics) Record(batchSize int, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.batches = append(m.batches, point{ts: now, v: float64(batchSize)})
	m.latencies = append(m.latencies, point{ts: now, v: float64(latency) / float64(time.Millisecond)})
	m.trim(now)

	if success {
		m.successWrites++
		m.itemsWritten += int64(batchSize)
		m.lastWrite = now
	} else {
		m.failedWrites++
	}
}

// trim drops window points older than the window span. Caller holds the
// lock.
func (m *RollingMetrics) trim(now time.Time) {
	cutoff := now.Add(-m.window)
	m.batches = trimBefore(m.batches, cutoff)
	m.latencies = trimBefore(m.latencies, cutoff)
}

func trimBefore(pts []point, cutoff time.Time) []point {
	i := 0
	for i < len(pts) && pts[i].ts.Before(cutoff) {
		i++
	}
	if i == 0 {
		return pts
	}
	return append(pts[:0], pts[i:]...)
}

// Snapshot returns the current derived values.
func (m *RollingMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.trim(now)

	s := MetricsSnapshot{
		SuccessfulWrites: m.successWrites,
		FailedWrites:     m.failedWrites,
		ItemsWritten:     m.itemsWritten,
		LastWriteTime:    m.lastWrite,
	}

	if n := len(m.batches); n > 0 {
		var sum, items float64
		for _, p := range m.batches {
			sum += p.v
			items += p.v
		}
		s.AvgBatchSize = sum / float64(n)

		span := now.Sub(m.batches[0].ts)
		if span > 0 {
			s.ThroughputItemsPerSec = items / span.Seconds()
		}
	}
	if n := len(m.latencies); n > 0 {
		var sum float64
		for _, p := range m.latencies {
			sum += p.v
		}
		s.AvgWriteLatencyMs = sum / float64(n)
	}
	if total := m.successWrites + m.failedWrites; total > 0 {
		s.SuccessRatePct = 100 * float64(m.successWrites) / float64(total)
	}
	return s
}
