package historian

import (
	"testing"
	"time"

	"github.com/plantops/qhist/config"
)

func TestRollingMetricsAverages(t *testing.T) {
	m := NewRollingMetrics()
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	m.Record(100, 10*time.Millisecond, true)
	now = base.Add(10 * time.Second)
	m.Record(300, 30*time.Millisecond, true)
	now = base.Add(20 * time.Second)

	s := m.Snapshot()
	if s.AvgBatchSize != 200 {
		t.Errorf("AvgBatchSize = %v, want 200", s.AvgBatchSize)
	}
	if s.AvgWriteLatencyMs != 20 {
		t.Errorf("AvgWriteLatencyMs = %v, want 20", s.AvgWriteLatencyMs)
	}
	// 400 items over the 20s window span.
	if s.ThroughputItemsPerSec != 20 {
		t.Errorf("ThroughputItemsPerSec = %v, want 20", s.ThroughputItemsPerSec)
	}
	if s.SuccessRatePct != 100 || s.ItemsWritten != 400 {
		t.Errorf("snapshot = %+v", s)
	}
	if !s.LastWriteTime.Equal(base.Add(10 * time.Second)) {
		t.Errorf("LastWriteTime = %v", s.LastWriteTime)
	}
}

func TestRollingMetricsWindowExpiry(t *testing.T) {
	m := NewRollingMetrics()
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	m.Record(100, 10*time.Millisecond, true)
	now = base.Add(6 * time.Minute) // past the 5-minute window
	m.Record(200, 20*time.Millisecond, true)

	s := m.Snapshot()
	if s.AvgBatchSize != 200 {
		t.Errorf("expired point still in window: AvgBatchSize = %v", s.AvgBatchSize)
	}
	// Cumulative counters survive window expiry.
	if s.SuccessfulWrites != 2 || s.ItemsWritten != 300 {
		t.Errorf("cumulative counters = %+v", s)
	}
}

func TestRollingMetricsSuccessRate(t *testing.T) {
	m := NewRollingMetrics()
	m.Record(10, time.Millisecond, true)
	m.Record(10, time.Millisecond, true)
	m.Record(10, time.Millisecond, false)

	s := m.Snapshot()
	if s.SuccessfulWrites != 2 || s.FailedWrites != 1 {
		t.Fatalf("counters = %+v", s)
	}
	want := 100 * 2.0 / 3.0
	if s.SuccessRatePct < want-0.01 || s.SuccessRatePct > want+0.01 {
		t.Errorf("SuccessRatePct = %v, want ~%v", s.SuccessRatePct, want)
	}
}

func TestSettingsFromConfigClampsBatchSize(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"below minimum", 10, 100},
		{"above maximum", 5000, 1000},
		{"in range", 500, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := SettingsFromConfig(config.BufferConfig{
				BatchSize:        tc.in,
				BatchSizeMax:     1000,
				WriteIntervalSec: 1,
				RetryCount:       3,
			}, nil)
			if s.BatchSize != tc.want {
				t.Errorf("BatchSize = %d, want %d", s.BatchSize, tc.want)
			}
		})
	}

	s := SettingsFromConfig(config.BufferConfig{BatchSize: 500, BatchSizeMax: 1000, WriteIntervalSec: 1, RetryCount: 3}, nil)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(s.RetryDelays) != len(want) {
		t.Fatalf("RetryDelays = %v", s.RetryDelays)
	}
	for i := range want {
		if s.RetryDelays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, s.RetryDelays[i], want[i])
		}
	}
}
