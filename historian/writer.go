// Package historian drains the reading buffer into the Oracle historian in
// change-filtered batches, falling back to CSV files when Oracle stays
// down, and keeps rolling write metrics for the health surface.
package historian

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/plantops/qhist/buffer"
	"github.com/plantops/qhist/cache"
	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/retry"
)

// Settings bound the writer's batching and retry behavior. Zero fields
// take defaults.
type Settings struct {
	BatchSize     int           // size trigger, default 500
	WriteInterval time.Duration // time trigger, default 1s
	RetryDelays   []time.Duration
	DrainTimeout  time.Duration // shutdown flush cap, default 30s
	TickInterval  time.Duration // trigger check cadence, default 100ms
}

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = 500
	}
	if s.WriteInterval <= 0 {
		s.WriteInterval = time.Second
	}
	if len(s.RetryDelays) == 0 {
		s.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = 30 * time.Second
	}
	if s.TickInterval <= 0 {
		s.TickInterval = 100 * time.Millisecond
	}
	return s
}

// SettingsFromConfig maps the buffer section onto writer settings,
// clamping the batch size into [100, max] with a warning rather than
// refusing to start.
func SettingsFromConfig(cfg config.BufferConfig, log *slog.Logger) Settings {
	if log == nil {
		log = slog.Default()
	}

	batch := cfg.BatchSize
	lo, hi := 100, cfg.BatchSizeMax
	if hi <= 0 {
		hi = 1000
	}
	if batch < lo {
		log.Warn("batch size below minimum, clamping", "configured", batch, "using", lo)
		batch = lo
	} else if batch > hi {
		log.Warn("batch size above maximum, clamping", "configured", batch, "using", hi)
		batch = hi
	}

	delays := make([]time.Duration, 0, cfg.RetryCount)
	d := time.Second
	for i := 0; i < cfg.RetryCount; i++ {
		delays = append(delays, d)
		d *= 2
	}

	return Settings{
		BatchSize:     batch,
		WriteInterval: cfg.WriteInterval(),
		RetryDelays:   delays,
	}
}

// Writer is the dedicated goroutine draining the ring into the store.
type Writer struct {
	ring     *buffer.Ring
	store    Store
	cache    *cache.Cache
	backup   *CSVBackup
	metrics  *RollingMetrics
	settings Settings
	log      *slog.Logger
	observe  func(latency time.Duration)

	lastAttempt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewWriter wires a writer. The cache is updated only by this writer,
// after commits.
func NewWriter(ring *buffer.Ring, store Store, c *cache.Cache, backup *CSVBackup, settings Settings, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		ring:     ring,
		store:    store,
		cache:    c,
		backup:   backup,
		metrics:  NewRollingMetrics(),
		settings: settings.withDefaults(),
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Metrics exposes the writer's rolling metrics.
func (w *Writer) Metrics() *RollingMetrics { return w.metrics }

// SetLatencyObserver attaches a per-batch latency callback. Call before
// Start.
func (w *Writer) SetLatencyObserver(fn func(latency time.Duration)) {
	w.observe = fn
}

// BackupStats returns the cumulative CSV backup file count and bytes.
func (w *Writer) BackupStats() (files int64, bytes int64) {
	return w.backup.Stats()
}

// Start launches the write loop.
func (w *Writer) Start() {
	go w.run()
}

// Stop drains the ring under the drain timeout, then closes the store.
// Idempotent.
func (w *Writer) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)

	w.lastAttempt = time.Now()
	ticker := time.NewTicker(w.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.drain()
			if err := w.store.Close(); err != nil {
				w.log.Error("closing historian store", "error", err)
			}
			return
		case <-ticker.C:
			if w.ring.Size() >= w.settings.BatchSize ||
				time.Since(w.lastAttempt) >= w.settings.WriteInterval {
				w.writeCycle(context.Background())
			}
		}
	}
}

// drain flushes the remaining readings, capped by the drain timeout.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.settings.DrainTimeout)
	defer cancel()

	for w.ring.Size() > 0 {
		if ctx.Err() != nil {
			w.log.Warn("shutdown drain timed out", "remaining", w.ring.Size())
			return
		}
		w.writeCycle(ctx)
	}
}

// writeCycle dequeues up to one batch and writes it. An empty ring just
// resets the time trigger.
func (w *Writer) writeCycle(ctx context.Context) {
	w.lastAttempt = time.Now()

	n := w.ring.Size()
	if n > w.settings.BatchSize {
		n = w.settings.BatchSize
	}
	if n == 0 {
		return
	}

	items := w.ring.Get(n)
	w.writeBatch(ctx, items)
}

// writeBatch filters, routes, inserts with retries, and settles the cache.
// The cache is updated for every dequeued item after a commit (last
// observed value, not last written value) and for none of them when the
// batch lands in CSV instead.
func (w *Writer) writeBatch(ctx context.Context, items []buffer.Reading) {
	ops, logs := w.route(w.filter(items))

	if len(ops)+len(logs) == 0 {
		// Everything filtered out: nothing to commit, but the values
		// were still observed.
		w.updateCache(items)
		return
	}

	start := time.Now()
	var res BatchResult
	err := retry.DoNotify(ctx, w.settings.RetryDelays,
		func() error {
			var err error
			res, err = w.store.WriteBatch(ctx, ops, logs)
			if err != nil && !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		func(err error, d time.Duration) {
			w.log.Warn("historian batch failed, retrying",
				"rows", len(ops)+len(logs), "retry_in", d, "error", err)
		})
	latency := time.Since(start)
	if w.observe != nil {
		w.observe(latency)
	}

	if err != nil {
		w.metrics.Record(len(items), latency, false)
		path, berr := w.backup.Write(items)
		if berr != nil {
			w.log.Error("historian batch lost: retries and csv backup both failed",
				"rows", len(items), "write_error", err, "backup_error", berr)
			return
		}
		w.log.Error("historian batch failed, backed up to csv",
			"rows", len(items), "file", path, "error", err)
		return
	}

	w.updateCache(items)
	w.metrics.Record(len(items), latency, true)

	if res.Partial() {
		w.log.Warn("historian batch partially succeeded",
			"inserted", res.Inserted, "rejected", len(res.RowErrors),
			"first_error", res.RowErrors[0].Err)
	}
}

// filter applies each reading's log mode against the last-value cache.
func (w *Writer) filter(items []buffer.Reading) []buffer.Reading {
	out := make([]buffer.Reading, 0, len(items))
	for _, it := range items {
		switch it.LogMode {
		case config.LogNever:
			continue
		case config.LogOnChange:
			if e, ok := w.cache.Get(it.PLCCode, it.TagAddress); ok && e.LastValue == it.Value.String() {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

// route splits filtered readings into their destination tables.
func (w *Writer) route(items []buffer.Reading) ([]OperationRow, []TagLogRow) {
	var ops []OperationRow
	var logs []TagLogRow
	now := time.Now()

	for _, it := range items {
		if it.Category == config.CategoryOperation {
			machine := it.MachineCode
			if machine == "" {
				machine = "UNKNOWN"
			}
			ops = append(ops, OperationRow{
				Time:  it.Timestamp,
				Name:  it.PLCCode + ".Operation." + machine + "." + it.TagAddress,
				Value: it.Value.String(),
			})
			continue
		}

		var num sql.NullFloat64
		if f, ok := it.Value.Num(); ok {
			num = sql.NullFloat64{Float64: f, Valid: true}
		}
		logs = append(logs, TagLogRow{
			CTime:    now,
			OTime:    it.Timestamp,
			Name:     it.PLCCode + "." + it.TagAddress,
			Type:     "D",
			ValueStr: it.Value.String(),
			ValueNum: num,
			ValueRaw: it.Value.String(),
		})
	}
	return ops, logs
}

// updateCache records the observed value of every dequeued item.
func (w *Writer) updateCache(items []buffer.Reading) {
	for _, it := range items {
		w.cache.Set(it.PLCCode, it.TagAddress, it.Value.String())
	}
}
