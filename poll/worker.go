package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/faillog"
	"github.com/plantops/qhist/mc3e"
)

// ErrNotStopped is returned when starting a worker that is already
// running or still stopping.
var ErrNotStopped = errors.New("poll: worker not stopped")

// ErrStopTimeout means the worker did not exit within the stop timeout
// and was marked ERROR.
var ErrStopTimeout = errors.New("poll: stop timed out")

// Reader performs pooled PLC reads. *pool.Manager satisfies it.
type Reader interface {
	ReadBatch(ctx context.Context, plcCode string, addrs []string) (map[string]mc3e.Value, map[string]string, error)
}

// Healer reestablishes PLC connectivity after a connection-class poll
// failure. *pool.Manager satisfies it.
type Healer interface {
	Reconnect(ctx context.Context, plcCode string) error
}

// FailureSink receives per-failure records. *faillog.Logger satisfies it.
type FailureSink interface {
	Write(f faillog.Failure)
}

// rollingWindow is the poll-duration averaging span.
const rollingWindow = 100

// Status is a consistent snapshot of one worker's state and counters.
type Status struct {
	GroupID           int         `json:"groupId"`
	GroupName         string      `json:"groupName"`
	PLCCode           string      `json:"plcCode"`
	Mode              config.Mode `json:"mode"`
	State             State       `json:"state"`
	TotalPolls        int64       `json:"totalPolls"`
	SuccessCount      int64       `json:"successCount"`
	ErrorCount        int64       `json:"errorCount"`
	LastPollTime      time.Time   `json:"lastPollTime"`
	AvgPollDurationMs float64     `json:"avgPollDurationMs"`
}

// Worker polls one group on its own goroutine. The engine owns workers;
// each worker owns its cancellation and counters.
type Worker struct {
	group        config.Group
	logModes     map[string]config.LogMode
	machineCodes map[string]string
	reader       Reader
	sink         SampleSink
	failures     FailureSink
	log          *slog.Logger

	putTimeout time.Duration

	mu           sync.Mutex
	state        State
	healer       Healer
	healing      bool
	observe      func(seconds float64)
	totalPolls   int64
	successCount int64
	errorCount   int64
	lastPollTime time.Time
	durations    []float64 // last rollingWindow poll durations, ms

	trigger      chan struct{}
	lastAccepted time.Time // handshake dedup reference

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds a stopped worker for one group. The log-mode and
// machine-code snapshots are taken by the engine once per start and ride
// along with every sample.
func NewWorker(group config.Group, logModes map[string]config.LogMode, machineCodes map[string]string,
	reader Reader, sink SampleSink, failures FailureSink, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		group:        group,
		logModes:     logModes,
		machineCodes: machineCodes,
		reader:       reader,
		sink:         sink,
		failures:     failures,
		log:          log.With("group", group.Name, "plc", group.PLCCode),
		putTimeout:   2 * time.Second,
		state:        StateStopped,
		trigger:      make(chan struct{}, 1),
	}
}

// Group returns the worker's group configuration.
func (w *Worker) Group() config.Group { return w.group }

// SetHealer attaches a reconnect path fired on connection-class poll
// failures. Call before Start.
func (w *Worker) SetHealer(h Healer) {
	w.mu.Lock()
	w.healer = h
	w.mu.Unlock()
}

// SetDurationObserver attaches a per-poll duration callback (seconds).
// Call before Start.
func (w *Worker) SetDurationObserver(fn func(seconds float64)) {
	w.mu.Lock()
	w.observe = fn
	w.mu.Unlock()
}

// State returns the worker's lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status snapshots the worker's counters.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	var avg float64
	if n := len(w.durations); n > 0 {
		var sum float64
		for _, d := range w.durations {
			sum += d
		}
		avg = sum / float64(n)
	}
	return Status{
		GroupID:           w.group.ID,
		GroupName:         w.group.Name,
		PLCCode:           w.group.PLCCode,
		Mode:              w.group.Mode,
		State:             w.state,
		TotalPolls:        w.totalPolls,
		SuccessCount:      w.successCount,
		ErrorCount:        w.errorCount,
		LastPollTime:      w.lastPollTime,
		AvgPollDurationMs: avg,
	}
}

// Start launches the poll loop. Valid from STOPPED or ERROR (an operator
// restart clears the fault).
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.state == StateRunning || w.state == StateStopping {
		w.mu.Unlock()
		return fmt.Errorf("%w: group %s is %s", ErrNotStopped, w.group.Name, w.state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state = StateRunning
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("poll loop fault", "panic", r)
				w.transition(done, StateError)
			}
		}()

		w.log.Info("polling started", "mode", w.group.Mode, "tags", len(w.group.TagAddresses))
		if w.group.Mode == config.ModeHandshake {
			w.runHandshake(ctx)
		} else {
			w.runFixed(ctx)
		}

		// A cooperative exit lands in STOPPED; a fault stays in ERROR.
		w.mu.Lock()
		if w.done == done && w.state != StateError {
			w.state = StateStopped
		}
		w.mu.Unlock()
		w.log.Info("polling stopped")
	}()
	return nil
}

// transition sets the state only while done is still the current run's
// channel. A run abandoned by a stop timeout must not clobber the state
// of a restarted worker on its late exit.
func (w *Worker) transition(done chan struct{}, s State) {
	w.mu.Lock()
	if w.done == done {
		w.state = s
	}
	w.mu.Unlock()
}

// Stop signals the loop and waits up to timeout for it to exit. The
// worker finishes at most one in-flight poll. On timeout it is marked
// ERROR and abandoned; the rest of the system continues.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		w.setState(StateError)
		w.log.Error("worker did not stop in time", "timeout", timeout)
		return fmt.Errorf("%w: group %s after %s", ErrStopTimeout, w.group.Name, timeout)
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Trigger requests one handshake poll. Triggers within one second of the
// last accepted trigger are discarded; it reports whether the trigger was
// accepted.
func (w *Worker) Trigger() bool {
	w.mu.Lock()
	if w.group.Mode != config.ModeHandshake || w.state != StateRunning {
		w.mu.Unlock()
		return false
	}
	now := time.Now()
	if !w.lastAccepted.IsZero() && now.Sub(w.lastAccepted) < time.Second {
		w.mu.Unlock()
		w.log.Debug("handshake trigger deduplicated")
		return false
	}
	w.lastAccepted = now
	w.mu.Unlock()

	select {
	case w.trigger <- struct{}{}:
		return true
	default:
		// A trigger is already pending; the dedup window makes this rare.
		return false
	}
}

// runFixed polls on monotonic deadlines: next += interval, so scheduling
// jitter does not accumulate. A poll overrunning its interval resets the
// deadline from now instead of chasing an unbounded backlog.
func (w *Worker) runFixed(ctx context.Context) {
	interval := w.group.Interval()

	w.poll(ctx)
	next := time.Now().Add(interval)

	for {
		wait := time.Until(next)
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		w.poll(ctx)

		next = next.Add(interval)
		if now := time.Now(); next.Before(now) {
			w.log.Warn("poll overran its interval",
				"interval", interval, "behind", now.Sub(next))
			next = now.Add(interval)
		}
	}
}

// runHandshake waits for accepted triggers, waking periodically to
// observe cancellation. Exactly one poll per accepted trigger.
func (w *Worker) runHandshake(ctx context.Context) {
	wake := time.NewTicker(time.Second)
	defer wake.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			w.poll(ctx)
		case <-wake.C:
		}
	}
}

// poll performs one read pass and enqueues the sample. Failures are
// recovered locally: counted, recorded in the failure log, never fatal to
// the loop.
func (w *Worker) poll(ctx context.Context) {
	start := time.Now()

	w.mu.Lock()
	w.totalPolls++
	w.lastPollTime = start
	observe := w.observe
	w.mu.Unlock()

	values, errTags, err := w.reader.ReadBatch(ctx, w.group.PLCCode, w.group.TagAddresses)
	durMs := float64(time.Since(start)) / float64(time.Millisecond)
	if observe != nil {
		observe(durMs / 1000)
	}

	if err != nil {
		w.recordError()
		w.log.Warn("poll failed", "error", err, "duration_ms", durMs)
		if w.failures != nil {
			w.failures.Write(w.classifyFailure(err, durMs))
		}
		if mc3e.IsConnectionError(err) {
			w.heal(ctx)
		}
		return
	}

	sample := &Sample{
		Timestamp:       start,
		GroupID:         w.group.ID,
		GroupName:       w.group.Name,
		PLCCode:         w.group.PLCCode,
		Mode:            w.group.Mode,
		Category:        w.group.Category,
		Values:          values,
		ErrorTags:       errTags,
		PollDurationMs:  durMs,
		TagLogModes:     w.logModes,
		TagMachineCodes: w.machineCodes,
	}

	if err := w.sink.Put(sample, w.putTimeout); err != nil {
		w.recordError()
		w.log.Warn("sample dropped, queue full", "error", err)
		return
	}

	w.mu.Lock()
	w.successCount++
	w.durations = append(w.durations, durMs)
	if len(w.durations) > rollingWindow {
		w.durations = w.durations[len(w.durations)-rollingWindow:]
	}
	w.mu.Unlock()
}

// heal fires one background reconnect per outage. The run context
// bounds it, so a stop aborts the backoff wait.
func (w *Worker) heal(ctx context.Context) {
	w.mu.Lock()
	if w.healer == nil || w.healing {
		w.mu.Unlock()
		return
	}
	w.healing = true
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.healing = false
			w.mu.Unlock()
		}()
		if err := w.healer.Reconnect(ctx, w.group.PLCCode); err != nil {
			w.log.Warn("plc reconnect failed", "error", err)
			return
		}
		w.log.Info("plc reconnected")
	}()
}

func (w *Worker) recordError() {
	w.mu.Lock()
	w.errorCount++
	w.mu.Unlock()
}

// classifyFailure maps a read failure onto its failure-log shape.
func (w *Worker) classifyFailure(err error, durMs float64) faillog.Failure {
	addrs := w.group.TagAddresses
	switch {
	case errors.Is(err, mc3e.ErrTimeout):
		return faillog.Timeout(w.group.PLCCode, w.group.Name, addrs, durMs, err)
	case mc3e.IsConnectionError(err):
		return faillog.ConnectionFailure(w.group.PLCCode, w.group.Name, addrs, err)
	default:
		return faillog.ReadError(w.group.PLCCode, w.group.Name, addrs, durMs, err)
	}
}
