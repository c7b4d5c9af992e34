package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/poll"
)

// StartGroup starts one group's worker. Rejected once the configured
// number of groups is already running.
func (e *Engine) StartGroup(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	w, ok := e.workers[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownGroup, id)
	}

	if w.State() != poll.StateRunning && e.runningLocked() >= e.cfg.Polling.MaxGroups {
		return fmt.Errorf("%w: limit %d", ErrMaxGroups, e.cfg.Polling.MaxGroups)
	}
	return w.Start()
}

// runningLocked counts RUNNING workers. Caller holds e.mu.
func (e *Engine) runningLocked() int {
	n := 0
	for _, w := range e.workers {
		if w.State() == poll.StateRunning {
			n++
		}
	}
	return n
}

// StopGroup signals one group's worker and waits up to timeout.
func (e *Engine) StopGroup(id int, timeout time.Duration) error {
	e.mu.Lock()
	w, ok := e.workers[id]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownGroup, id)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return w.Stop(timeout)
}

// RestartGroup stops then starts one group.
func (e *Engine) RestartGroup(id int) error {
	if err := e.StopGroup(id, 5*time.Second); err != nil {
		return err
	}
	return e.StartGroup(id)
}

// StartAll starts every worker up to the running limit, in group-id
// order so the survivor set is deterministic.
func (e *Engine) StartAll() error {
	e.mu.Lock()
	ids := make([]int, 0, len(e.workers))
	for id := range e.workers {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Ints(ids)

	var firstErr error
	for _, id := range ids {
		if err := e.StartGroup(id); err != nil {
			e.log.Warn("group not started", "id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every running worker.
func (e *Engine) StopAll(timeout time.Duration) {
	e.mu.Lock()
	workers := make([]*poll.Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	for _, w := range workers {
		if err := w.Stop(timeout); err != nil {
			e.log.Error("worker stop failed", "group", w.Group().Name, "error", err)
		}
	}
}

// TriggerHandshake fires one poll on the named HANDSHAKE group. Triggers
// inside the group's dedup window report false without error.
func (e *Engine) TriggerHandshake(name string) (accepted bool, err error) {
	e.mu.Lock()
	var w *poll.Worker
	for _, cand := range e.workers {
		if cand.Group().Name == name {
			w = cand
			break
		}
	}
	e.mu.Unlock()

	if w == nil {
		return false, fmt.Errorf("%w: name %q", ErrUnknownGroup, name)
	}
	if w.Group().Mode != config.ModeHandshake {
		return false, fmt.Errorf("engine: group %q is not HANDSHAKE mode", name)
	}
	return w.Trigger(), nil
}

// StatusAll snapshots every worker, ordered by group id.
func (e *Engine) StatusAll() []poll.Status {
	e.mu.Lock()
	workers := make([]*poll.Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	out := make([]poll.Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}
