// Package pool maintains per-PLC pools of MC protocol clients so polling
// workers never share a socket mid-exchange and never pay a reconnect on
// the hot path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plantops/qhist/mc3e"
	"github.com/plantops/qhist/retry"
)

var (
	// ErrPoolExhausted means every client was checked out for the whole
	// acquire timeout.
	ErrPoolExhausted = errors.New("pool: exhausted")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrInactivePLC means the PLC code is unknown or not registered for
	// collection.
	ErrInactivePLC = errors.New("pool: inactive plc")
)

// Client is the PLC connection a Pool manages. *mc3e.Client satisfies it;
// tests substitute fakes.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsHealthy() bool
	MarkError()
	ErrorCount() int
	ResetErrorCount()
	ReadSingle(addr string) (mc3e.Value, error)
	ReadBatch(addrs []string) (map[string]mc3e.Value, map[string]string)
	Addr() string
}

// Factory creates one unconnected client for the pool's PLC.
type Factory func() Client

// Settings bound one pool's behavior. Zero fields take defaults.
type Settings struct {
	MaxClients      int           // checked-out + idle ceiling, default 5
	AcquireTimeout  time.Duration // wait for a free client, default 5s
	IdleTimeout     time.Duration // reaper closes idle clients older than this, default 600s
	MaxErrors       int           // tenure errors before discard on release, default 3
	ReapInterval    time.Duration // default 60s
	ReconnectDelays []time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.MaxClients <= 0 {
		s.MaxClients = 5
	}
	if s.AcquireTimeout <= 0 {
		s.AcquireTimeout = 5 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 600 * time.Second
	}
	if s.MaxErrors <= 0 {
		s.MaxErrors = 3
	}
	if s.ReapInterval <= 0 {
		s.ReapInterval = 60 * time.Second
	}
	if len(s.ReconnectDelays) == 0 {
		s.ReconnectDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	}
	return s
}

// PooledClient is a checked-out client plus its pool bookkeeping.
type PooledClient struct {
	Client
	lastUsed time.Time
}

// Pool owns up to MaxClients connections to one PLC.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond // broadcast on release and close

	plcCode  string
	factory  Factory
	settings Settings

	idle      []*PooledClient
	active    map[*PooledClient]struct{}
	total     int
	waiting   int
	exhausted int64

	closed bool
	stopCh chan struct{}
}

// NewPool returns a pool for one PLC and starts its idle reaper. Clients
// are created lazily on first acquire.
func NewPool(plcCode string, factory Factory, settings Settings) *Pool {
	p := &Pool{
		plcCode:  plcCode,
		factory:  factory,
		settings: settings.withDefaults(),
		active:   make(map[*PooledClient]struct{}),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// Acquire checks out a client: an idle healthy one first, a freshly
// connected one if the pool is under its ceiling, otherwise it waits up to
// the acquire timeout for a release.
func (p *Pool) Acquire(ctx context.Context) (*PooledClient, error) {
	deadline := time.Now().Add(p.settings.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: plc %s", ErrPoolClosed, p.plcCode)
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if !pc.IsHealthy() {
				pc.Disconnect()
				p.total--
				continue
			}

			pc.lastUsed = time.Now()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.total < p.settings.MaxClients {
			p.total++
			p.mu.Unlock()

			pc := &PooledClient{Client: p.factory()}
			if err := pc.Connect(ctx); err != nil {
				p.mu.Lock()
				p.total--
				// Capacity freed: waiters may create instead.
				p.cond.Broadcast()
				p.mu.Unlock()
				return nil, err
			}

			pc.lastUsed = time.Now()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.exhausted++
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: plc %s: no client within %s",
				ErrPoolExhausted, p.plcCode, p.settings.AcquireTimeout)
		}

		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait() // releases mu, reacquires on wake
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: plc %s", ErrPoolClosed, p.plcCode)
		}
		if time.Now().After(deadline) {
			p.exhausted++
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: plc %s: no client within %s",
				ErrPoolExhausted, p.plcCode, p.settings.AcquireTimeout)
		}
	}
}

// Release returns a checked-out client. Healthy clients under the tenure
// error limit go back to the idle list; the rest are closed and their slot
// freed.
func (p *Pool) Release(pc *PooledClient) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || !pc.IsHealthy() || pc.ErrorCount() >= p.settings.MaxErrors {
		if pc.ErrorCount() >= p.settings.MaxErrors {
			slog.Debug("discarding client after repeated errors",
				"plc", p.plcCode, "addr", pc.Addr(), "errors", pc.ErrorCount())
		}
		pc.Disconnect()
		p.total--
		p.cond.Broadcast()
		return
	}

	pc.ResetErrorCount()
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.cond.Broadcast()
}

// Reconnect dials a fresh client with backoff delays, discarding each
// failed attempt, and adopts the survivor into the idle list if the pool
// has room. Workers call this after connection-class read failures.
func (p *Pool) Reconnect(ctx context.Context) error {
	var fresh Client
	err := retry.DoNotify(ctx, p.settings.ReconnectDelays,
		func() error {
			cand := p.factory()
			if err := cand.Connect(ctx); err != nil {
				cand.Disconnect()
				return err
			}
			fresh = cand
			return nil
		},
		func(err error, d time.Duration) {
			slog.Warn("reconnect attempt failed",
				"plc", p.plcCode, "retry_in", d, "error", err)
		})
	if err != nil {
		return fmt.Errorf("reconnect plc %s: %w", p.plcCode, err)
	}

	p.mu.Lock()
	if !p.closed && p.total < p.settings.MaxClients {
		p.total++
		p.idle = append(p.idle, &PooledClient{Client: fresh, lastUsed: time.Now()})
		p.cond.Broadcast()
		p.mu.Unlock()
		slog.Info("reconnected", "plc", p.plcCode, "addr", fresh.Addr())
		return nil
	}
	p.mu.Unlock()

	// Pool is full or closing; the probe proved the PLC reachable.
	fresh.Disconnect()
	return nil
}

// Close shuts the pool: wakes waiters, closes idle clients, and abandons
// checked-out ones to their holders.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)

	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, pc := range idle {
		pc.Disconnect()
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.settings.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle closes idle clients unused past the idle timeout. Checked-out
// clients are never touched.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	kept := p.idle[:0]
	var reaped []*PooledClient
	for _, pc := range p.idle {
		if time.Since(pc.lastUsed) > p.settings.IdleTimeout {
			reaped = append(reaped, pc)
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	if len(reaped) > 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, pc := range reaped {
		pc.Disconnect()
		slog.Debug("reaped idle client", "plc", p.plcCode, "addr", pc.Addr())
	}
}
