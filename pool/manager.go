package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plantops/qhist/mc3e"
)

// Stats is one pool's gauge snapshot.
type Stats struct {
	PLCCode    string `json:"plcCode"`
	Active     int    `json:"active"`
	Idle       int    `json:"idle"`
	Total      int    `json:"total"`
	Waiting    int    `json:"waiting"`
	MaxClients int    `json:"maxClients"`
	Exhausted  int64  `json:"exhaustedTotal"`
}

// Stats returns the pool's current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PLCCode:    p.plcCode,
		Active:     len(p.active),
		Idle:       len(p.idle),
		Total:      p.total,
		Waiting:    p.waiting,
		MaxClients: p.settings.MaxClients,
		Exhausted:  p.exhausted,
	}
}

// Manager composes one Pool per registered PLC and exposes pooled reads.
// Reads against unregistered codes fail with ErrInactivePLC.
type Manager struct {
	mu        sync.RWMutex
	pools     map[string]*Pool
	settings  Settings
	closeOnce sync.Once
}

// NewManager returns an empty manager; PLCs are added with Register.
func NewManager(settings Settings) *Manager {
	return &Manager{
		pools:    make(map[string]*Pool),
		settings: settings.withDefaults(),
	}
}

// Register creates the pool for a PLC. Registering an existing code returns
// the existing pool unchanged.
func (m *Manager) Register(plcCode string, factory Factory) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[plcCode]; ok {
		return p
	}
	p := NewPool(plcCode, factory, m.settings)
	m.pools[plcCode] = p
	slog.Info("registered plc pool", "plc", plcCode, "max_clients", m.settings.MaxClients)
	return p
}

// Get returns the pool for a PLC code.
func (m *Manager) Get(plcCode string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[plcCode]
	return p, ok
}

// Remove closes and forgets one PLC's pool.
func (m *Manager) Remove(plcCode string) bool {
	m.mu.Lock()
	p, ok := m.pools[plcCode]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, plcCode)
	m.mu.Unlock()

	p.Close()
	slog.Info("removed plc pool", "plc", plcCode)
	return true
}

// ReadBatch acquires a client for the PLC, reads every address, and
// releases. Address-level failures are marked on the client so repeat
// offenders get recycled on release.
func (m *Manager) ReadBatch(ctx context.Context, plcCode string, addrs []string) (map[string]mc3e.Value, map[string]string, error) {
	p, ok := m.Get(plcCode)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInactivePLC, plcCode)
	}

	pc, err := p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer p.Release(pc)

	values, errs := pc.ReadBatch(addrs)
	for range errs {
		pc.MarkError()
	}
	return values, errs, nil
}

// ReadSingle acquires a client for the PLC, reads one address, and
// releases.
func (m *Manager) ReadSingle(ctx context.Context, plcCode, addr string) (mc3e.Value, error) {
	p, ok := m.Get(plcCode)
	if !ok {
		return mc3e.Value{}, fmt.Errorf("%w: %s", ErrInactivePLC, plcCode)
	}

	pc, err := p.Acquire(ctx)
	if err != nil {
		return mc3e.Value{}, err
	}
	defer p.Release(pc)

	v, err := pc.ReadSingle(addr)
	if err != nil {
		pc.MarkError()
	}
	return v, err
}

// Reconnect probes the PLC with backoff and seeds the pool with the
// resulting client.
func (m *Manager) Reconnect(ctx context.Context, plcCode string) error {
	p, ok := m.Get(plcCode)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInactivePLC, plcCode)
	}
	return p.Reconnect(ctx)
}

// AllStats snapshots every registered pool.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// PoolStats snapshots one PLC's pool.
func (m *Manager) PoolStats(plcCode string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[plcCode]
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// Close shuts every pool down. Safe to call repeatedly.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		pools := m.pools
		m.pools = make(map[string]*Pool)
		m.mu.Unlock()

		for _, p := range pools {
			p.Close()
		}
	})
}
