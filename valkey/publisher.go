// Package valkey mirrors last values into a Valkey/Redis instance and
// announces updates on a pub/sub channel, giving dashboards a queryable
// live view without touching the historian.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plantops/qhist/buffer"
	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/monitor"
	"github.com/plantops/qhist/poll"
)

const (
	keyPrefix      = "qhist:last:"
	equipmentKey   = "qhist:equipment"
	updatesChannel = "qhist:updates"
	opTimeout      = 3 * time.Second
)

// ReadingRecord is the JSON stored per tag key and published on the
// updates channel.
type ReadingRecord struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Quality   string `json:"quality"`
	Timestamp string `json:"timestamp"`
}

// Stats is the publisher's counters.
type Stats struct {
	Published int64 `json:"published"`
	Errors    int64 `json:"errors"`
}

// Publisher drains a distributor output into Valkey: SET per reading
// plus a PUBLISH, and a periodic equipment snapshot when a derive
// function is attached.
type Publisher struct {
	cfg    config.ValkeyConfig
	client *redis.Client
	input  <-chan *poll.Sample
	derive monitor.DeriveFunc
	log    *slog.Logger

	mu        sync.Mutex
	published int64
	errors    int64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewPublisher returns an unstarted publisher over a distributor output.
// derive may be nil to skip the equipment mirror.
func NewPublisher(cfg config.ValkeyConfig, input <-chan *poll.Sample, derive monitor.DeriveFunc, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.Database,
		}),
		input:  input,
		derive: derive,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start pings the server with a bounded timeout, then launches the
// publish loop. A dead server is a startup error, not a silent no-op.
func (p *Publisher) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("valkey: ping %s: %w", p.cfg.Address, err)
	}
	p.log.Info("valkey connected", "address", p.cfg.Address)
	go p.run()
	return nil
}

// Stop halts the loop and closes the connection. Idempotent.
func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
	if err := p.client.Close(); err != nil {
		p.log.Warn("closing valkey client", "error", err)
	}
}

// Stats snapshots the publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Published: p.published, Errors: p.errors}
}

func (p *Publisher) run() {
	defer close(p.doneCh)

	equip := time.NewTicker(time.Second)
	defer equip.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case s := <-p.input:
			p.publishSample(s)
		case <-equip.C:
			p.publishEquipment()
		}
	}
}

func (p *Publisher) publishSample(s *poll.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	for _, r := range buffer.ExpandSample(s) {
		rec := ReadingRecord{
			PLC:       r.PLCCode,
			Tag:       r.TagAddress,
			Value:     r.Value,
			Quality:   string(r.Quality),
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		key := keyPrefix + r.PLCCode + ":" + r.TagAddress
		pipe.Set(ctx, key, payload, p.cfg.KeyTTL)
		pipe.Publish(ctx, updatesChannel, payload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("valkey publish failed", "plc", s.PLCCode, "error", err)
		p.count(false)
		return
	}
	p.count(true)
}

// publishEquipment mirrors the derived equipment snapshot.
func (p *Publisher) publishEquipment() {
	if p.derive == nil {
		return
	}
	snapshot := p.derive()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := p.client.Set(ctx, equipmentKey, payload, 0).Err(); err != nil {
		p.log.Warn("valkey equipment mirror failed", "error", err)
	}
}

func (p *Publisher) count(ok bool) {
	p.mu.Lock()
	if ok {
		p.published++
	} else {
		p.errors++
	}
	p.mu.Unlock()
}
