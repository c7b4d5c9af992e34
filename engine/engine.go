// Package engine composes the collection pipeline: pooled PLC clients,
// per-group polling workers, the sample queue and distributor, the
// reading ring, the historian writer, and the monitor hubs. The Engine is
// an explicit value with injected dependencies; there is no process-wide
// singleton.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plantops/qhist/buffer"
	"github.com/plantops/qhist/cache"
	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/faillog"
	"github.com/plantops/qhist/historian"
	"github.com/plantops/qhist/kafka"
	"github.com/plantops/qhist/mc3e"
	"github.com/plantops/qhist/metrics"
	"github.com/plantops/qhist/monitor"
	"github.com/plantops/qhist/mqtt"
	"github.com/plantops/qhist/poll"
	"github.com/plantops/qhist/pool"
	"github.com/plantops/qhist/valkey"
)

var (
	// ErrMaxGroups means the configured concurrent-group ceiling is
	// already reached.
	ErrMaxGroups = errors.New("engine: max polling groups reached")

	// ErrUnknownGroup means no worker exists for the given id or name.
	ErrUnknownGroup = errors.New("engine: unknown group")

	// ErrNotInitialized is returned by lifecycle calls before Initialize.
	ErrNotInitialized = errors.New("engine: not initialized")
)

// Options are the engine's injected dependencies. Store is required;
// ClientFactory defaults to real MC protocol clients.
type Options struct {
	Store historian.Store

	// ClientFactory builds one PLC client; tests inject fakes.
	ClientFactory func(plc config.PLCConn) pool.Client

	// Derive overrides the default equipment-status derivation.
	Derive monitor.DeriveFunc

	// Collectors receives gauge updates when set.
	Collectors *metrics.Collectors

	Log *slog.Logger
}

// Engine owns the pipeline components and the workers' lifecycle.
type Engine struct {
	cfg  *config.Config
	opts Options
	log  *slog.Logger

	pools    *pool.Manager
	cache    *cache.Cache
	queue    *buffer.Queue
	dist     *buffer.Distributor
	ring     *buffer.Ring
	writer   *historian.Writer
	failures *faillog.Logger
	hub      *monitor.Hub
	status   *monitor.StatusHub

	mqttPub   *mqtt.Publisher
	kafkaPub  *kafka.Publisher
	valkeyPub *valkey.Publisher

	mu          sync.Mutex
	workers     map[int]*poll.Worker
	initialized bool
	started     bool

	expansionIn <-chan *poll.Sample
	stopCh      chan struct{}
	wg          sync.WaitGroup

	shutdownOnce sync.Once
}

// New returns an unconstructed engine; call Initialize before anything
// else.
func New(cfg *config.Config, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		opts:    opts,
		log:     log,
		workers: make(map[int]*poll.Worker),
		stopCh:  make(chan struct{}),
	}
}

// defaultClientFactory dials real PLCs.
func defaultClientFactory(plc config.PLCConn) pool.Client {
	return mc3e.NewClient(plc.Host,
		mc3e.WithPort(plc.Port),
		mc3e.WithConnectTimeout(plc.ConnectTimeout()),
		mc3e.WithReadTimeout(plc.ReadTimeout()))
}

// Initialize builds every component from the configuration snapshot:
// pools for active PLCs, the queue/distributor/ring, the writer, hubs,
// optional publishers, and one stopped worker per active group. It does
// not start polling.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}
	if e.opts.Store == nil {
		return fmt.Errorf("%w: historian store required", config.ErrInvalid)
	}

	factory := e.opts.ClientFactory
	if factory == nil {
		factory = defaultClientFactory
	}

	e.pools = pool.NewManager(pool.Settings{
		MaxClients:  e.cfg.PLCDefaults.PoolSize,
		IdleTimeout: time.Duration(e.cfg.PLCDefaults.IdleTimeoutSec) * time.Second,
	})
	for _, plc := range e.cfg.ActivePLCs() {
		p := plc
		e.pools.Register(p.Code, func() pool.Client { return factory(p) })
	}

	e.cache = cache.New()
	seeded := e.cache.LoadSnapshot(e.cfg.Tags)
	e.log.Info("last-value cache seeded", "entries", seeded)

	e.queue = buffer.NewQueue(e.cfg.Polling.QueueSize)
	e.dist = buffer.NewDistributor(e.queue, e.log)
	e.ring = buffer.NewRing(e.cfg.Buffer.MaxSize, e.log)

	e.expansionIn = e.dist.Register("historian", 2000).C()
	e.hub = monitor.NewHub(e.dist.Register("monitor", 1000).C(), e.log)

	derive := e.opts.Derive
	if derive == nil {
		derive = e.deriveEquipmentStatus
	}
	e.status = monitor.NewStatusHub(derive, e.cfg.Polling.BroadcastInterval(), e.log)

	if e.cfg.MQTT.Enabled {
		e.mqttPub = mqtt.NewPublisher(e.cfg.MQTT, e.dist.Register("mqtt", 1000).C(), e.log)
	}
	if e.cfg.Kafka.Enabled {
		e.kafkaPub = kafka.NewPublisher(e.cfg.Kafka, e.dist.Register("kafka", 1000).C(), e.log)
	}
	if e.cfg.Valkey.Enabled {
		e.valkeyPub = valkey.NewPublisher(e.cfg.Valkey, e.dist.Register("valkey", 1000).C(), derive, e.log)
	}

	backup := historian.NewCSVBackup(e.cfg.Buffer.BackupPath)
	e.writer = historian.NewWriter(e.ring, e.opts.Store, e.cache, backup,
		historian.SettingsFromConfig(e.cfg.Buffer, e.log), e.log)
	if col := e.opts.Collectors; col != nil {
		e.writer.SetLatencyObserver(func(latency time.Duration) {
			col.WriterLatency.Observe(latency.Seconds())
		})
	}

	e.failures = faillog.New(e.cfg.FailureLog.Dir, e.cfg.FailureLog.RetentionDays, e.log)

	for _, g := range e.cfg.ActiveGroups() {
		w := poll.NewWorker(g,
			e.cfg.LogModesForGroup(g),
			e.cfg.MachineCodesForGroup(g),
			e.pools, e.queue, e.failures, e.log)
		w.SetHealer(e.pools)
		if col := e.opts.Collectors; col != nil {
			name := g.Name
			w.SetDurationObserver(func(seconds float64) {
				col.PollDuration.WithLabelValues(name).Observe(seconds)
			})
		}
		e.workers[g.ID] = w
	}

	e.initialized = true
	e.log.Info("engine initialized",
		"plcs", len(e.cfg.ActivePLCs()), "groups", len(e.workers))
	return nil
}

// Start launches the pipeline goroutines. Polling groups stay stopped
// until StartGroup or StartAll.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	if e.started {
		return nil
	}

	e.dist.Start()
	e.writer.Start()
	e.hub.Start()
	e.status.Start()
	e.failures.StartSweeper()

	e.wg.Add(1)
	go e.expansionLoop()

	if e.opts.Collectors != nil {
		e.wg.Add(1)
		go e.metricsLoop()
	}

	if e.mqttPub != nil {
		if err := e.mqttPub.Start(); err != nil {
			e.log.Error("mqtt publisher disabled", "error", err)
			e.mqttPub = nil
		}
	}
	if e.kafkaPub != nil {
		if err := e.kafkaPub.Start(); err != nil {
			e.log.Error("kafka publisher disabled", "error", err)
			e.kafkaPub = nil
		}
	}
	if e.valkeyPub != nil {
		if err := e.valkeyPub.Start(); err != nil {
			e.log.Error("valkey publisher disabled", "error", err)
			e.valkeyPub = nil
		}
	}

	e.started = true
	return nil
}

// expansionLoop flattens every sample from the historian output into the
// ring. One bad sample never breaks the loop.
func (e *Engine) expansionLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			// Drain whatever the distributor already delivered.
			for {
				select {
				case s := <-e.expansionIn:
					e.expandOne(s)
				default:
					return
				}
			}
		case s := <-e.expansionIn:
			e.expandOne(s)
		}
	}
}

func (e *Engine) expandOne(s *poll.Sample) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("sample expansion fault", "group", s.GroupName, "panic", r)
		}
	}()
	for _, r := range buffer.ExpandSample(s) {
		e.ring.Put(r)
	}
}

// MonitorHub returns the sample WebSocket hub for route registration.
func (e *Engine) MonitorHub() *monitor.Hub { return e.hub }

// StatusHub returns the equipment-status WebSocket hub.
func (e *Engine) StatusHub() *monitor.StatusHub { return e.status }

// Shutdown stops everything in pipeline order: workers first, then the
// distributor and expansion, then the writer (which drains the ring and
// closes the store), hubs, publishers, pools. Idempotent.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		e.log.Info("engine shutting down")

		e.StopAll(5 * time.Second)

		e.mu.Lock()
		started := e.started
		e.started = false
		e.mu.Unlock()

		if !started {
			return
		}

		e.queue.Close()
		e.dist.Stop()
		close(e.stopCh)
		e.wg.Wait()

		e.writer.Stop()
		e.hub.Stop()
		e.status.Stop()
		if e.mqttPub != nil {
			e.mqttPub.Stop()
		}
		if e.kafkaPub != nil {
			e.kafkaPub.Stop()
		}
		if e.valkeyPub != nil {
			e.valkeyPub.Stop()
		}
		e.failures.Stop()
		e.pools.Close()

		e.log.Info("engine stopped")
	})
}
