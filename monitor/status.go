package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// EquipmentState is a derived per-machine condition.
type EquipmentState string

const (
	StateRunning      EquipmentState = "running"
	StateIdle         EquipmentState = "idle"
	StateStopped      EquipmentState = "stopped"
	StateError        EquipmentState = "error"
	StateDisconnected EquipmentState = "disconnected"
)

// EquipmentStatus is one machine's snapshot entry.
type EquipmentStatus struct {
	PLCCode     string         `json:"plcCode"`
	MachineCode string         `json:"machineCode,omitempty"`
	State       EquipmentState `json:"state"`
	Detail      string         `json:"detail,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// DeriveFunc computes the current equipment snapshot. The engine supplies
// it from tag values and connection health; the hub never hard-codes the
// mapping.
type DeriveFunc func() []EquipmentStatus

// StatusHub broadcasts the derived equipment snapshot on a fixed period.
// Broadcasting is skipped entirely while no client is connected.
type StatusHub struct {
	hub      *Hub
	derive   DeriveFunc
	interval time.Duration
	log      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewStatusHub returns a status hub pushing snapshots every interval
// (default 1s).
func NewStatusHub(derive DeriveFunc, interval time.Duration, log *slog.Logger) *StatusHub {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &StatusHub{
		hub:      NewHub(nil, log),
		derive:   derive,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// ServeHTTP attaches a client to the status feed.
func (s *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeHTTP(w, r)
}

// ClientCount returns the number of connected clients.
func (s *StatusHub) ClientCount() int { return s.hub.ClientCount() }

// Start launches the periodic snapshot loop and the inner hub, whose
// heartbeat keeps silent status clients alive.
func (s *StatusHub) Start() {
	s.hub.Start()
	go s.run()
}

// Stop halts the loop and disconnects clients.
func (s *StatusHub) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.hub.Stop()
}

func (s *StatusHub) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			snapshot := s.derive()
			data, err := json.Marshal(snapshot)
			if err != nil {
				s.log.Error("marshaling equipment snapshot", "error", err)
				continue
			}
			s.hub.broadcast(data)
		}
	}
}
