package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/plantops/qhist/poll"
)

// Output is one named downstream of the distributor. Each output has its
// own bounded channel; a full output drops samples for itself only, so a
// slow consumer never stalls its peers.
type Output struct {
	name    string
	ch      chan *poll.Sample
	dropped int64
}

// Name returns the output's registration name.
func (o *Output) Name() string { return o.name }

// C is the consumer side of the output.
func (o *Output) C() <-chan *poll.Sample { return o.ch }

// OutputStats is one output's drop accounting.
type OutputStats struct {
	Name     string `json:"name"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Dropped  int64  `json:"dropped"`
}

// DistributorStats is a snapshot of the fan-out counters.
type DistributorStats struct {
	Distributed int64         `json:"distributed"`
	Outputs     []OutputStats `json:"outputs"`
}

// Distributor drains the sample queue on a single goroutine and fans each
// sample out to every registered output. Register every output before
// Start.
type Distributor struct {
	queue *Queue
	log   *slog.Logger

	mu          sync.Mutex
	outputs     []*Output
	distributed int64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewDistributor returns a distributor over the given queue.
func NewDistributor(queue *Queue, log *slog.Logger) *Distributor {
	if log == nil {
		log = slog.Default()
	}
	return &Distributor{
		queue:  queue,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register adds a named output with its own capacity (default 1000) and
// returns it for the consumer to drain.
func (d *Distributor) Register(name string, capacity int) *Output {
	if capacity <= 0 {
		capacity = 1000
	}
	out := &Output{name: name, ch: make(chan *poll.Sample, capacity)}

	d.mu.Lock()
	d.outputs = append(d.outputs, out)
	d.mu.Unlock()

	d.log.Debug("distributor output registered", "output", name, "capacity", capacity)
	return out
}

// Start launches the fan-out loop.
func (d *Distributor) Start() {
	go d.run()
}

// Stop halts the loop and waits for it to exit. Output channels stay open;
// consumers observe their own stop signals.
func (d *Distributor) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *Distributor) run() {
	defer close(d.doneCh)

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		s, err := d.queue.Get(500 * time.Millisecond)
		if err != nil {
			if err == ErrQueueClosed {
				return
			}
			continue
		}
		d.dispatch(s)
	}
}

func (d *Distributor) dispatch(s *poll.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.distributed++
	for _, out := range d.outputs {
		select {
		case out.ch <- s:
		default:
			out.dropped++
			if out.dropped == 1 || out.dropped%1000 == 0 {
				d.log.Warn("distributor output full, dropping sample",
					"output", out.name, "dropped_total", out.dropped)
			}
		}
	}
}

// Stats snapshots the distribution counters.
func (d *Distributor) Stats() DistributorStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := DistributorStats{Distributed: d.distributed}
	for _, out := range d.outputs {
		st.Outputs = append(st.Outputs, OutputStats{
			Name:     out.name,
			Depth:    len(out.ch),
			Capacity: cap(out.ch),
			Dropped:  out.dropped,
		})
	}
	return st
}
