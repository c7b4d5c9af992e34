package engine

import (
	"time"

	"github.com/plantops/qhist/buffer"
	"github.com/plantops/qhist/historian"
	"github.com/plantops/qhist/monitor"
	"github.com/plantops/qhist/poll"
	"github.com/plantops/qhist/pool"
)

// Health is the engine's operational snapshot for the health endpoint.
type Health struct {
	Ring        buffer.RingStats          `json:"buffer"`
	QueueDepth  int                       `json:"queueDepth"`
	QueueCap    int                       `json:"queueCapacity"`
	Distributor buffer.DistributorStats   `json:"distributor"`
	Writer      historian.MetricsSnapshot `json:"writer"`
	Pools       []pool.Stats              `json:"pools"`
	BackupFiles int64                     `json:"csvBackupFiles"`
	BackupBytes int64                     `json:"csvBackupBytes"`
	Monitors    int                       `json:"monitorClients"`
}

// Health snapshots the pipeline's counters.
func (e *Engine) Health() Health {
	files, bytes := e.writer.BackupStats()
	return Health{
		Ring:        e.ring.Stats(),
		QueueDepth:  e.queue.Size(),
		QueueCap:    e.queue.Cap(),
		Distributor: e.dist.Stats(),
		Writer:      e.writer.Metrics().Snapshot(),
		Pools:       e.pools.AllStats(),
		BackupFiles: files,
		BackupBytes: bytes,
		Monitors:    e.hub.ClientCount(),
	}
}

// deriveEquipmentStatus is the default status mapping: pool connectivity
// plus worker states per PLC. Operators replace it via Options.Derive
// when status tags carry richer machine semantics.
func (e *Engine) deriveEquipmentStatus() []monitor.EquipmentStatus {
	now := time.Now()

	byPLC := make(map[string][]poll.Status)
	for _, st := range e.StatusAll() {
		byPLC[st.PLCCode] = append(byPLC[st.PLCCode], st)
	}

	out := make([]monitor.EquipmentStatus, 0, len(e.cfg.PLCs))
	for _, plc := range e.cfg.ActivePLCs() {
		st := monitor.EquipmentStatus{PLCCode: plc.Code, UpdatedAt: now}

		if ps, ok := e.pools.PoolStats(plc.Code); !ok || ps.Total == 0 {
			st.State = monitor.StateDisconnected
			st.Detail = "no live connections"
			out = append(out, st)
			continue
		}

		var running, errored, polled bool
		for _, g := range byPLC[plc.Code] {
			switch g.State {
			case poll.StateRunning:
				running = true
				if !g.LastPollTime.IsZero() && now.Sub(g.LastPollTime) < 10*time.Second {
					polled = true
				}
			case poll.StateError:
				errored = true
			}
		}

		switch {
		case errored:
			st.State = monitor.StateError
		case running && polled:
			st.State = monitor.StateRunning
		case running:
			st.State = monitor.StateIdle
		default:
			st.State = monitor.StateStopped
		}
		out = append(out, st)
	}
	return out
}

// metricsLoop mirrors pipeline gauges and counter deltas into Prometheus
// once per second.
func (e *Engine) metricsLoop() {
	defer e.wg.Done()

	col := e.opts.Collectors
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var prevOverflows int64
	var prevDrops map[string]int64
	var prevBatchOK, prevBatchFail, prevBackups int64
	prevPolls := make(map[string]int64)
	prevErrors := make(map[string]int64)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			col.QueueDepth.Set(float64(e.queue.Size()))

			rs := e.ring.Stats()
			col.BufferUtilized.Set(rs.Utilization)
			if d := rs.OverflowCount - prevOverflows; d > 0 {
				col.BufferOverflows.Add(float64(d))
			}
			prevOverflows = rs.OverflowCount

			ds := e.dist.Stats()
			if prevDrops == nil {
				prevDrops = make(map[string]int64, len(ds.Outputs))
			}
			for _, o := range ds.Outputs {
				if d := o.Dropped - prevDrops[o.Name]; d > 0 {
					col.DistributorDrops.WithLabelValues(o.Name).Add(float64(d))
				}
				prevDrops[o.Name] = o.Dropped
			}

			ws := e.writer.Metrics().Snapshot()
			if d := ws.SuccessfulWrites - prevBatchOK; d > 0 {
				col.WriterBatches.WithLabelValues("success").Add(float64(d))
			}
			prevBatchOK = ws.SuccessfulWrites
			if d := ws.FailedWrites - prevBatchFail; d > 0 {
				col.WriterBatches.WithLabelValues("failure").Add(float64(d))
			}
			prevBatchFail = ws.FailedWrites

			files, _ := e.writer.BackupStats()
			if d := files - prevBackups; d > 0 {
				col.CSVBackups.Add(float64(d))
			}
			prevBackups = files

			for _, ps := range e.pools.AllStats() {
				col.PoolInUse.WithLabelValues(ps.PLCCode).Set(float64(ps.Active))
				col.PoolIdle.WithLabelValues(ps.PLCCode).Set(float64(ps.Idle))
			}
			col.MonitorClients.Set(float64(e.hub.ClientCount()))

			for _, st := range e.StatusAll() {
				if d := st.TotalPolls - prevPolls[st.GroupName]; d > 0 {
					col.PollsTotal.WithLabelValues(st.GroupName).Add(float64(d))
				}
				prevPolls[st.GroupName] = st.TotalPolls
				if d := st.ErrorCount - prevErrors[st.GroupName]; d > 0 {
					col.PollErrorsTotal.WithLabelValues(st.GroupName).Add(float64(d))
				}
				prevErrors[st.GroupName] = st.ErrorCount
			}
		}
	}
}
