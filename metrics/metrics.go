// Package metrics exposes the collector's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every qhist metric. Construct once, register once,
// and hand the value to the components that record into it.
type Collectors struct {
	PollsTotal       *prometheus.CounterVec
	PollErrorsTotal  *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
	BufferUtilized   prometheus.Gauge
	BufferOverflows  prometheus.Counter
	DistributorDrops *prometheus.CounterVec
	WriterBatches    *prometheus.CounterVec
	WriterLatency    prometheus.Histogram
	CSVBackups       prometheus.Counter
	PoolInUse        *prometheus.GaugeVec
	PoolIdle         *prometheus.GaugeVec
	MonitorClients   prometheus.Gauge
}

// New builds the collector set under the qhist namespace.
func New() *Collectors {
	return &Collectors{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qhist", Name: "polls_total",
			Help: "Polls executed per group.",
		}, []string{"group"}),
		PollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qhist", Name: "poll_errors_total",
			Help: "Failed polls per group.",
		}, []string{"group"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qhist", Name: "poll_duration_seconds",
			Help:    "Poll round-trip time per group.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"group"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qhist", Name: "queue_depth",
			Help: "Samples waiting in the data queue.",
		}),
		BufferUtilized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qhist", Name: "buffer_utilization",
			Help: "Reading buffer occupancy fraction.",
		}),
		BufferOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qhist", Name: "buffer_overflows_total",
			Help: "Readings evicted from a full buffer.",
		}),
		DistributorDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qhist", Name: "distributor_drops_total",
			Help: "Samples dropped per distributor output.",
		}, []string{"output"}),
		WriterBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qhist", Name: "writer_batches_total",
			Help: "Historian batches by result.",
		}, []string{"result"}),
		WriterLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qhist", Name: "writer_latency_seconds",
			Help:    "Historian batch write latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		CSVBackups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qhist", Name: "csv_backups_total",
			Help: "Batches demoted to CSV backup files.",
		}),
		PoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qhist", Name: "pool_in_use",
			Help: "Checked-out PLC clients per pool.",
		}, []string{"plc"}),
		PoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qhist", Name: "pool_idle",
			Help: "Idle PLC clients per pool.",
		}, []string{"plc"}),
		MonitorClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qhist", Name: "monitor_clients",
			Help: "Connected WebSocket monitors.",
		}),
	}
}

// Register attaches every collector to the registry.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.PollsTotal, c.PollErrorsTotal, c.PollDuration,
		c.QueueDepth, c.BufferUtilized, c.BufferOverflows,
		c.DistributorDrops, c.WriterBatches, c.WriterLatency,
		c.CSVBackups, c.PoolInUse, c.PoolIdle, c.MonitorClients,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
