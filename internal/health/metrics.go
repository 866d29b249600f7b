package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors ShareBox exposes on /metrics. It
// uses its own registry rather than the global default, mirroring the
// source metrics collector's isolated-registry pattern.
type Metrics struct {
	registry *prometheus.Registry

	SyncOps    *prometheus.CounterVec
	SyncErrors *prometheus.CounterVec
	QueueSize  prometheus.Gauge
	FilesTracked prometheus.Gauge
	LastSync   prometheus.Gauge
}

// NewMetrics registers and returns a fresh Metrics instance.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SyncOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharebox",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Total sync operations dispatched, by kind.",
		}, []string{"kind"}),
		SyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharebox",
			Subsystem: "sync",
			Name:      "errors_total",
			Help:      "Total sync operation failures, by kind.",
		}, []string{"kind"}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sharebox",
			Subsystem: "sync",
			Name:      "queue_size",
			Help:      "Current number of pending sync operations.",
		}),
		FilesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sharebox",
			Subsystem: "sync",
			Name:      "files_tracked",
			Help:      "Number of files present in the metadata store.",
		}),
		LastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sharebox",
			Subsystem: "sync",
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix timestamp of the most recent successful upload.",
		}),
	}

	registry.MustRegister(m.SyncOps, m.SyncErrors, m.QueueSize, m.FilesTracked, m.LastSync)
	return m
}

// RecordSuccess increments the operation counter for kind ("upload",
// "download", "delete").
func (m *Metrics) RecordSuccess(kind string) {
	m.SyncOps.WithLabelValues(kind).Inc()
}

// RecordFailure increments both the operation and error counters for kind.
func (m *Metrics) RecordFailure(kind string) {
	m.SyncOps.WithLabelValues(kind).Inc()
	m.SyncErrors.WithLabelValues(kind).Inc()
}
