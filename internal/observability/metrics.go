package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the service's Prometheus instruments.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested       *prometheus.CounterVec
	IngestDuration       prometheus.Histogram
	EventsPersisted      prometheus.Counter
	PersistBatches       prometheus.Counter
	WindowsProcessed     *prometheus.CounterVec
	LockContention       prometheus.Counter
	LateEventsStaged     prometheus.Counter
	LateEventsReconciled prometheus.Counter
	BufferDepth          prometheus.Gauge
}

// NewMetrics builds a registry with the service instruments plus the standard
// Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_events_ingested_total",
			Help: "Ingested usage events by outcome (processed, late, rejected).",
		}, []string{"outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metering_ingest_duration_seconds",
			Help:    "Hot-path ingestion latency.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_events_persisted_total",
			Help: "Buffered events written to Postgres.",
		}),
		PersistBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_persist_batches_total",
			Help: "Persistence batches flushed.",
		}),
		WindowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_windows_processed_total",
			Help: "Aggregation windows by outcome (created, skipped, error).",
		}, []string{"outcome"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_lock_contention_total",
			Help: "Window lock acquisitions that timed out under contention.",
		}),
		LateEventsStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_late_events_staged_total",
			Help: "Events detected past the late threshold and staged.",
		}),
		LateEventsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_late_events_reconciled_total",
			Help: "Staged late events folded into their windows.",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metering_buffer_depth",
			Help: "Events currently pending in the Redis buffer.",
		}),
	}

	reg.MustRegister(
		m.EventsIngested,
		m.IngestDuration,
		m.EventsPersisted,
		m.PersistBatches,
		m.WindowsProcessed,
		m.LockContention,
		m.LateEventsStaged,
		m.LateEventsReconciled,
		m.BufferDepth,
	)
	return m
}
