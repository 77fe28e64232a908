package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics exports monitor state through a prometheus registerer.
type promMetrics struct {
	operations           *prometheus.CounterVec
	filesProcessed       prometheus.Counter
	entitiesWritten      prometheus.Counter
	relationshipsWritten prometheus.Counter
	syncErrors           prometheus.Counter
	conflicts            prometheus.Counter
	alerts               *prometheus.CounterVec
	queueDepth           prometheus.Gauge
	activeOps            prometheus.Gauge
	healthState          prometheus.Gauge
	heapBytes            prometheus.Gauge
	stageSeconds         *prometheus.SummaryVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg", Subsystem: "sync", Name: "operations_total",
			Help: "Sync operations by final status.",
		}, []string{"status"}),
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ckg", Subsystem: "sync", Name: "files_processed_total",
			Help: "Files run through the pipeline.",
		}),
		entitiesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ckg", Subsystem: "graph", Name: "entities_written_total",
			Help: "Entity upserts committed.",
		}),
		relationshipsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ckg", Subsystem: "graph", Name: "relationships_written_total",
			Help: "Relationship upserts committed.",
		}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ckg", Subsystem: "sync", Name: "errors_total",
			Help: "Pipeline failures.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ckg", Subsystem: "sync", Name: "conflicts_total",
			Help: "Entity conflicts detected during commit.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg", Subsystem: "monitor", Name: "alerts_total",
			Help: "Alerts triggered by level.",
		}, []string{"level"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ckg", Subsystem: "sync", Name: "queue_depth",
			Help: "Pending events in the work queue.",
		}),
		activeOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ckg", Subsystem: "sync", Name: "active_operations",
			Help: "Operations currently running.",
		}),
		healthState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ckg", Subsystem: "monitor", Name: "health_state",
			Help: "Derived health: 0 healthy, 1 degraded, 2 unhealthy.",
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ckg", Subsystem: "monitor", Name: "heap_bytes",
			Help: "Heap memory in use, sampled at each health check.",
		}),
		stageSeconds: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "ckg", Subsystem: "sync", Name: "stage_duration_seconds",
			Help: "Pipeline stage timings.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.operations, m.filesProcessed, m.entitiesWritten,
			m.relationshipsWritten, m.syncErrors, m.conflicts, m.alerts,
			m.queueDepth, m.activeOps, m.healthState, m.heapBytes,
			m.stageSeconds,
		)
	}
	return m
}

func healthGaugeValue(s HealthState) float64 {
	switch s {
	case HealthDegraded:
		return 1
	case HealthUnhealthy:
		return 2
	default:
		return 0
	}
}
