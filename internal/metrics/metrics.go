// Package metrics defines the Prometheus collectors exported by each role.
//
// Every constructor takes the Registerer to attach to. Passing nil leaves
// the collectors unregistered, which is what tests usually want.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "airgrid"

// Traffic classes used as label values.
const (
	ClassIngestion = "ingestion"
	ClassQuery     = "query"
)

// RegistryMetrics instruments the membership registry.
type RegistryMetrics struct {
	Registrations prometheus.Counter
	Members       prometheus.Gauge
	ConnErrors    *prometheus.CounterVec
}

func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Registrations accepted, duplicates included.",
		}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "members",
			Help:      "Entries in the membership history.",
		}),
		ConnErrors: connErrors("registry"),
	}
	register(reg, m.Registrations, m.Members, m.ConnErrors)
	return m
}

// CoordinatorMetrics instruments dispatch and correlation.
type CoordinatorMetrics struct {
	Dispatched     *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	Acks           prometheus.Counter
	QueryResponses prometheus.Counter
	Pending        *prometheus.GaugeVec
	Workers        prometheus.Gauge
	HealthyWorkers prometheus.Gauge
	AckLatency     prometheus.Histogram
	ConnErrors     *prometheus.CounterVec
}

func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	m := &CoordinatorMetrics{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "dispatched_total",
			Help:      "Requests forwarded to a worker, by traffic class.",
		}, []string{"class"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "dropped_total",
			Help:      "Requests lost because no worker was known or forwarding failed.",
		}, []string{"class"}),
		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "acks_total",
			Help:      "Ingestion acknowledgments received.",
		}),
		QueryResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "query_responses_total",
			Help:      "Query responses received from workers.",
		}),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "pending",
			Help:      "Forwarded requests still waiting for their ack or response.",
		}, []string{"class"}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "workers",
			Help:      "Worker addresses in the dispatch rotation.",
		}),
		HealthyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "healthy_workers",
			Help:      "Workers that answered the last probe.",
		}),
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "ack_latency_seconds",
			Help:      "Time from forwarding a batch to receiving its acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ConnErrors: connErrors("coordinator"),
	}
	register(reg, m.Dispatched, m.Dropped, m.Acks, m.QueryResponses, m.Pending,
		m.Workers, m.HealthyWorkers, m.AckLatency, m.ConnErrors)
	return m
}

// WorkerMetrics instruments a worker's partition and query engine.
type WorkerMetrics struct {
	RowsStored  prometheus.Counter
	Rows        prometheus.Gauge
	Queries     *prometheus.CounterVec
	RowsSkipped prometheus.Counter
	AckFailures prometheus.Counter
	ConnErrors  *prometheus.CounterVec
}

func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		RowsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rows_stored_total",
			Help:      "Rows appended to the partition.",
		}),
		Rows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rows",
			Help:      "Rows currently held in the partition.",
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queries_total",
			Help:      "Aggregate queries evaluated, by query type.",
		}, []string{"type"}),
		RowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rows_skipped_total",
			Help:      "Rows excluded from an aggregate because their value or area was unusable.",
		}),
		AckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "ack_failures_total",
			Help:      "Acknowledgments or query responses that could not be delivered.",
		}),
		ConnErrors: connErrors("worker"),
	}
	register(reg, m.RowsStored, m.Rows, m.Queries, m.RowsSkipped, m.AckFailures, m.ConnErrors)
	return m
}

// ConnErrorHook adapts a connection error counter to cluster.Server.OnError.
func ConnErrorHook(vec *prometheus.CounterVec) func(kind string) {
	return func(kind string) {
		vec.WithLabelValues(kind).Inc()
	}
}

func connErrors(subsystem string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "conn_errors_total",
		Help:      "Connections dropped at the boundary, by error kind.",
	}, []string{"kind"})
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) {
	if reg == nil {
		return
	}
	reg.MustRegister(cs...)
}
