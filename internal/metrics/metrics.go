// Package metrics wires the counters and gauges every other component
// updates as queries flow through: received/answered totals by
// qtype/rcode/protocol, cache hit/miss by level, and upstream failure
// counts. It exposes only a Snapshot method; no HTTP handler is
// registered here or anywhere else in this module; a caller embedding
// this core into a larger service registers /metrics itself against the
// same prometheus.Registerer.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder collects the counters updated by the listener package (the
// Engine and the UDP listener). All fields are safe for concurrent use since the
// underlying prometheus vectors already serialize internally.
type Recorder struct {
	QueriesTotal       *prometheus.CounterVec
	CacheOperations    *prometheus.CounterVec
	UpstreamFailures   *prometheus.CounterVec
	NXDOMAINResponses  *prometheus.CounterVec
	SERVFAILResponses  *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	ActiveWorkers      prometheus.Gauge
}

// New registers a fresh set of vectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (as tests do) or
// prometheus.DefaultRegisterer to participate in a process-wide
// /metrics endpoint owned by the embedding application.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydns_queries_total",
			Help: "Total number of DNS queries processed, by query type, response code, and transport protocol.",
		}, []string{"qtype", "rcode", "protocol"}),

		CacheOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydns_cache_operations_total",
			Help: "Total cache lookups, by cache level (l1, l2) and result (hit, miss).",
		}, []string{"level", "result"}),

		UpstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydns_upstream_failures_total",
			Help: "Total upstream query failures, by upstream address and failure reason.",
		}, []string{"upstream", "reason"}),

		NXDOMAINResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydns_nxdomain_responses_total",
			Help: "Total NXDOMAIN responses sent, by source (authoritative, resolver).",
		}, []string{"source"}),

		SERVFAILResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydns_servfail_responses_total",
			Help: "Total SERVFAIL responses sent, by source (authoritative, resolver).",
		}, []string{"source"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaydns_query_duration_seconds",
			Help:    "Query processing latency, by answer source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaydns_active_udp_workers",
			Help: "Number of UDP worker goroutines currently processing a packet.",
		}),
	}
}

// Snapshot is a point-in-time view of the counters, gathered for
// logging or tests without exposing the underlying registry.
type Snapshot struct {
	QueriesReceived   float64
	CacheHits         float64
	CacheMisses       float64
	UpstreamFailures  float64
	NXDOMAINResponses float64
	SERVFAILResponses float64
}

// Snapshot sums every label combination of the relevant vectors into
// the flat counts a caller typically wants for a health line. Errors
// gathering a metric family are treated as zero rather than surfaced:
// a metrics read must never fail a query.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		QueriesReceived:   sumVec(r.QueriesTotal),
		CacheHits:         sumVecWhere(r.CacheOperations, "result", "hit"),
		CacheMisses:       sumVecWhere(r.CacheOperations, "result", "miss"),
		UpstreamFailures:  sumVec(r.UpstreamFailures),
		NXDOMAINResponses: sumVec(r.NXDOMAINResponses),
		SERVFAILResponses: sumVec(r.SERVFAILResponses),
	}
}

func sumVec(vec *prometheus.CounterVec) float64 {
	return sumVecWhere(vec, "", "")
}

func sumVecWhere(vec *prometheus.CounterVec, label, value string) float64 {
	metricCh := make(chan prometheus.Metric, 64)
	go func() {
		vec.Collect(metricCh)
		close(metricCh)
	}()

	var total float64
	for metric := range metricCh {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		if label != "" && !hasLabel(&m, label, value) {
			continue
		}
		if m.Counter != nil {
			total += m.Counter.GetValue()
		}
	}
	return total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}
