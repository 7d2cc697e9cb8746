// Package metrics holds the prometheus collectors incremented by the query
// pipeline. Exposition is the daemon's job; the core only records.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's collectors. A nil *Metrics is valid and
// records nothing, so tests can pass nil without wiring a registry.
type Metrics struct {
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheStaleServes *prometheus.CounterVec
	CacheCoalesced   *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec

	RateAdmitted *prometheus.CounterVec
	RateDenied   *prometheus.CounterVec

	FetchLatency  *prometheus.HistogramVec
	ActiveFetches prometheus.Gauge

	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// New registers all collectors on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_cache_hits_total",
			Help: "Cache hits by source.",
		}, []string{"source"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_cache_misses_total",
			Help: "Cache misses by source.",
		}, []string{"source"}),
		CacheStaleServes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_cache_stale_serves_total",
			Help: "Stale entries served under upstream failure, by source.",
		}, []string{"source"}),
		CacheCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_cache_coalesced_total",
			Help: "Fetches absorbed by single-flight coalescing, by source.",
		}, []string{"source"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_cache_evictions_total",
			Help: "Entries dropped by the TTL sweep, by tenant; LRU capacity evictions are not counted.",
		}, []string{"tenant"}),
		RateAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_rate_admitted_total",
			Help: "Token bucket admissions by source.",
		}, []string{"source"}),
		RateDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_rate_denied_total",
			Help: "Token bucket rejections by source.",
		}, []string{"source"}),
		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omnisql_fetch_duration_seconds",
			Help:    "Connector fetch latency by source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		ActiveFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omnisql_active_fetches",
			Help: "Fetch tasks currently in flight.",
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omnisql_query_duration_seconds",
			Help:    "End-to-end query latency by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnisql_query_errors_total",
			Help: "Query failures by error code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheStaleServes, m.CacheCoalesced,
		m.CacheEvictions, m.RateAdmitted, m.RateDenied, m.FetchLatency,
		m.ActiveFetches, m.QueryDuration, m.QueryErrors,
	)
	return m
}

// IncCacheHit records a cache hit. All Inc* helpers are nil-safe.
func (m *Metrics) IncCacheHit(source string) {
	if m != nil {
		m.CacheHits.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncCacheMiss(source string) {
	if m != nil {
		m.CacheMisses.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncStaleServe(source string) {
	if m != nil {
		m.CacheStaleServes.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncCoalesced(source string) {
	if m != nil {
		m.CacheCoalesced.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncEviction(tenant string) {
	if m != nil {
		m.CacheEvictions.WithLabelValues(tenant).Inc()
	}
}

func (m *Metrics) IncRateAdmitted(source string) {
	if m != nil {
		m.RateAdmitted.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncRateDenied(source string) {
	if m != nil {
		m.RateDenied.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) ObserveFetch(source string, seconds float64) {
	if m != nil {
		m.FetchLatency.WithLabelValues(source).Observe(seconds)
	}
}

func (m *Metrics) FetchStarted() {
	if m != nil {
		m.ActiveFetches.Inc()
	}
}

func (m *Metrics) FetchDone() {
	if m != nil {
		m.ActiveFetches.Dec()
	}
}

func (m *Metrics) ObserveQuery(outcome string, seconds float64) {
	if m != nil {
		m.QueryDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func (m *Metrics) IncQueryError(code string) {
	if m != nil {
		m.QueryErrors.WithLabelValues(code).Inc()
	}
}
