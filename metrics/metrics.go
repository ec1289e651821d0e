// Package metrics holds the Prometheus instrumentation for the query
// engine. Everything registers on a private registry so tests can create
// independent instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	QueriesTotal    *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	StaleServes     prometheus.Counter
	NegativeHits    *prometheus.CounterVec
	ChaosInjections prometheus.Counter
	RaceWins        *prometheus.CounterVec
	Prefetches      prometheus.Counter
	QueryDuration   *prometheus.HistogramVec
	CacheEntries    prometheus.GaugeFunc
}

// New builds and registers all collectors. cacheSize reports the current
// positive cache population for the gauge.
func New(cacheSize func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "queries_total",
			Help:      "Client queries received, by transport protocol.",
		}, []string{"proto"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "responses_total",
			Help:      "Responses sent, by rcode and source.",
		}, []string{"rcode", "source"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "cache_hits_total",
			Help:      "Fresh positive cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "cache_misses_total",
			Help:      "Positive cache misses.",
		}),
		StaleServes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "stale_serves_total",
			Help:      "Expired entries served within the grace window.",
		}),
		NegativeHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "negative_hits_total",
			Help:      "Negative cache hits, by origin (observed or speculative).",
		}, []string{"origin"}),
		ChaosInjections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "chaos_injections_total",
			Help:      "Queries answered SERVFAIL by the chaos gate.",
		}),
		RaceWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "upstream_race_wins_total",
			Help:      "Upstream race wins, by upstream name.",
		}, []string{"upstream"}),
		Prefetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nekodns",
			Name:      "prefetches_total",
			Help:      "Entries refreshed ahead of expiry by the prefetch sweeper.",
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nekodns",
			Name:      "query_duration_seconds",
			Help:      "Wall time from receipt to reply, by source.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"source"}),
	}
	if cacheSize != nil {
		m.CacheEntries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "nekodns",
			Name:      "cache_entries",
			Help:      "Entries currently held in the positive cache.",
		}, cacheSize)
		reg.MustRegister(m.CacheEntries)
	}
	reg.MustRegister(
		m.QueriesTotal,
		m.ResponsesTotal,
		m.CacheHits,
		m.CacheMisses,
		m.StaleServes,
		m.NegativeHits,
		m.ChaosInjections,
		m.RaceWins,
		m.Prefetches,
		m.QueryDuration,
	)
	return m
}
