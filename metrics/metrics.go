package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts client commands by command name and resolved role
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cetus_query_total",
			Help: "Total number of client commands processed",
		},
		[]string{"command", "role"},
	)

	// QueryLatency tracks end-to-end command latency by command name
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cetus_query_latency_seconds",
			Help:    "Command latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// InjectionTotal counts reconciliation commands sent to backends by kind
	InjectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cetus_injection_total",
			Help: "Total reconciliation commands injected ahead of client commands",
		},
		[]string{"kind"},
	)

	// CacheHits counts query cache hits
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cetus_cache_hits_total",
			Help: "Total number of query cache hits",
		},
	)

	// CacheMisses counts query cache misses
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cetus_cache_misses_total",
			Help: "Total number of query cache misses",
		},
	)

	// BackendQueries counts commands sent to each backend
	BackendQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cetus_backend_queries_total",
			Help: "Total commands sent to each backend",
		},
		[]string{"backend"},
	)

	// PoolIdle tracks pooled idle connections per backend
	PoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cetus_pool_idle_connections",
			Help: "Idle connections currently pooled per backend",
		},
		[]string{"backend"},
	)

	// PoolRobbed counts pool reuses that required re-authentication
	PoolRobbed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cetus_pool_robbed_total",
			Help: "Pooled connections reused across users",
		},
	)

	// ClientConnections tracks currently open client connections
	ClientConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cetus_client_connections",
			Help: "Currently open client connections",
		},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(InjectionTotal)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(BackendQueries)
		prometheus.MustRegister(PoolIdle)
		prometheus.MustRegister(PoolRobbed)
		prometheus.MustRegister(ClientConnections)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
