// Package metrics registers the Prometheus metrics used by the response
// cache. Collectors are package-level and registered on import; the server
// entry point mounts promhttp.Handler() at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier and result label values for Lookups.
const (
	TierLocal   = "local"
	TierDurable = "durable"

	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Lookup metrics.
var (
	// Lookups counts cache lookups by tier ("local", "durable") and result
	// ("hit", "miss", "error").
	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examcache_lookups_total",
			Help: "Cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// Coalesced counts callers that joined another caller's in-flight request,
	// by kind and outcome ("value", "no_result", "timeout", "cancelled").
	Coalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examcache_coalesced_total",
			Help: "Requests served by waiting on an in-flight upstream call.",
		},
		[]string{"kind", "outcome"},
	)

	// InFlight tracks the number of upstream calls currently led by this process.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "examcache_inflight",
		Help: "Upstream calls currently in flight in this process.",
	})

	// TokensSaved accumulates the upstream token cost avoided by durable hits.
	TokensSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examcache_tokens_saved_total",
			Help: "Estimated upstream tokens saved by durable cache hits.",
		},
		[]string{"kind"},
	)
)

// Upstream metrics.
var (
	// UpstreamCalls counts completed upstream calls by kind, provider and
	// status ("success", "rate_limited", "provider_error", "timeout").
	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examcache_upstream_calls_total",
			Help: "Upstream provider calls by kind, provider and status.",
		},
		[]string{"kind", "provider", "status"},
	)

	// UpstreamDuration observes the latency of a full upstream call including
	// retries, in seconds.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examcache_upstream_duration_seconds",
			Help:    "Upstream call duration in seconds, retries included.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind", "provider"},
	)

	// UpstreamRetries counts retry attempts by kind and reason ("rate_limited").
	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examcache_upstream_retries_total",
			Help: "Upstream retry attempts by kind and reason.",
		},
		[]string{"kind", "reason"},
	)
)

// Durable store metrics.
var (
	// StoreWriteRetries counts write attempts retried because of contention.
	StoreWriteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examcache_store_write_retries_total",
			Help: "Durable store writes retried after contention.",
		},
		[]string{"backend"},
	)

	// StoreWritesAbandoned counts write-backs given up after all retries.
	StoreWritesAbandoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examcache_store_writes_abandoned_total",
			Help: "Durable store write-backs abandoned after retries.",
		},
		[]string{"backend"},
	)
)
