package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fixer_dispatch"

var (
	SearchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "search_attempts_total", Help: "Match attempts by outcome"},
		[]string{"outcome"},
	)
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of matches"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from first find-work call to match"})
	ActiveSearches = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_searches", Help: "Requesters waiting for a fixer"})
	FixersOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "fixers_online", Help: "Number of online fixers seen by the availability pipeline"})

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "stage_transitions_total", Help: "Job stage transitions"},
		[]string{"from", "to"},
	)
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_jobs", Help: "Jobs held in memory and not yet archived"})

	ChannelConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "channel_connections", Help: "Open websocket connections"})
	ChannelAcks        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "channel_acks_total", Help: "Channel action acknowledgements"},
		[]string{"action", "status"},
	)
	PushFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_fallbacks_total", Help: "Events delivered through mobile push because no connection was live"},
		[]string{"result"},
	)
	ETARecomputeFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "eta_recompute_failures_total", Help: "Failed route recomputations"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
