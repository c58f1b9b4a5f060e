package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	UsersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_users_registered_total",
			Help: "Total users registered",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Total encrypted messages stored",
		},
	)

	MessagesExpiredHidden = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_expired_hidden_total",
			Help: "Messages left out of a listing because their TTL elapsed",
		},
	)

	FilesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_files_sent_total",
			Help: "Total encrypted files stored",
		},
	)

	SearchQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_search_queries_total",
			Help: "Total user search queries",
		},
	)

	// Signal queue metrics
	SignalsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_signals_submitted_total",
			Help: "Total call signals queued",
		},
		[]string{"kind"},
	)

	SignalsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_signals_delivered_total",
			Help: "Total call signals claimed by their recipient",
		},
		[]string{"kind"},
	)

	SignalsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_signals_swept_total",
			Help: "Total call signals deleted for exceeding the retention window",
		},
		[]string{"source"}, // "poll" or "background"
	)

	CorruptSignals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_signals_corrupt_total",
			Help: "Stored signal payloads that failed to decode",
		},
	)

	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_stream_connections",
			Help: "Open /call/stream WebSocket connections",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_latency_seconds",
			Help:    "Record store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"op"},
	)
)
