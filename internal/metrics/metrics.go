package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycap_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cycap_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycap_messages_posted_total",
			Help: "Total chat messages posted",
		},
		[]string{"type"}, // "text" or "trade_alert"
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cycap_recent_cache_hits_total",
			Help: "Reads served from the recent-message cache",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cycap_recent_cache_misses_total",
			Help: "Reads that fell through to the durable store",
		},
	)

	CacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cycap_recent_cache_errors_total",
			Help: "Cache operations that failed and were degraded to a miss",
		},
	)

	FanoutPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cycap_fanout_publish_failures_total",
			Help: "Fan-out publishes that failed after a successful persist",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cycap_websocket_connections",
			Help: "Currently connected live chat viewers",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycap_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
