package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadklaw_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "squadklaw_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Directory metrics
	AgentsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadklaw_agents_registered_total",
			Help: "Total agent registrations",
		},
		[]string{"kind"}, // "new" or "renewal"
	)

	AgentsUnregistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadklaw_agents_unregistered_total",
			Help: "Total agents removed by their owners",
		},
	)

	RegistrationsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadklaw_registrations_purged_total",
			Help: "Total expired registrations purged",
		},
	)

	DirectoryQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadklaw_directory_queries_total",
			Help: "Total directory queries",
		},
	)

	// Protocol metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadklaw_messages_received_total",
			Help: "Inbound protocol messages by outcome",
		},
		[]string{"intent", "outcome"}, // outcome is "accepted" or an error code
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadklaw_messages_sent_total",
			Help: "Outbound protocol messages",
		},
		[]string{"intent"},
	)

	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadklaw_delivery_retries_total",
			Help: "Outbound deliveries attempted again after a retryable failure",
		},
	)

	ConversationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadklaw_conversations_expired_total",
			Help: "Conversations moved to expired after going idle",
		},
	)

	ApprovalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadklaw_approval_requests_total",
			Help: "Owner approval requests by result",
		},
		[]string{"result"}, // "approved", "denied", "timeout", "no_owner"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadklaw_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadklaw_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)
)
