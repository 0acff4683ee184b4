package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// SessionState is 1 for the manager's current state and 0 for the rest.
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatlink_session_state",
			Help: "Current session lifecycle state (1 = active state)",
		},
		[]string{"state"},
	)

	// SessionDegraded is 1 once the restart attempt cap has been reached.
	SessionDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatlink_session_degraded",
			Help: "Whether the session manager gave up retrying (1 = degraded)",
		},
	)

	// LifecycleEventsTotal counts client lifecycle events by kind and whether they were applied.
	LifecycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_lifecycle_events_total",
			Help: "Client lifecycle events received by kind and outcome",
		},
		[]string{"event", "outcome"},
	)

	// LoginTokensIssued counts login tokens received from the client.
	LoginTokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlink_login_tokens_issued_total",
			Help: "Login tokens issued by the client",
		},
	)
)

// Restart metrics
var (
	// RestartsTotal counts restart sequences by trigger and result.
	RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_restarts_total",
			Help: "Restart sequences by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// RestartsDropped counts restart requests ignored because one was in flight.
	RestartsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlink_restarts_dropped_total",
			Help: "Restart requests dropped because a restart was already in flight",
		},
	)

	// RestartBackoffSeconds tracks the current retry delay.
	RestartBackoffSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatlink_restart_backoff_seconds",
			Help: "Current restart backoff delay in seconds",
		},
	)

	// RestartDuration tracks how long a restart sequence took.
	RestartDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatlink_restart_duration_seconds",
			Help:    "Restart sequence duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// ArtifactRemovalsTotal counts session-artifact removals by result.
	ArtifactRemovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_artifact_removals_total",
			Help: "Session artifact directory removals by result",
		},
		[]string{"result"},
	)
)

// Facade metrics
var (
	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatlink_websocket_clients",
			Help: "Connected WebSocket clients",
		},
	)

	// ClientOperationsTotal counts send/list calls by operation and result.
	ClientOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_client_operations_total",
			Help: "Forwarded client operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// StatusPublishErrors counts failed external status publications.
	StatusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlink_status_publish_errors_total",
			Help: "Failed status publications to Redis",
		},
	)
)
