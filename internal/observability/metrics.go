package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionReconnectAttempts counts reconnect attempts by outcome.
	SessionReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_session_reconnect_attempts_total",
		Help: "Total number of transport session reconnect attempts by outcome",
	}, []string{"outcome"})

	// SessionEmitsDropped counts emits dropped while the session was disconnected.
	SessionEmitsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_session_emits_dropped_total",
		Help: "Total number of emits dropped while disconnected",
	}, []string{"event"})

	// SessionEventsReceived counts inbound events by name.
	SessionEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_session_events_received_total",
		Help: "Total inbound transport events by event name",
	}, []string{"event"})

	// DuplicateMessagesSuppressed counts message:new events discarded by the
	// per-conversation seen-ID check.
	DuplicateMessagesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_duplicate_messages_suppressed_total",
		Help: "Total duplicate inbound messages suppressed by ID",
	})

	// PendingSendTimeouts counts optimistic sends that never received an echo.
	PendingSendTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_pending_send_timeouts_total",
		Help: "Total optimistic sends marked failed after the confirmation window",
	})

	// TypingExpiries counts typing indicators cleared by local timeout rather
	// than an explicit stop event.
	TypingExpiries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_typing_expiries_total",
		Help: "Total typing indicators cleared by timeout",
	})

	// CallTransitions counts call state machine transitions.
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_call_transitions_total",
		Help: "Total call state transitions by target state",
	}, []string{"state"})

	// WebSocketBackpressureDrops counts broker messages dropped due to
	// backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// BrokerConnectionsTotal is the gauge of active broker connections.
	BrokerConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatkit_broker_connections_total",
		Help: "Total number of active broker WebSocket connections",
	})

	// BrokerEventsTotal counts broker events by type.
	BrokerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_broker_events_total",
		Help: "Total broker events by type",
	}, []string{"event_type"})
)
