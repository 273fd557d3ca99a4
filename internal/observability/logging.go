// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the client core.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// CorrelationID is the context key carrying a per-operation correlation ID.
const CorrelationID LogContextKey = "correlation_id"

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id := ctx.Value(CorrelationID); id != nil {
		return id.(string)
	}
	return ""
}

// SessionLogger provides structured logging for transport session events.
type SessionLogger struct {
	logger *Logger
}

// NewSessionLogger creates a new SessionLogger.
func NewSessionLogger() *SessionLogger {
	return &SessionLogger{logger: GlobalLogger}
}

// LogConnect logs a session connect event.
func (l *SessionLogger) LogConnect(ctx context.Context, url string) {
	l.logger.InfoContext(ctx, "session connected",
		slog.String("url", url),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogDisconnect logs a session disconnect event with a reason.
func (l *SessionLogger) LogDisconnect(ctx context.Context, reason string) {
	l.logger.InfoContext(ctx, "session disconnected",
		slog.String("reason", reason),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogReconnectAttempt logs a reconnect attempt.
func (l *SessionLogger) LogReconnectAttempt(ctx context.Context, attempt int, err error) {
	attrs := []any{
		slog.Int("attempt", attempt),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.WarnContext(ctx, "session reconnect attempt", attrs...)
}

// LogDroppedEmit logs an emit dropped while disconnected.
func (l *SessionLogger) LogDroppedEmit(ctx context.Context, event string) {
	l.logger.WarnContext(ctx, "emit dropped while disconnected",
		slog.String("event", event),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// StoreLogger provides structured logging for conversation store operations.
type StoreLogger struct {
	logger *Logger
}

// NewStoreLogger creates a new StoreLogger.
func NewStoreLogger() *StoreLogger {
	return &StoreLogger{logger: GlobalLogger}
}

// LogOperation logs a store operation with arbitrary fields.
func (l *StoreLogger) LogOperation(ctx context.Context, operation string, fields map[string]interface{}) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "store operation", attrs...)
}

// LogError logs a store operation failure.
func (l *StoreLogger) LogError(ctx context.Context, operation string, err error) {
	l.logger.ErrorContext(ctx, "store error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// CallLogger provides structured logging for call signaling.
type CallLogger struct {
	logger *Logger
}

// NewCallLogger creates a new CallLogger.
func NewCallLogger() *CallLogger {
	return &CallLogger{logger: GlobalLogger}
}

// LogTransition logs a call state transition.
func (l *CallLogger) LogTransition(ctx context.Context, roomID, from, to string) {
	l.logger.InfoContext(ctx, "call state transition",
		slog.String("room_id", roomID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogPeerEvent logs a peer-connection level event.
func (l *CallLogger) LogPeerEvent(ctx context.Context, roomID, peerID, event string) {
	l.logger.InfoContext(ctx, "call peer event",
		slog.String("room_id", roomID),
		slog.String("peer_id", peerID),
		slog.String("event", event),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogError logs a call signaling error.
func (l *CallLogger) LogError(ctx context.Context, roomID string, err error, eventType string) {
	l.logger.ErrorContext(ctx, "call error",
		slog.String("room_id", roomID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// WSLogger provides structured logging for broker hub operations.
type WSLogger struct {
	hubName string
	logger  *Logger
}

// NewWSLogger creates a new WSLogger for the given hub.
func NewWSLogger(hubName string) *WSLogger {
	return &WSLogger{
		hubName: hubName,
		logger:  GlobalLogger,
	}
}

// LogConnect logs a WebSocket connection event.
func (l *WSLogger) LogConnect(ctx context.Context, userID string, roomID string) {
	l.logger.InfoContext(ctx, "websocket connected",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("room_id", roomID),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogDisconnect logs a WebSocket disconnection event.
func (l *WSLogger) LogDisconnect(ctx context.Context, userID string, roomID string, reason string) {
	l.logger.InfoContext(ctx, "websocket disconnected",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("room_id", roomID),
		slog.String("reason", reason),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogError logs a WebSocket error event.
func (l *WSLogger) LogError(ctx context.Context, userID string, roomID string, err error, eventType string) {
	l.logger.ErrorContext(ctx, "websocket error",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("room_id", roomID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}
