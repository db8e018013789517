package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	taskIDKey    contextKey = "task_id"
	clientIDKey  contextKey = "client_id"
	requestIDKey contextKey = "request_id"
)

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from the context, or a nop logger if none
// is stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return NewNop()
}

// WithTaskID tags the context with an ingestion task identifier.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithClientID tags the context with a tenant identifier.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// WithRequestID tags the context with an HTTP request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// TaskID returns the task identifier stored in the context, if any.
func TaskID(ctx context.Context) string {
	s, _ := ctx.Value(taskIDKey).(string)
	return s
}

// ClientID returns the tenant identifier stored in the context, if any.
func ClientID(ctx context.Context) string {
	s, _ := ctx.Value(clientIDKey).(string)
	return s
}

// ContextFields extracts correlation fields from the context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	if v, ok := ctx.Value(clientIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("client_id", v))
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	return fields
}
