package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kvexplorer/kvexplorer/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Context keys for tracing
type contextKey string

const (
	TraceIDKey   contextKey = "trace_id"
	StartTimeKey contextKey = "start_time"
	OperationKey contextKey = "operation"
)

// TraceIDHeader echoes the request's trace ID back to the client
const TraceIDHeader = "X-Trace-ID"

// Tracing adds a trace ID and start time to the request context and records
// the latency of explorer operations in collector, which may be nil. A valid
// UUID in the client's X-Trace-ID header is kept as the trace ID.
func Tracing(collector *metrics.LatencyCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := requestTraceID(r)
			startTime := time.Now()
			operation := determineOperation(r)

			ctx := r.Context()
			ctx = context.WithValue(ctx, TraceIDKey, traceID)
			ctx = context.WithValue(ctx, StartTimeKey, startTime)
			ctx = context.WithValue(ctx, OperationKey, operation)

			w.Header().Set(TraceIDHeader, traceID)
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logrus.WithFields(logrus.Fields{
				"trace_id":  traceID,
				"method":    r.Method,
				"path":      r.URL.Path,
				"operation": operation,
			}).Debug("Request started")

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(startTime)
			success := wrapped.statusCode >= 200 && wrapped.statusCode < 400

			if collector != nil && operation != "" {
				collector.RecordLatency(operation, duration, success)
			}

			logrus.WithFields(logrus.Fields{
				"trace_id":    traceID,
				"operation":   operation,
				"duration_ms": duration.Milliseconds(),
				"status_code": wrapped.statusCode,
				"success":     success,
			}).Debug("Request completed")
		})
	}
}

func requestTraceID(r *http.Request) string {
	if id, err := uuid.Parse(r.Header.Get(TraceIDHeader)); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// determineOperation maps the request path to an explorer operation, or ""
// for requests that do not reach the store (preflights included)
func determineOperation(r *http.Request) metrics.Operation {
	if r.Method == http.MethodOptions {
		return ""
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/browse" || strings.HasPrefix(path, "/browse/"):
		return metrics.OpBrowse
	case strings.HasPrefix(path, "/delete/"):
		return metrics.OpDelete
	}
	switch path {
	case "/list":
		return metrics.OpList
	case "/get":
		return metrics.OpGet
	case "/set":
		return metrics.OpSet
	case "/delete":
		return metrics.OpDelete
	case "/children":
		return metrics.OpChildren
	case "/test-connection":
		return metrics.OpTestConnection
	}
	return ""
}

// GetTraceID extracts trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetStartTime extracts start time from context
func GetStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}

// GetOperation extracts operation from context
func GetOperation(ctx context.Context) metrics.Operation {
	if operation, ok := ctx.Value(OperationKey).(metrics.Operation); ok {
		return operation
	}
	return ""
}
