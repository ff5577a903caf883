package middleware

import (
	"net/http"
	"time"

	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/sirupsen/logrus"
)

// Logging returns a middleware that logs HTTP requests. The database ID is
// logged when the request carries one; the access token never is.
func Logging(logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := GetStartTime(r.Context())
			if start.IsZero() {
				start = time.Now()
			}

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(wrapped, r)

			fields := logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_ip":   r.RemoteAddr,
				"user_agent":  r.UserAgent(),
			}
			if traceID := GetTraceID(r.Context()); traceID != "" {
				fields["trace_id"] = traceID
			}
			if op := GetOperation(r.Context()); op != "" {
				fields["operation"] = op
			}
			if dbID := r.Header.Get(credentials.HeaderDatabaseID); dbID != "" {
				fields["database_id"] = dbID
			}

			entry := logger.WithFields(fields)
			switch {
			case wrapped.statusCode >= 500:
				entry.Warn("HTTP request")
			default:
				entry.Info("HTTP request")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
