package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kvexplorer/kvexplorer/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest("GET", "/list", nil)
	req.Header.Set("X-KV-DB-ID", "db-1")
	req.Header.Set("X-KV-ACCESS-TOKEN", "secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "HTTP request", line["msg"])
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "/list", line["path"])
	assert.Equal(t, float64(http.StatusBadGateway), line["status"])
	assert.Equal(t, "db-1", line["database_id"])
	assert.NotContains(t, buf.String(), "secret-token")
}

func TestCORS(t *testing.T) {
	t.Run("wildcard", func(t *testing.T) {
		handler := CORS([]string{"*"})(http.HandlerFunc(okHandler))

		req := httptest.NewRequest("GET", "/list", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-KV-ACCESS-TOKEN")
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("listed origin", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(okHandler))

		req := httptest.NewRequest("GET", "/list", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("unlisted origin", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(okHandler))

		req := httptest.NewRequest("GET", "/list", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		called := false
		handler := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		req := httptest.NewRequest("OPTIONS", "/set", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.False(t, called)
	})
}

func TestTracing(t *testing.T) {
	collector := metrics.NewLatencyCollector(100, time.Hour)

	var seenTraceID string
	var seenOperation metrics.Operation
	handler := Tracing(collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTraceID = GetTraceID(r.Context())
		seenOperation = GetOperation(r.Context())
		assert.False(t, GetStartTime(r.Context()).IsZero())
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/get?key=x", nil))

	assert.NotEmpty(t, seenTraceID)
	assert.Equal(t, seenTraceID, rec.Header().Get(TraceIDHeader))
	assert.Equal(t, metrics.OpGet, seenOperation)

	stats := collector.GetLatencyStats(metrics.OpGet)
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, int64(1), stats.ErrorCount)
}

func TestTracingKeepsClientTraceID(t *testing.T) {
	handler := Tracing(nil)(http.HandlerFunc(okHandler))

	const clientID = "6f1c2a5e-8a4b-4c1e-9d3f-2b7a9e0c4d11"
	req := httptest.NewRequest("GET", "/list", nil)
	req.Header.Set(TraceIDHeader, clientID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, clientID, rec.Header().Get(TraceIDHeader))

	req = httptest.NewRequest("GET", "/list", nil)
	req.Header.Set(TraceIDHeader, "not a uuid\r\ninjected")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotContains(t, rec.Header().Get(TraceIDHeader), "injected")
	assert.Len(t, rec.Header().Get(TraceIDHeader), 36)
}

func TestLoggingUnderTracing(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	handler := Tracing(nil)(Logging(logger)(http.HandlerFunc(okHandler)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("DELETE", "/delete?key=string:a", nil))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, string(metrics.OpDelete), line["operation"])
	assert.Equal(t, rec.Header().Get(TraceIDHeader), line["trace_id"])
}

func TestTracingIgnoresNonStoreRoutes(t *testing.T) {
	collector := metrics.NewLatencyCollector(100, time.Hour)
	handler := Tracing(collector)(http.HandlerFunc(okHandler))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	assert.Empty(t, collector.GetAllLatencyStats())

	// a nil collector is allowed
	Tracing(nil)(http.HandlerFunc(okHandler)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/list", nil))
}

func TestDetermineOperation(t *testing.T) {
	tests := map[string]metrics.Operation{
		"/list":            metrics.OpList,
		"/get":             metrics.OpGet,
		"/set":             metrics.OpSet,
		"/delete":          metrics.OpDelete,
		"/children/":       metrics.OpChildren,
		"/test-connection": metrics.OpTestConnection,
		"/browse":          metrics.OpBrowse,
		"/browse/users/42": metrics.OpBrowse,
		"/delete/users/42": metrics.OpDelete,
		"/metrics":         "",
	}
	for path, want := range tests {
		assert.Equal(t, want, determineOperation(httptest.NewRequest("GET", path, nil)), path)
	}
	assert.Empty(t, determineOperation(httptest.NewRequest("OPTIONS", "/set", nil)))
}

func TestGettersWithoutTracing(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, GetTraceID(req.Context()))
	assert.True(t, GetStartTime(req.Context()).IsZero())
	assert.Empty(t, GetOperation(req.Context()))
}
