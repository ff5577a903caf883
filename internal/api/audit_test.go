package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/kvexplorer/kvexplorer/internal/audit"
	"github.com/kvexplorer/kvexplorer/internal/config"
	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/explorer"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newAuditRouter(t *testing.T, s store.Store) *mux.Router {
	t.Helper()
	if s == nil {
		pebbleStore, err := store.NewPebble(store.LocalOptions{InMemory: true, Logger: quietLogger()})
		require.NoError(t, err)
		t.Cleanup(func() { pebbleStore.Close() })
		s = pebbleStore
	}

	auditStore, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"), quietLogger())
	require.NoError(t, err)
	mgr := audit.NewManager(auditStore, quietLogger())
	t.Cleanup(func() { mgr.Close() })

	h, err := NewHandler(Options{
		Store:     s,
		Resolver:  credentials.HeaderResolver{},
		Explorer:  explorer.New(config.ExplorerConfig{}),
		Audit:     mgr,
		KeyFormat: kvkey.FormatDelimited,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func TestAuditTrail(t *testing.T) {
	router := newAuditRouter(t, nil)

	rr, setBody := do(t, router, "POST", "/set?key=string:users,string:alice", `{"n":1}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = do(t, router, "DELETE", "/delete?key=string:users,string:alice", "", true)
	require.Equal(t, http.StatusOK, rr.Code)

	// rejected before reaching the store
	rr, _ = do(t, router, "DELETE", "/delete?key=foo:bar", "", true)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr, _ = do(t, router, "POST", "/set?key=string:x", `{`, true)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body := do(t, router, "GET", "/audit", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(audit.DefaultPageSize), body["page_size"])

	logs := body["logs"].([]any)
	require.Len(t, logs, 2)
	del := logs[0].(map[string]any)
	set := logs[1].(map[string]any)
	assert.Equal(t, "delete", del["action"])
	assert.Equal(t, "set", set["action"])
	assert.Equal(t, "success", set["status"])
	assert.Equal(t, "db1", set["database_id"])
	assert.Equal(t, "string:users,string:alice", set["key"])
	assert.Equal(t, setBody["versionstamp"], set["versionstamp"])

	t.Run("filters", func(t *testing.T) {
		rr, body := do(t, router, "GET", "/audit?action=set", "", true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, float64(1), body["total"])

		// the filter key is normalized to the stored encoding
		rr, body = do(t, router, "GET", "/audit?key="+keyParam(t, kvkey.String("users"), kvkey.String("alice")), "", true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, float64(2), body["total"])

		rr, _ = do(t, router, "GET", "/audit?key=foo:bar", "", true)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("scoped to the caller's database", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/audit", nil)
		req.Header.Set(credentials.HeaderDatabaseID, "db2")
		req.Header.Set(credentials.HeaderAccessToken, "secret-token")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"logs":[],"total":0,"page":1,"page_size":50}`, rr.Body.String())
	})

	t.Run("requires credentials", func(t *testing.T) {
		rr, _ := do(t, router, "GET", "/audit", "", false)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestAuditRecordsFailedMutations(t *testing.T) {
	ms := &MockStore{}
	ms.On("Open", mock.Anything, mock.Anything).
		Return(&failingConn{err: &store.OperationError{Op: "set", Err: errors.New("boom")}}, nil)
	router := newAuditRouter(t, ms)

	rr, _ := do(t, router, "POST", "/set?key=string:k", `1`, true)
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	rr, body := do(t, router, "GET", "/audit?status=failed", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, float64(1), body["total"])
	rec := body["logs"].([]any)[0].(map[string]any)
	assert.Equal(t, "set", rec["action"])
	assert.Contains(t, rec["error"], "boom")
	assert.Nil(t, rec["versionstamp"])
}

func TestAuditRouteAbsentWhenDisabled(t *testing.T) {
	router := newPebbleRouter(t)
	rr, _ := do(t, router, "GET", "/audit", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
