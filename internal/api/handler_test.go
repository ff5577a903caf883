package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/kvexplorer/kvexplorer/internal/config"
	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/explorer"
	"github.com/kvexplorer/kvexplorer/internal/kvconnect/kvconnecttest"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/metrics"
	"github.com/kvexplorer/kvexplorer/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStore records Open calls
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Open(ctx context.Context, cred credentials.Credential) (store.Conn, error) {
	args := m.Called(ctx, cred)
	conn, _ := args.Get(0).(store.Conn)
	return conn, args.Error(1)
}

func (m *MockStore) Backend() string { return "mock" }
func (m *MockStore) Close() error    { return nil }

// failingConn fails every operation with err
type failingConn struct {
	err error
}

func (c *failingConn) List(context.Context, kvkey.Key, store.ListOptions) (*store.ListResult, error) {
	return nil, c.err
}
func (c *failingConn) Get(context.Context, kvkey.Key) (*store.Entry, error) { return nil, c.err }
func (c *failingConn) Set(context.Context, kvkey.Key, any) (string, error)  { return "", c.err }
func (c *failingConn) Delete(context.Context, kvkey.Key) error              { return c.err }
func (c *failingConn) Close() error                                         { return nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newRouter(t *testing.T, s store.Store, resolver credentials.Resolver) *mux.Router {
	t.Helper()
	if resolver == nil {
		resolver = credentials.HeaderResolver{}
	}
	h, err := NewHandler(Options{
		Store:     s,
		Resolver:  resolver,
		Explorer:  explorer.New(config.ExplorerConfig{}),
		Metrics:   metrics.NewManager(config.MetricsConfig{Enable: true}),
		Latency:   metrics.NewLatencyCollector(100, time.Hour),
		KeyFormat: kvkey.FormatStructural,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func newPebbleRouter(t *testing.T) *mux.Router {
	t.Helper()
	s, err := store.NewPebble(store.LocalOptions{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newRouter(t, s, nil)
}

func keyParam(t *testing.T, parts ...kvkey.Part) string {
	t.Helper()
	encoded, err := kvkey.EncodeStructural(kvkey.Key(parts))
	require.NoError(t, err)
	return url.QueryEscape(encoded)
}

func do(t *testing.T, router http.Handler, method, target, body string, withCreds bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if withCreds {
		req.Header.Set(credentials.HeaderDatabaseID, "db1")
		req.Header.Set(credentials.HeaderAccessToken, "secret-token")
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded), rr.Body.String())
	}
	return rr, decoded
}

func TestMissingCredentialsNeverReachStore(t *testing.T) {
	ms := &MockStore{}
	router := newRouter(t, ms, nil)

	key := keyParam(t, kvkey.String("users"), kvkey.String("alice"))
	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"list", "GET", "/list", ""},
		{"get", "GET", "/get?key=" + key, ""},
		{"set", "POST", "/set?key=" + key, `{"a":1}`},
		{"delete", "DELETE", "/delete?key=" + key, ""},
		{"children", "GET", "/children", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := do(t, router, tt.method, tt.target, tt.body, false)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Contains(t, body["error"], "missing credentials")
			assert.Contains(t, body["error"], credentials.HeaderDatabaseID)
		})
	}

	ms.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestPartialCredentials(t *testing.T) {
	ms := &MockStore{}
	router := newRouter(t, ms, nil)

	req := httptest.NewRequest("GET", "/list", nil)
	req.Header.Set(credentials.HeaderDatabaseID, "db1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), credentials.HeaderAccessToken)
	assert.NotContains(t, rr.Body.String(), credentials.HeaderDatabaseID)
	ms.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestEntryLifecycle(t *testing.T) {
	router := newPebbleRouter(t)
	key := keyParam(t, kvkey.String("users"), kvkey.String("alice"))

	rr, body := do(t, router, "POST", "/set?key="+key, `{"name":"Alice","age":30}`, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["versionstamp"], 20)

	rr, body = do(t, router, "GET", "/get?key="+key, "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{
		map[string]any{"type": "string", "value": "users"},
		map[string]any{"type": "string", "value": "alice"},
	}, body["key"])
	assert.Equal(t, map[string]any{"name": "Alice", "age": float64(30)}, body["value"])
	assert.NotEmpty(t, body["versionstamp"])

	decoded, err := kvkey.Decode(body["encodedKey"].(string))
	require.NoError(t, err)
	assert.True(t, decoded.Equal(kvkey.Key{kvkey.String("users"), kvkey.String("alice")}))

	rr, body = do(t, router, "DELETE", "/delete?key="+key, "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"success": true}, body)

	rr, body = do(t, router, "GET", "/get?key="+key, "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, body)
	assert.Equal(t, "{}\n", rr.Body.String())
}

func TestDeleteAbsentKey(t *testing.T) {
	router := newPebbleRouter(t)

	rr, body := do(t, router, "DELETE", "/delete?key=string:doesnotexist", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"success": true}, body)
}

func TestDelimitedKeys(t *testing.T) {
	router := newPebbleRouter(t)

	rr, _ := do(t, router, "POST", "/set?key=string:users,number:7", `"seven"`, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, body := do(t, router, "GET", "/get?key=string:users,number:7", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "seven", body["value"])
	assert.Equal(t, []any{
		map[string]any{"type": "string", "value": "users"},
		map[string]any{"type": "number", "value": float64(7)},
	}, body["key"])
}

func listKeys(t *testing.T, router http.Handler, query string) ([]string, int) {
	t.Helper()
	var names []string
	pages := 0
	cursor := ""
	for {
		target := "/list?" + query
		if cursor != "" {
			target += "&cursor=" + url.QueryEscape(cursor)
		}
		rr, body := do(t, router, "GET", target, "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		pages++

		for _, e := range body["entries"].([]any) {
			key := e.(map[string]any)["key"].([]any)
			last := key[len(key)-1].(map[string]any)
			names = append(names, last["value"].(string))
		}
		if body["cursor"] == nil {
			return names, pages
		}
		cursor = body["cursor"].(string)
		require.Less(t, pages, 20, "pagination did not terminate")
	}
}

func TestListPagination(t *testing.T) {
	router := newPebbleRouter(t)

	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		rr, _ := do(t, router, "POST", "/set?key="+keyParam(t, kvkey.String("users"), kvkey.String(n)), `true`, true)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr, _ := do(t, router, "POST", "/set?key="+keyParam(t, kvkey.String("other"), kvkey.String("x")), `1`, true)
	require.Equal(t, http.StatusOK, rr.Code)

	prefix := keyParam(t, kvkey.String("users"))

	t.Run("forward", func(t *testing.T) {
		got, pages := listKeys(t, router, "prefix="+prefix+"&limit=2")
		assert.Equal(t, names, got)
		assert.Equal(t, 3, pages)
	})

	t.Run("reverse", func(t *testing.T) {
		got, pages := listKeys(t, router, "prefix="+prefix+"&limit=2&reverse=true")
		assert.Equal(t, []string{"e", "d", "c", "b", "a"}, got)
		assert.Equal(t, 3, pages)
	})

	t.Run("single page has null cursor", func(t *testing.T) {
		rr, body := do(t, router, "GET", "/list?prefix="+prefix, "", true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, body["entries"], 5)
		assert.Contains(t, body, "cursor")
		assert.Nil(t, body["cursor"])
	})

	t.Run("empty prefix lists everything", func(t *testing.T) {
		rr, body := do(t, router, "GET", "/list", "", true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, body["entries"], 6)
	})

	t.Run("unknown prefix is empty", func(t *testing.T) {
		rr, body := do(t, router, "GET", "/list?prefix=string:nobody", "", true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []any{}, body["entries"])
		assert.Nil(t, body["cursor"])
	})
}

func TestChildrenEndpoint(t *testing.T) {
	router := newPebbleRouter(t)

	for _, k := range [][]kvkey.Part{
		{kvkey.String("users"), kvkey.String("alice")},
		{kvkey.String("users"), kvkey.String("alice"), kvkey.String("settings")},
		{kvkey.String("users"), kvkey.String("bob"), kvkey.String("settings")},
	} {
		rr, _ := do(t, router, "POST", "/set?key="+keyParam(t, k...), `{}`, true)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr, body := do(t, router, "GET", "/children?prefix=string:users", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, false, body["truncated"])
	assert.Equal(t, []any{map[string]any{"type": "string", "value": "users"}}, body["prefix"])

	children := body["children"].([]any)
	require.Len(t, children, 2)
	alice := children[0].(map[string]any)
	bob := children[1].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "value": "alice"}, alice["part"])
	assert.Equal(t, true, alice["hasEntry"])
	assert.Equal(t, float64(2), alice["descendants"])
	assert.Equal(t, false, bob["hasEntry"])
	assert.Equal(t, float64(1), bob["descendants"])
}

func TestBadRequests(t *testing.T) {
	router := newPebbleRouter(t)
	key := keyParam(t, kvkey.String("k"))

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"unknown tag on get", "GET", "/get?key=foo:bar", ""},
		{"unknown tag on list", "GET", "/list?prefix=foo:bar", ""},
		{"unknown tag on delete", "DELETE", "/delete?key=foo:bar", ""},
		{"malformed structural key", "GET", "/get?key=" + url.QueryEscape("[{"), ""},
		{"missing key", "GET", "/get", ""},
		{"empty key", "DELETE", "/delete?key=", ""},
		{"invalid cursor", "GET", "/list?cursor=%21%21%21", ""},
		{"invalid json body", "POST", "/set?key=" + key, `{"a":`},
		{"trailing data", "POST", "/set?key=" + key, `1 2`},
		{"empty body", "POST", "/set?key=" + key, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := do(t, router, tt.method, tt.target, tt.body, true)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStoreErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(ms *MockStore)
		wantStatus int
	}{
		{
			name: "connect failure",
			setup: func(ms *MockStore) {
				ms.On("Open", mock.Anything, mock.Anything).
					Return(nil, &store.ConnectError{Backend: "remote", DatabaseID: "db1", Err: errors.New("refused")})
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "operation failure",
			setup: func(ms *MockStore) {
				ms.On("Open", mock.Anything, mock.Anything).
					Return(&failingConn{err: &store.OperationError{Op: "list", Err: errors.New("boom")}}, nil)
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &MockStore{}
			tt.setup(ms)
			router := newRouter(t, ms, nil)

			rr, body := do(t, router, "GET", "/list", "", true)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.NotEmpty(t, body["error"])
			ms.AssertCalled(t, "Open", mock.Anything, credentials.Credential{DatabaseID: "db1", AccessToken: "secret-token"})
		})
	}
}

func TestTestConnection(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		router := newPebbleRouter(t)
		rr, body := do(t, router, "POST", "/test-connection", "", true)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, map[string]any{"success": true}, body)
	})

	t.Run("missing credentials", func(t *testing.T) {
		ms := &MockStore{}
		router := newRouter(t, ms, nil)
		rr, body := do(t, router, "POST", "/test-connection", "", false)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, false, body["success"])
		assert.Contains(t, body["error"], "missing credentials")
		ms.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
	})

	t.Run("rejected token", func(t *testing.T) {
		srv := kvconnecttest.NewServer()
		defer srv.Close()
		srv.Tokens["db1"] = "another-token"

		s, err := store.NewRemote(store.RemoteOptions{ConnectURL: srv.ConnectURL(), Timeout: 5 * time.Second, Logger: quietLogger()})
		require.NoError(t, err)
		router := newRouter(t, s, nil)

		rr, body := do(t, router, "POST", "/test-connection", "", true)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, false, body["success"])
		assert.NotEmpty(t, body["error"])
	})
}

func TestRemoteBackend(t *testing.T) {
	srv := kvconnecttest.NewServer()
	defer srv.Close()

	s, err := store.NewRemote(store.RemoteOptions{ConnectURL: srv.ConnectURL(), Timeout: 5 * time.Second, Logger: quietLogger()})
	require.NoError(t, err)
	router := newRouter(t, s, nil)

	key := keyParam(t, kvkey.String("config"), kvkey.String("theme"))
	rr, body := do(t, router, "POST", "/set?key="+key, `{"dark":true}`, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, body["versionstamp"])

	rr, body = do(t, router, "GET", "/get?key="+key, "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"dark": true}, body["value"])

	rr, body = do(t, router, "GET", "/list?prefix=string:config", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["entries"], 1)

	rr, _ = do(t, router, "DELETE", "/delete?key="+key, "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, body = do(t, router, "GET", "/get?key="+key, "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, body)
}

func TestStaticCredentials(t *testing.T) {
	s, err := store.NewBadger(store.LocalOptions{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	defer s.Close()

	resolver := credentials.NewStaticResolver(credentials.Credential{DatabaseID: "db1", AccessToken: "static"})
	router := newRouter(t, s, resolver)

	rr, _ := do(t, router, "POST", "/set?key=string:k", `"v"`, false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr, body := do(t, router, "GET", "/get?key=string:k", "", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "v", body["value"])
}

func TestHealthAndStats(t *testing.T) {
	router := newPebbleRouter(t)

	rr, body := do(t, router, "GET", "/health", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, store.BackendPebble, body["backend"])

	rr, body = do(t, router, "GET", "/stats", "", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, body, "latency")
	assert.Contains(t, body, "requests")
}

func TestJSONValue(t *testing.T) {
	in := map[string]any{
		"nan":    math.NaN(),
		"inf":    math.Inf(1),
		"ninf":   math.Inf(-1),
		"num":    1.5,
		"big":    big.NewInt(-12345678901234),
		"bytes":  []byte{1, 2, 255},
		"nested": []any{math.Inf(1), "s", nil},
	}

	got := jsonValue(in).(map[string]any)
	assert.Equal(t, "NaN", got["nan"])
	assert.Equal(t, "Infinity", got["inf"])
	assert.Equal(t, "-Infinity", got["ninf"])
	assert.Equal(t, 1.5, got["num"])
	assert.Equal(t, "-12345678901234", got["big"])
	assert.Equal(t, []int{1, 2, 255}, got["bytes"])
	assert.Equal(t, []any{"Infinity", "s", nil}, got["nested"])

	_, err := json.Marshal(got)
	assert.NoError(t, err)
}

func TestNewHandlerValidation(t *testing.T) {
	_, err := NewHandler(Options{})
	assert.Error(t, err)

	_, err = NewHandler(Options{
		Store:     &MockStore{},
		Resolver:  credentials.HeaderResolver{},
		Explorer:  explorer.New(config.ExplorerConfig{}),
		KeyFormat: "yaml",
	})
	assert.Error(t, err)
}

func TestBrowseByPath(t *testing.T) {
	router := newPebbleRouter(t)

	for _, k := range [][]kvkey.Part{
		{kvkey.String("users"), kvkey.String("alice")},
		{kvkey.String("users"), kvkey.String("alice"), kvkey.String("settings")},
		{kvkey.String("users"), kvkey.String("a/b")},
	} {
		rr, _ := do(t, router, "POST", "/set?key="+keyParam(t, k...), `"v"`, true)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	t.Run("root", func(t *testing.T) {
		rr, body := do(t, router, "GET", "/browse", "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Nil(t, body["entry"])
		children := body["children"].([]any)
		require.Len(t, children, 1)
		assert.Equal(t, map[string]any{"type": "string", "value": "users"}, children[0].(map[string]any)["part"])
	})

	t.Run("inner key with entry", func(t *testing.T) {
		rr, body := do(t, router, "GET", "/browse/users/alice", "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		entry := body["entry"].(map[string]any)
		assert.Equal(t, "v", entry["value"])
		assert.Len(t, body["prefix"], 2)
		children := body["children"].([]any)
		require.Len(t, children, 1)
		assert.Equal(t, map[string]any{"type": "string", "value": "settings"}, children[0].(map[string]any)["part"])
	})

	t.Run("escaped slash stays in one part", func(t *testing.T) {
		rr, body := do(t, router, "GET", "/browse/users/a%2Fb", "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		require.NotNil(t, body["entry"])
		assert.Empty(t, body["children"])
	})

	t.Run("requires credentials", func(t *testing.T) {
		rr, _ := do(t, router, "GET", "/browse/users", "", false)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestDeleteByPath(t *testing.T) {
	router := newPebbleRouter(t)
	key := keyParam(t, kvkey.String("users"), kvkey.String("alice"), kvkey.String("settings"))

	rr, _ := do(t, router, "POST", "/set?key="+key, `1`, true)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body := do(t, router, "DELETE", "/delete/users/alice/settings", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, map[string]any{"success": true}, body)

	rr, _ = do(t, router, "GET", "/get?key="+key, "", true)
	assert.Equal(t, "{}\n", rr.Body.String())
}

func TestStoreOpenOutlivesCancelledRequest(t *testing.T) {
	live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	ms := &MockStore{}
	ms.On("Open", live, mock.Anything).Return(&failingConn{}, nil)
	router := newRouter(t, ms, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, target := range []string{"/get?key=string:a", "/test-connection"} {
		method := "GET"
		if target == "/test-connection" {
			method = "POST"
		}
		req := httptest.NewRequest(method, target, nil).WithContext(ctx)
		req.Header.Set(credentials.HeaderDatabaseID, "db1")
		req.Header.Set(credentials.HeaderAccessToken, "secret-token")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code, target)
	}
	ms.AssertNumberOfCalls(t, "Open", 2)
}

func TestPathKey(t *testing.T) {
	tests := map[string]kvkey.Key{
		"/browse":                 {},
		"/browse/":                {},
		"/browse/users//42/":      {kvkey.String("users"), kvkey.String("42")},
		"/browse/a%2Fb/caf%C3%A9": {kvkey.String("a/b"), kvkey.String("café")},
	}
	for target, want := range tests {
		key, err := pathKey(httptest.NewRequest("GET", target, nil), "/browse")
		require.NoError(t, err, target)
		assert.True(t, want.Equal(key), "%s: %v", target, key)
	}
}
