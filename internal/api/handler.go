package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/kvexplorer/kvexplorer/internal/audit"
	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/explorer"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/metrics"
	"github.com/kvexplorer/kvexplorer/internal/store"
	"github.com/sirupsen/logrus"
)

// maxValueBytes bounds the body accepted by /set
const maxValueBytes = 1 << 20

// Handler serves the explorer HTTP API
type Handler struct {
	store          store.Store
	resolver       credentials.Resolver
	explorer       *explorer.Explorer
	metricsManager metrics.Manager
	latency        *metrics.LatencyCollector
	auditManager   *audit.Manager
	keyFormat      kvkey.Format
	logger         *logrus.Logger
}

// Options holds the collaborators of a Handler. Metrics, Latency, Audit and
// Logger are optional.
type Options struct {
	Store     store.Store
	Resolver  credentials.Resolver
	Explorer  *explorer.Explorer
	Metrics   metrics.Manager
	Latency   *metrics.LatencyCollector
	Audit     *audit.Manager
	KeyFormat kvkey.Format
	Logger    *logrus.Logger
}

// NewHandler creates a new API handler
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("api: credential resolver is required")
	}
	if opts.Explorer == nil {
		return nil, errors.New("api: explorer is required")
	}
	format, err := kvkey.ParseFormat(string(opts.KeyFormat))
	if err != nil {
		return nil, err
	}

	h := &Handler{
		store:          opts.Store,
		resolver:       opts.Resolver,
		explorer:       opts.Explorer,
		metricsManager: opts.Metrics,
		latency:        opts.Latency,
		auditManager:   opts.Audit,
		keyFormat:      format,
		logger:         opts.Logger,
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	return h, nil
}

// RegisterRoutes registers all explorer API routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/stats", h.handleStats).Methods("GET")
	router.HandleFunc("/test-connection", h.handleTestConnection).Methods("POST")

	protected := router.NewRoute().Subrouter()
	protected.Use(h.requireCredentials)
	protected.HandleFunc("/list", h.handleList).Methods("GET")
	protected.HandleFunc("/get", h.handleGet).Methods("GET")
	protected.HandleFunc("/set", h.handleSet).Methods("POST")
	protected.HandleFunc("/delete", h.handleDelete).Methods("DELETE")
	protected.HandleFunc("/children", h.handleChildren).Methods("GET")
	protected.HandleFunc("/browse", h.handleBrowse).Methods("GET")
	protected.HandleFunc("/browse/{path:.*}", h.handleBrowse).Methods("GET")
	protected.HandleFunc("/delete/{path:.+}", h.handleDeletePath).Methods("DELETE")
	if h.auditManager != nil {
		protected.HandleFunc("/audit", h.handleAudit).Methods("GET")
	}
}

// requireCredentials resolves the caller's credentials before any handler
// runs, so a request without them never reaches the store
func (h *Handler) requireCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := h.resolver.Resolve(r)
		if err != nil {
			h.recordCredentialFailure(err)
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(credentials.WithCredential(r.Context(), cred)))
	})
}

func (h *Handler) recordCredentialFailure(err error) {
	if h.metricsManager == nil {
		return
	}
	reason := "invalid"
	if errors.Is(err, credentials.ErrMissingCredential) {
		reason = "missing"
	}
	h.metricsManager.RecordCredentialFailure(reason)
}

// withConn runs fn on a connection for the request's credential. Opening the
// connection is detached from the request like the store calls themselves.
func (h *Handler) withConn(r *http.Request, fn func(store.Conn) error) error {
	cred, ok := credentials.FromContext(r.Context())
	if !ok {
		return &credentials.MissingCredentialError{Fields: []string{"database ID", "access token"}}
	}
	return store.WithConn(context.WithoutCancel(r.Context()), h.store, cred, fn)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"backend": h.store.Backend(),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if h.latency != nil {
		for op, s := range h.latency.GetAllLatencyStats() {
			stats[string(op)] = s
		}
	}
	resp := map[string]any{"latency": stats}
	if h.metricsManager != nil {
		if snapshot := h.metricsManager.GetMetricsSnapshot(); snapshot != nil {
			resp["requests"] = snapshot
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix, err := kvkey.Decode(q.Get("prefix"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	opts := store.ListOptions{
		Limit:   h.explorer.ParseLimit(q.Get("limit")),
		Cursor:  q.Get("cursor"),
		Reverse: parseBool(q.Get("reverse")),
	}

	var resp listResponse
	err = h.withConn(r, func(conn store.Conn) error {
		res, err := h.explorer.List(r.Context(), conn, prefix, opts)
		if err != nil {
			return err
		}
		resp.Entries = make([]entryResponse, 0, len(res.Entries))
		for _, e := range res.Entries {
			er, err := h.toEntry(e)
			if err != nil {
				return err
			}
			resp.Entries = append(resp.Entries, er)
		}
		if res.Cursor != "" {
			resp.Cursor = &res.Cursor
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := requiredKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var entry *store.Entry
	err = h.withConn(r, func(conn store.Conn) error {
		entry, err = h.explorer.Get(r.Context(), conn, key)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entry == nil {
		h.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	resp, err := h.toEntry(*entry)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	key, err := requiredKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	value, err := readValue(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var versionstamp string
	err = h.withConn(r, func(conn store.Conn) error {
		versionstamp, err = h.explorer.Set(r.Context(), conn, key, value)
		return err
	})
	h.recordMutation(r, audit.ActionSet, key, versionstamp, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "versionstamp": versionstamp})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := requiredKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.deleteKey(w, r, key)
}

// handleDeletePath deletes the key of string parts named by the URL path
func (h *Handler) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "/delete")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.deleteKey(w, r, key)
}

func (h *Handler) deleteKey(w http.ResponseWriter, r *http.Request, key kvkey.Key) {
	err := h.withConn(r, func(conn store.Conn) error {
		return h.explorer.Delete(r.Context(), conn, key)
	})
	h.recordMutation(r, audit.ActionDelete, key, "", err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleChildren(w http.ResponseWriter, r *http.Request) {
	prefix, err := kvkey.Decode(r.URL.Query().Get("prefix"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var res *explorer.ChildrenResult
	err = h.withConn(r, func(conn store.Conn) error {
		res, err = h.explorer.Children(r.Context(), conn, prefix, explorer.ChildrenOptions{})
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.toChildren(res)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleBrowse navigates by URL path: the string-part key named by the path,
// the entry stored at it (if any) and its children one level down
func (h *Handler) handleBrowse(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "/browse")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var entry *store.Entry
	var res *explorer.ChildrenResult
	err = h.withConn(r, func(conn store.Conn) error {
		if len(key) > 0 {
			if entry, err = h.explorer.Get(r.Context(), conn, key); err != nil {
				return err
			}
		}
		res, err = h.explorer.Children(r.Context(), conn, key, explorer.ChildrenOptions{})
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	children, err := h.toChildren(res)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := browseResponse{childrenResponse: children}
	if entry != nil {
		er, err := h.toEntry(*entry)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.Entry = &er
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleTestConnection opens a connection and reads at most one entry. The
// outcome is always reported in the body; the status mirrors the failure.
func (h *Handler) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	cred, err := h.resolver.Resolve(r)
	if err == nil {
		err = store.WithConn(context.WithoutCancel(r.Context()), h.store, cred, func(conn store.Conn) error {
			_, err := h.explorer.List(r.Context(), conn, kvkey.Key{}, store.ListOptions{Limit: 1})
			return err
		})
	} else {
		h.recordCredentialFailure(err)
	}

	if err != nil {
		status := statusFor(err)
		h.logAPIError(r, err, status)
		h.writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// pathKey builds a key of string parts from the URL path below prefix. Each
// segment is unescaped on its own so an encoded slash stays within its part.
func pathKey(r *http.Request, prefix string) (kvkey.Key, error) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	segments := strings.Split(rest, "/")
	for i, s := range segments {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return nil, &kvkey.DecodeError{Part: -1, Reason: "bad path escaping", Err: err}
		}
		segments[i] = unescaped
	}
	return kvkey.ParsePath(segments), nil
}

// requiredKey decodes the key query parameter, which must be present
func requiredKey(r *http.Request) (kvkey.Key, error) {
	q := r.URL.Query()
	if !q.Has("key") {
		return nil, &kvkey.DecodeError{Part: -1, Reason: "missing key parameter"}
	}
	return kvkey.Decode(q.Get("key"))
}

// readValue decodes the request body as a single JSON value. Numbers are kept
// as json.Number so integers survive until serialization.
func readValue(w http.ResponseWriter, r *http.Request) (any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxValueBytes))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &bodyError{msg: "request body must be a JSON value"}
		}
		return nil, &bodyError{msg: "invalid JSON body", err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &bodyError{msg: "request body must contain a single JSON value"}
	}
	return value, nil
}

func parseBool(raw string) bool {
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}

// bodyError reports a request body that is not a usable JSON value
type bodyError struct {
	msg string
	err error
}

func (e *bodyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *bodyError) Unwrap() error { return e.err }
