// Package explorer implements the listing and entry operations the HTTP API
// exposes, on top of a single store connection.
package explorer

import (
	"context"
	"strconv"
	"strings"

	"github.com/kvexplorer/kvexplorer/internal/config"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/store"
)

// Limits applied when the configuration leaves them unset
const (
	DefaultLimit    = 100
	DefaultMaxLimit = 1000
	DefaultMaxScan  = 10000
)

// Explorer runs operations on connections handed to it by the caller. It
// holds no connection state of its own.
type Explorer struct {
	defaultLimit int
	maxLimit     int
	maxScan      int
}

// New creates an explorer bounded by cfg
func New(cfg config.ExplorerConfig) *Explorer {
	e := &Explorer{
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		maxScan:      cfg.MaxScan,
	}
	if e.defaultLimit <= 0 {
		e.defaultLimit = DefaultLimit
	}
	if e.maxLimit <= 0 {
		e.maxLimit = DefaultMaxLimit
	}
	if e.maxScan <= 0 {
		e.maxScan = DefaultMaxScan
	}
	return e
}

// ParseLimit reads a page size using the explorer's configured bounds.
// Non-numeric and non-positive input yields the default limit; larger values
// are clamped to the maximum.
func (e *Explorer) ParseLimit(raw string) int {
	return parseLimit(raw, e.defaultLimit, e.maxLimit)
}

func parseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}

// detach keeps store calls running when the client goes away, so the
// connection is always released through the normal path; the store's own
// timeout bounds the call
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// List returns one page of the entries strictly under prefix
func (e *Explorer) List(ctx context.Context, conn store.Conn, prefix kvkey.Key, opts store.ListOptions) (*store.ListResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = e.defaultLimit
	}
	if opts.Limit > e.maxLimit {
		opts.Limit = e.maxLimit
	}
	return conn.List(detach(ctx), prefix, opts)
}

func requireKey(key kvkey.Key) error {
	if len(key) == 0 {
		return &kvkey.DecodeError{Part: -1, Reason: "key must have at least one part"}
	}
	return nil
}

// Get returns the entry at key, or nil when absent
func (e *Explorer) Get(ctx context.Context, conn store.Conn, key kvkey.Key) (*store.Entry, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	return conn.Get(detach(ctx), key)
}

// Set writes value at key and returns the new versionstamp
func (e *Explorer) Set(ctx context.Context, conn store.Conn, key kvkey.Key, value any) (string, error) {
	if err := requireKey(key); err != nil {
		return "", err
	}
	return conn.Set(detach(ctx), key, value)
}

// Delete removes key. An absent key is not an error.
func (e *Explorer) Delete(ctx context.Context, conn store.Conn, key kvkey.Key) error {
	if err := requireKey(key); err != nil {
		return err
	}
	return conn.Delete(detach(ctx), key)
}
