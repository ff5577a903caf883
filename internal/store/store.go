// Package store opens per-request, per-tenant connections to a key-value
// store and runs list, get, set and delete operations over them.
package store

import (
	"context"
	"fmt"

	"github.com/kvexplorer/kvexplorer/internal/config"
	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/sirupsen/logrus"
)

// Backend names
const (
	BackendRemote = "remote"
	BackendBadger = "badger"
	BackendPebble = "pebble"
)

// DefaultListLimit applies when ListOptions.Limit is not positive
const DefaultListLimit = 100

// Entry is a stored key/value pair as relayed to clients
type Entry struct {
	Key          kvkey.Key
	Value        any
	Versionstamp string
}

// ListOptions controls a prefix scan
type ListOptions struct {
	Limit   int
	Cursor  string
	Reverse bool
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// ListResult is one page of a prefix scan. Cursor is empty when no entry
// remains.
type ListResult struct {
	Entries []Entry
	Cursor  string
}

// Store opens connections for tenants
type Store interface {
	Open(ctx context.Context, cred credentials.Credential) (Conn, error)
	Backend() string
	Close() error
}

// Conn is a connection scoped to a single tenant and a single request. It
// must be closed exactly once and must not be shared between requests.
type Conn interface {
	// List returns entries strictly under prefix
	List(ctx context.Context, prefix kvkey.Key, opts ListOptions) (*ListResult, error)
	// Get returns nil, nil when the key is absent
	Get(ctx context.Context, key kvkey.Key) (*Entry, error)
	// Set writes value and returns the new versionstamp
	Set(ctx context.Context, key kvkey.Key, value any) (string, error)
	// Delete removes key; deleting an absent key succeeds
	Delete(ctx context.Context, key kvkey.Key) error
	Close() error
}

// New builds the store selected by cfg.Store.Backend
func New(cfg *config.Config, logger *logrus.Logger) (Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	switch cfg.Store.Backend {
	case BackendRemote, "":
		return NewRemote(RemoteOptions{
			ConnectURL: cfg.Remote.ConnectURL,
			Timeout:    cfg.Remote.Timeout,
			Logger:     logger,
		})
	case BackendBadger:
		return NewBadger(LocalOptions{
			DataDir:           cfg.DataDir,
			InMemory:          cfg.Store.InMemory,
			CompressThreshold: cfg.Store.CompressThreshold,
			Tenants:           cfg.Store.Tenants,
			Logger:            logger,
		})
	case BackendPebble:
		return NewPebble(LocalOptions{
			DataDir:           cfg.DataDir,
			InMemory:          cfg.Store.InMemory,
			CompressThreshold: cfg.Store.CompressThreshold,
			Tenants:           cfg.Store.Tenants,
			Logger:            logger,
		})
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
