package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"
)

// NewPebble opens a Pebble-backed local store under opts.DataDir, or on an
// in-memory filesystem when opts.InMemory is set
func NewPebble(opts LocalOptions) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	dbPath := filepath.Join(opts.DataDir, "pebble")
	if opts.InMemory {
		dbPath = ""
		pebbleOpts.FS = vfs.NewMem()
	} else if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pebble directory: %w", err)
	}

	db, err := pebble.Open(dbPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	s, err := newLocalStore(BackendPebble, &pebbleEngine{db: db}, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	opts.Logger.WithFields(logrus.Fields{
		"path":      dbPath,
		"in_memory": opts.InMemory,
	}).Info("Pebble store initialized")
	return s, nil
}

type pebbleEngine struct {
	db *pebble.DB
}

func (e *pebbleEngine) get(key []byte) ([]byte, error) {
	val, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

func (e *pebbleEngine) scan(start, end []byte, reverse bool, limit int) ([]rawEntry, error) {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close() //nolint:errcheck

	var out []rawEntry
	valid, step := iter.First, iter.Next
	if reverse {
		valid, step = iter.Last, iter.Prev
	}
	for ok := valid(); ok && len(out) < limit; ok = step() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		out = append(out, rawEntry{key: k, value: v})
	}
	return out, iter.Error()
}

func (e *pebbleEngine) set(key, value []byte) error {
	return e.db.Set(key, value, pebble.Sync)
}

func (e *pebbleEngine) delete(key []byte) error {
	return e.db.Delete(key, pebble.Sync)
}

func (e *pebbleEngine) close() error {
	return e.db.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}
