package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// NewBadger opens a BadgerDB-backed local store under opts.DataDir, or in
// memory when opts.InMemory is set
func NewBadger(opts LocalOptions) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	var badgerOpts badger.Options
	dbPath := ""
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath = filepath.Join(opts.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		badgerOpts = badger.DefaultOptions(dbPath)
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(opts.Logger)).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s, err := newLocalStore(BackendBadger, &badgerEngine{db: db}, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	opts.Logger.WithFields(logrus.Fields{
		"path":      dbPath,
		"in_memory": opts.InMemory,
	}).Info("BadgerDB store initialized")
	return s, nil
}

type badgerEngine struct {
	db *badger.DB
}

func (e *badgerEngine) get(key []byte) ([]byte, error) {
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return value, err
}

func (e *badgerEngine) scan(start, end []byte, reverse bool, limit int) ([]rawEntry, error) {
	var out []rawEntry
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.PrefetchSize = limit

		it := txn.NewIterator(opts)
		defer it.Close()

		// a reverse Seek lands on the greatest key <= its argument
		seek := start
		if reverse {
			seek = end
		}
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			item := it.Item()
			k := item.Key()
			if bytes.Compare(k, start) < 0 {
				if reverse {
					break
				}
				continue
			}
			if bytes.Compare(k, end) >= 0 {
				if reverse {
					continue
				}
				break
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, rawEntry{key: item.KeyCopy(nil), value: v})
		}
		return nil
	})
	return out, err
}

func (e *badgerEngine) set(key, value []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (e *badgerEngine) delete(key []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (e *badgerEngine) close() error {
	return e.db.Close()
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}
