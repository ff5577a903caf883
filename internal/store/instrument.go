package store

import (
	"context"
	"time"

	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
)

// Recorder receives store telemetry
type Recorder interface {
	RecordConnectionOpen(backend string, err error, duration time.Duration)
	RecordStoreOperation(operation, backend string, err error, duration time.Duration)
}

// Instrument wraps s so that every connection and operation is reported to
// rec
func Instrument(s Store, rec Recorder) Store {
	if rec == nil {
		return s
	}
	return &instrumentedStore{Store: s, rec: rec}
}

type instrumentedStore struct {
	Store
	rec Recorder
}

func (s *instrumentedStore) Open(ctx context.Context, cred credentials.Credential) (Conn, error) {
	start := time.Now()
	conn, err := s.Store.Open(ctx, cred)
	s.rec.RecordConnectionOpen(s.Backend(), err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &instrumentedConn{Conn: conn, backend: s.Backend(), rec: s.rec}, nil
}

type instrumentedConn struct {
	Conn
	backend string
	rec     Recorder
}

func (c *instrumentedConn) observe(op string, start time.Time, err error) {
	c.rec.RecordStoreOperation(op, c.backend, err, time.Since(start))
}

func (c *instrumentedConn) List(ctx context.Context, prefix kvkey.Key, opts ListOptions) (*ListResult, error) {
	start := time.Now()
	res, err := c.Conn.List(ctx, prefix, opts)
	c.observe("list", start, err)
	return res, err
}

func (c *instrumentedConn) Get(ctx context.Context, key kvkey.Key) (*Entry, error) {
	start := time.Now()
	e, err := c.Conn.Get(ctx, key)
	c.observe("get", start, err)
	return e, err
}

func (c *instrumentedConn) Set(ctx context.Context, key kvkey.Key, value any) (string, error) {
	start := time.Now()
	vs, err := c.Conn.Set(ctx, key, value)
	c.observe("set", start, err)
	return vs, err
}

func (c *instrumentedConn) Delete(ctx context.Context, key kvkey.Key) error {
	start := time.Now()
	err := c.Conn.Delete(ctx, key)
	c.observe("delete", start, err)
	return err
}
