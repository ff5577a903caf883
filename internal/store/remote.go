package store

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/kvconnect"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/sirupsen/logrus"
)

// RemoteOptions configures the KV Connect backend
type RemoteOptions struct {
	ConnectURL string
	Timeout    time.Duration
	// Transport is cloned per connection; http.DefaultTransport when nil
	Transport *http.Transport
	Logger    *logrus.Logger
}

type remoteStore struct {
	client *kvconnect.Client
}

// NewRemote creates a store that reaches hosted databases over KV Connect
func NewRemote(opts RemoteOptions) (Store, error) {
	client, err := kvconnect.NewClient(kvconnect.Options{
		ConnectURL: opts.ConnectURL,
		Timeout:    opts.Timeout,
		Transport:  opts.Transport,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV Connect client: %w", err)
	}
	return &remoteStore{client: client}, nil
}

func (s *remoteStore) Backend() string { return BackendRemote }

func (s *remoteStore) Open(ctx context.Context, cred credentials.Credential) (Conn, error) {
	if err := cred.Validate(); err != nil {
		return nil, &ConnectError{Backend: BackendRemote, DatabaseID: cred.DatabaseID, Err: err}
	}
	session, err := s.client.Connect(ctx, cred.DatabaseID, cred.AccessToken)
	if err != nil {
		return nil, &ConnectError{Backend: BackendRemote, DatabaseID: cred.DatabaseID, Err: err}
	}
	return &remoteConn{session: session}, nil
}

func (s *remoteStore) Close() error { return nil }

type remoteConn struct {
	session *kvconnect.Session
}

func (c *remoteConn) read(ctx context.Context, r kvconnect.ReadRange) ([]kvconnect.KvEntry, error) {
	out, err := c.session.SnapshotRead(ctx, &kvconnect.SnapshotRead{Ranges: []kvconnect.ReadRange{r}})
	if err != nil {
		return nil, err
	}
	return out.Ranges[0].Values, nil
}

func toEntry(e kvconnect.KvEntry) (*Entry, error) {
	key, err := kvkey.UnmarshalBinary(e.Key)
	if err != nil {
		return nil, fmt.Errorf("store returned an undecodable key: %w", err)
	}
	value, err := decodeValue(e.Encoding, e.Value)
	if err != nil {
		return nil, err
	}
	return &Entry{Key: key, Value: value, Versionstamp: formatVersionstamp(e.Versionstamp)}, nil
}

func (c *remoteConn) List(ctx context.Context, prefix kvkey.Key, opts ListOptions) (*ListResult, error) {
	prefixBytes, err := kvkey.MarshalBinary(prefix)
	if err != nil {
		return nil, opErr("list", err)
	}
	r, err := newScanRange(prefixBytes, opts.Cursor, opts.Reverse)
	if err != nil {
		return nil, err
	}

	limit := opts.limit()
	values, err := c.read(ctx, kvconnect.ReadRange{
		Start:   r.start,
		End:     r.end,
		Limit:   int32(limit + 1),
		Reverse: opts.Reverse,
	})
	if err != nil {
		return nil, opErr("list", err)
	}
	values, more := page(values, limit)

	res := &ListResult{Entries: make([]Entry, 0, len(values))}
	for _, v := range values {
		e, err := toEntry(v)
		if err != nil {
			return nil, opErr("list", err)
		}
		res.Entries = append(res.Entries, *e)
	}
	if more && len(values) > 0 {
		res.Cursor = r.cursorFor(values[len(values)-1].Key)
	}
	return res, nil
}

func (c *remoteConn) Get(ctx context.Context, key kvkey.Key) (*Entry, error) {
	k, err := kvkey.MarshalBinary(key)
	if err != nil {
		return nil, opErr("get", err)
	}
	values, err := c.read(ctx, kvconnect.ReadRange{
		Start: k,
		End:   concat(k, []byte{0x00}),
		Limit: 1,
	})
	if err != nil {
		return nil, opErr("get", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	e, err := toEntry(values[0])
	return e, opErr("get", err)
}

func (c *remoteConn) Set(ctx context.Context, key kvkey.Key, value any) (string, error) {
	k, err := kvkey.MarshalBinary(key)
	if err != nil {
		return "", opErr("set", err)
	}
	v, err := encodeValue(value)
	if err != nil {
		return "", opErr("set", err)
	}
	out, err := c.session.AtomicWrite(ctx, &kvconnect.AtomicWrite{Mutations: []kvconnect.Mutation{
		{Key: k, Value: &v, Type: kvconnect.MutationSet},
	}})
	if err != nil {
		return "", opErr("set", err)
	}
	return formatVersionstamp(out.Versionstamp), nil
}

func (c *remoteConn) Delete(ctx context.Context, key kvkey.Key) error {
	k, err := kvkey.MarshalBinary(key)
	if err != nil {
		return opErr("delete", err)
	}
	_, err = c.session.AtomicWrite(ctx, &kvconnect.AtomicWrite{Mutations: []kvconnect.Mutation{
		{Key: k, Type: kvconnect.MutationDelete},
	}})
	return opErr("delete", err)
}

func (c *remoteConn) Close() error {
	return c.session.Close()
}
