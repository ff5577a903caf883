package store

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/kvconnect"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

const (
	namespaceLen    = 16
	versionstampLen = 10

	// envelope: versionstamp | encoding | flags | data
	envelopeHeaderLen = versionstampLen + 2
	flagCompressed    = 1 << 0
)

// LocalOptions configures the embedded badger and pebble backends
type LocalOptions struct {
	DataDir           string
	InMemory          bool
	CompressThreshold int
	// Tenants maps database ID to access token; when empty any non-empty
	// token is accepted
	Tenants map[string]string
	Logger  *logrus.Logger
}

type rawEntry struct {
	key   []byte
	value []byte
}

// engine is the ordered byte store beneath a local backend
type engine interface {
	get(key []byte) ([]byte, error)
	// scan returns up to limit entries in [start, end), descending when
	// reverse is set
	scan(start, end []byte, reverse bool, limit int) ([]rawEntry, error)
	set(key, value []byte) error
	delete(key []byte) error
	close() error
}

// localStore implements Store over an engine, isolating tenants by key
// namespace
type localStore struct {
	backend           string
	engine            engine
	tenants           map[string]string
	compressThreshold int
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	logger            *logrus.Logger

	mu       sync.Mutex
	lastTick uint64
}

func newLocalStore(backend string, eng engine, opts LocalOptions) (*localStore, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &localStore{
		backend:           backend,
		engine:            eng,
		tenants:           opts.Tenants,
		compressThreshold: opts.CompressThreshold,
		encoder:           encoder,
		decoder:           decoder,
		logger:            opts.Logger,
	}, nil
}

func (s *localStore) Backend() string { return s.backend }

func (s *localStore) Open(ctx context.Context, cred credentials.Credential) (Conn, error) {
	if err := cred.Validate(); err != nil {
		return nil, &ConnectError{Backend: s.backend, DatabaseID: cred.DatabaseID, Err: err}
	}
	if len(s.tenants) > 0 {
		token, ok := s.tenants[cred.DatabaseID]
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(cred.AccessToken)) != 1 {
			return nil, &ConnectError{Backend: s.backend, DatabaseID: cred.DatabaseID, Err: ErrUnauthorized}
		}
	}
	return &localConn{store: s, namespace: namespace(cred.DatabaseID)}, nil
}

func (s *localStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.engine.close()
}

// namespace derives the tenant's key prefix from its database ID
func namespace(databaseID string) []byte {
	h := blake3.New()
	_, _ = h.Write([]byte(databaseID))
	return h.Sum(nil)[:namespaceLen]
}

// nextVersionstamp returns a strictly increasing 10-byte stamp: microseconds
// since the epoch, bumped when the clock does not advance, followed by a
// zero batch index
func (s *localStore) nextVersionstamp() []byte {
	s.mu.Lock()
	tick := uint64(time.Now().UnixMicro())
	if tick <= s.lastTick {
		tick = s.lastTick + 1
	}
	s.lastTick = tick
	s.mu.Unlock()

	vs := make([]byte, versionstampLen)
	binary.BigEndian.PutUint64(vs, tick)
	return vs
}

func (s *localStore) seal(vs []byte, v kvconnect.KvValue) []byte {
	data, flags := v.Data, byte(0)
	if s.compressThreshold > 0 && len(data) > s.compressThreshold {
		data = s.encoder.EncodeAll(data, make([]byte, 0, len(data)))
		flags |= flagCompressed
	}
	out := make([]byte, 0, envelopeHeaderLen+len(data))
	out = append(out, vs...)
	out = append(out, byte(v.Encoding), flags)
	return append(out, data...)
}

func (s *localStore) open(raw []byte) (vs []byte, v kvconnect.KvValue, err error) {
	if len(raw) < envelopeHeaderLen {
		return nil, v, fmt.Errorf("stored value is truncated")
	}
	vs = raw[:versionstampLen]
	v.Encoding = kvconnect.ValueEncoding(raw[versionstampLen])
	flags := raw[versionstampLen+1]
	v.Data = raw[envelopeHeaderLen:]
	if flags&flagCompressed != 0 {
		v.Data, err = s.decoder.DecodeAll(v.Data, nil)
		if err != nil {
			return nil, v, fmt.Errorf("failed to decompress value: %w", err)
		}
	}
	return vs, v, nil
}

// localConn is one tenant's view of a local store
type localConn struct {
	store     *localStore
	namespace []byte
	closed    bool
}

var errConnClosed = errors.New("connection is closed")

func (c *localConn) storageKey(key kvkey.Key) ([]byte, error) {
	b, err := kvkey.MarshalBinary(key)
	if err != nil {
		return nil, err
	}
	return concat(c.namespace, b), nil
}

func (c *localConn) entry(storageKey, raw []byte) (*Entry, error) {
	key, err := kvkey.UnmarshalBinary(storageKey[len(c.namespace):])
	if err != nil {
		return nil, fmt.Errorf("stored key is corrupt: %w", err)
	}
	vs, v, err := c.store.open(raw)
	if err != nil {
		return nil, err
	}
	value, err := decodeValue(v.Encoding, v.Data)
	if err != nil {
		return nil, err
	}
	return &Entry{Key: key, Value: value, Versionstamp: formatVersionstamp(vs)}, nil
}

func (c *localConn) List(ctx context.Context, prefix kvkey.Key, opts ListOptions) (*ListResult, error) {
	if c.closed {
		return nil, opErr("list", errConnClosed)
	}
	prefixBytes, err := c.storageKey(prefix)
	if err != nil {
		return nil, opErr("list", err)
	}
	r, err := newScanRange(prefixBytes, opts.Cursor, opts.Reverse)
	if err != nil {
		return nil, err
	}

	limit := opts.limit()
	raws, err := c.store.engine.scan(r.start, r.end, opts.Reverse, limit+1)
	if err != nil {
		return nil, opErr("list", err)
	}
	raws, more := page(raws, limit)

	res := &ListResult{Entries: make([]Entry, 0, len(raws))}
	for _, raw := range raws {
		e, err := c.entry(raw.key, raw.value)
		if err != nil {
			return nil, opErr("list", err)
		}
		res.Entries = append(res.Entries, *e)
	}
	if more && len(raws) > 0 {
		res.Cursor = r.cursorFor(raws[len(raws)-1].key)
	}
	return res, nil
}

func (c *localConn) Get(ctx context.Context, key kvkey.Key) (*Entry, error) {
	if c.closed {
		return nil, opErr("get", errConnClosed)
	}
	sk, err := c.storageKey(key)
	if err != nil {
		return nil, opErr("get", err)
	}
	raw, err := c.store.engine.get(sk)
	if err != nil {
		return nil, opErr("get", err)
	}
	if raw == nil {
		return nil, nil
	}
	e, err := c.entry(sk, raw)
	return e, opErr("get", err)
}

func (c *localConn) Set(ctx context.Context, key kvkey.Key, value any) (string, error) {
	if c.closed {
		return "", opErr("set", errConnClosed)
	}
	sk, err := c.storageKey(key)
	if err != nil {
		return "", opErr("set", err)
	}
	v, err := encodeValue(value)
	if err != nil {
		return "", opErr("set", err)
	}
	vs := c.store.nextVersionstamp()
	if err := c.store.engine.set(sk, c.store.seal(vs, v)); err != nil {
		return "", opErr("set", err)
	}
	return formatVersionstamp(vs), nil
}

func (c *localConn) Delete(ctx context.Context, key kvkey.Key) error {
	if c.closed {
		return opErr("delete", errConnClosed)
	}
	sk, err := c.storageKey(key)
	if err != nil {
		return opErr("delete", err)
	}
	return opErr("delete", c.store.engine.delete(sk))
}

func (c *localConn) Close() error {
	c.closed = true
	return nil
}
