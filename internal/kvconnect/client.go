// Package kvconnect implements the client side of the KV Connect protocol: a
// JSON metadata exchange that yields a data-path endpoint, followed by
// protobuf snapshot_read and atomic_write calls against that endpoint.
package kvconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// SupportedVersions are the protocol versions offered during the metadata
// exchange
var SupportedVersions = []int{1, 2, 3}

const (
	contentTypeProtobuf = "application/x-protobuf"
	maxErrorBody        = 4 << 10
)

// ErrDisabled is returned when the database reports reads or writes as
// disabled
var ErrDisabled = errors.New("operation disabled by the database")

// StatusError is a non-2xx answer from the metadata or data endpoint
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Endpoint is a data-path URL advertised by the metadata exchange
type Endpoint struct {
	URL         string `json:"url"`
	Consistency string `json:"consistency"`
}

// DatabaseMetadata is the response of the metadata exchange
type DatabaseMetadata struct {
	Version    int        `json:"version"`
	DatabaseID string     `json:"databaseId"`
	Endpoints  []Endpoint `json:"endpoints"`
	Token      string     `json:"token"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// Options configures a Client
type Options struct {
	// ConnectURL is the metadata endpoint; "{id}" is replaced by the database ID
	ConnectURL string
	Timeout    time.Duration
	// Transport is cloned for every session; http.DefaultTransport when nil
	Transport *http.Transport
	Logger    *logrus.Logger
}

// Client opens sessions against KV Connect databases. It holds no
// per-database state and is safe for concurrent use.
type Client struct {
	connectURL string
	timeout    time.Duration
	transport  *http.Transport
	logger     *logrus.Logger
}

// NewClient creates a client
func NewClient(opts Options) (*Client, error) {
	if !strings.Contains(opts.ConnectURL, "{id}") {
		return nil, fmt.Errorf("connect URL %q must contain {id}", opts.ConnectURL)
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport)
	}
	return &Client{
		connectURL: opts.ConnectURL,
		timeout:    opts.Timeout,
		transport:  transport,
		logger:     opts.Logger,
	}, nil
}

// Session is a connection to one database. It owns its transport, so no
// socket is shared with another session. A Session is not meant to outlive
// the request that opened it.
type Session struct {
	metadata  DatabaseMetadata
	endpoint  *url.URL
	client    *http.Client
	transport *http.Transport
	logger    *logrus.Entry
}

func (c *Client) newHTTPClient(transport *http.Transport, token string) *http.Client {
	base := &http.Client{Transport: transport}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
	client.Timeout = c.timeout
	return client
}

// Connect performs the metadata exchange for databaseID using accessToken and
// returns a session bound to the advertised endpoint
func (c *Client) Connect(ctx context.Context, databaseID, accessToken string) (*Session, error) {
	transport := c.transport.Clone()
	s, err := c.connect(ctx, transport, databaseID, accessToken)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}
	return s, nil
}

func (c *Client) connect(ctx context.Context, transport *http.Transport, databaseID, accessToken string) (*Session, error) {
	metadataURL := strings.ReplaceAll(c.connectURL, "{id}", url.PathEscape(databaseID))

	body, err := json.Marshal(map[string]any{"supportedVersions": SupportedVersions})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadataURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.newHTTPClient(transport, accessToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("metadata exchange", resp)
	}

	var md DatabaseMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode database metadata: %w", err)
	}
	if !supported(md.Version) {
		return nil, fmt.Errorf("unsupported protocol version %d", md.Version)
	}
	if md.Token == "" {
		return nil, fmt.Errorf("database metadata carries no token")
	}
	if md.DatabaseID == "" {
		md.DatabaseID = databaseID
	}

	endpoint, err := pickEndpoint(metadataURL, md.Endpoints)
	if err != nil {
		return nil, err
	}

	logger := c.logger.WithFields(logrus.Fields{
		"database_id": md.DatabaseID,
		"version":     md.Version,
		"endpoint":    endpoint.Host,
	})
	logger.Debug("KV Connect session opened")

	return &Session{
		metadata:  md,
		endpoint:  endpoint,
		client:    c.newHTTPClient(transport, md.Token),
		transport: transport,
		logger:    logger,
	}, nil
}

func supported(version int) bool {
	for _, v := range SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// pickEndpoint prefers a strongly consistent endpoint. Relative URLs are
// resolved against the metadata URL.
func pickEndpoint(metadataURL string, endpoints []Endpoint) (*url.URL, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("database metadata lists no endpoints")
	}
	chosen := endpoints[0]
	for _, ep := range endpoints {
		if ep.Consistency == "strong" {
			chosen = ep
			break
		}
	}

	base, err := url.Parse(metadataURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata URL: %w", err)
	}
	ref, err := url.Parse(chosen.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", chosen.URL, err)
	}
	return base.ResolveReference(ref), nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// Metadata returns the result of the metadata exchange
func (s *Session) Metadata() DatabaseMetadata {
	return s.metadata
}

// SnapshotRead reads the requested ranges
func (s *Session) SnapshotRead(ctx context.Context, req *SnapshotRead) (*SnapshotReadOutput, error) {
	raw, err := s.call(ctx, "snapshot_read", req.Marshal())
	if err != nil {
		return nil, err
	}
	out := &SnapshotReadOutput{}
	if err := out.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot_read response: %w", err)
	}
	if out.ReadDisabled || out.Status == ReadStatusReadDisabled {
		return nil, fmt.Errorf("snapshot_read: %w", ErrDisabled)
	}
	if len(out.Ranges) != len(req.Ranges) {
		return nil, fmt.Errorf("snapshot_read: expected %d ranges, got %d", len(req.Ranges), len(out.Ranges))
	}
	return out, nil
}

// AtomicWrite applies the mutations as one transaction
func (s *Session) AtomicWrite(ctx context.Context, req *AtomicWrite) (*AtomicWriteOutput, error) {
	raw, err := s.call(ctx, "atomic_write", req.Marshal())
	if err != nil {
		return nil, err
	}
	out := &AtomicWriteOutput{}
	if err := out.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("failed to decode atomic_write response: %w", err)
	}
	switch out.Status {
	case WriteStatusSuccess:
		return out, nil
	case WriteStatusWriteDisabled:
		return nil, fmt.Errorf("atomic_write: %w", ErrDisabled)
	case WriteStatusCheckFailure:
		return nil, fmt.Errorf("atomic_write: check failed for %v", out.FailedChecks)
	}
	return nil, fmt.Errorf("atomic_write: unexpected status %d", out.Status)
}

func (s *Session) call(ctx context.Context, method string, body []byte) ([]byte, error) {
	target := s.endpoint.JoinPath(method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentTypeProtobuf)
	req.Header.Set("x-denokv-version", strconv.Itoa(s.metadata.Version))
	if s.metadata.Version == 1 {
		req.Header.Set("x-transaction-domain-id", s.metadata.DatabaseID)
	} else {
		req.Header.Set("x-denokv-database-id", s.metadata.DatabaseID)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(method, resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	s.logger.WithFields(logrus.Fields{
		"method":   method,
		"bytes":    len(raw),
		"duration": time.Since(start).String(),
	}).Trace("KV Connect call")
	return raw, nil
}

// Close releases the session's idle sockets
func (s *Session) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}
