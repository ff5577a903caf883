// Package kvconnecttest provides an in-process KV Connect server for tests.
package kvconnecttest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/kvexplorer/kvexplorer/internal/kvconnect"
)

type entry struct {
	value        []byte
	encoding     kvconnect.ValueEncoding
	versionstamp []byte
}

// Server is a KV Connect server backed by a sorted in-memory map. Databases
// are created on first use.
type Server struct {
	*httptest.Server

	// Tokens maps database ID to the access token the metadata exchange
	// accepts. A database missing from the map accepts any token.
	Tokens map[string]string

	mu      sync.Mutex
	dbs     map[string]map[string]entry
	version uint64
	calls   map[string]int
}

// NewServer starts a server; callers must Close it
func NewServer() *Server {
	s := &Server{
		Tokens: map[string]string{},
		dbs:    map[string]map[string]entry{},
		calls:  map[string]int{},
	}

	r := mux.NewRouter()
	r.HandleFunc("/databases/{id}/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/data/{id}/snapshot_read", s.handleSnapshotRead).Methods(http.MethodPost)
	r.HandleFunc("/data/{id}/atomic_write", s.handleAtomicWrite).Methods(http.MethodPost)
	s.Server = httptest.NewServer(r)
	return s
}

// ConnectURL returns the metadata URL template for this server
func (s *Server) ConnectURL() string {
	return s.URL + "/databases/{id}/connect"
}

// Calls returns how many requests the named handler ("connect",
// "snapshot_read", "atomic_write") has served
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *Server) count(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func dataToken(id string) string { return "data-token-" + id }

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.count("connect")
	id := mux.Vars(r)["id"]

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	want, restricted := s.Tokens[id]
	s.mu.Unlock()
	if token == "" || (restricted && token != want) {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	var body struct {
		SupportedVersions []int `json:"supportedVersions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.SupportedVersions) == 0 {
		http.Error(w, "bad metadata request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(kvconnect.DatabaseMetadata{
		Version:    3,
		DatabaseID: id,
		Endpoints:  []kvconnect.Endpoint{{URL: "/data/" + id, Consistency: "strong"}},
		Token:      dataToken(id),
		ExpiresAt:  time.Now().Add(time.Hour).UTC(),
	})
}

func (s *Server) authorizeData(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if r.Header.Get("Authorization") != "Bearer "+dataToken(id) {
		http.Error(w, "invalid data token", http.StatusUnauthorized)
		return "", false
	}
	if r.Header.Get("x-denokv-database-id") != id {
		http.Error(w, "missing database id header", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (s *Server) handleSnapshotRead(w http.ResponseWriter, r *http.Request) {
	s.count("snapshot_read")
	id, ok := s.authorizeData(w, r)
	if !ok {
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var req kvconnect.SnapshotRead
	if err := req.Unmarshal(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	db := s.dbs[id]
	keys := make([]string, 0, len(db))
	for k := range db {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := kvconnect.SnapshotReadOutput{
		ReadIsStronglyConsistent: true,
		Status:                   kvconnect.ReadStatusSuccess,
	}
	for _, rr := range req.Ranges {
		out.Ranges = append(out.Ranges, readRange(db, keys, rr))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(out.Marshal())
}

func readRange(db map[string]entry, keys []string, rr kvconnect.ReadRange) kvconnect.ReadRangeOutput {
	var matched []string
	for _, k := range keys {
		if bytes.Compare([]byte(k), rr.Start) >= 0 && bytes.Compare([]byte(k), rr.End) < 0 {
			matched = append(matched, k)
		}
	}
	if rr.Reverse {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if rr.Limit > 0 && len(matched) > int(rr.Limit) {
		matched = matched[:rr.Limit]
	}

	var out kvconnect.ReadRangeOutput
	for _, k := range matched {
		e := db[k]
		out.Values = append(out.Values, kvconnect.KvEntry{
			Key:          []byte(k),
			Value:        e.value,
			Encoding:     e.encoding,
			Versionstamp: e.versionstamp,
		})
	}
	return out
}

func (s *Server) handleAtomicWrite(w http.ResponseWriter, r *http.Request) {
	s.count("atomic_write")
	id, ok := s.authorizeData(w, r)
	if !ok {
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var req kvconnect.AtomicWrite
	if err := req.Unmarshal(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	db := s.dbs[id]
	if db == nil {
		db = map[string]entry{}
		s.dbs[id] = db
	}
	s.version++
	vs := make([]byte, 10)
	binary.BigEndian.PutUint64(vs, s.version)

	for _, m := range req.Mutations {
		switch m.Type {
		case kvconnect.MutationSet:
			if m.Value == nil {
				continue
			}
			db[string(m.Key)] = entry{value: m.Value.Data, encoding: m.Value.Encoding, versionstamp: vs}
		case kvconnect.MutationDelete:
			delete(db, string(m.Key))
		}
	}
	s.mu.Unlock()

	out := kvconnect.AtomicWriteOutput{Status: kvconnect.WriteStatusSuccess, Versionstamp: vs}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(out.Marshal())
}
