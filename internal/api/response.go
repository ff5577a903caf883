package api

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"net/http"

	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/explorer"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/middleware"
	"github.com/kvexplorer/kvexplorer/internal/store"
)

// entryResponse is the wire form of a stored entry
type entryResponse struct {
	Key          []kvkey.StructuralPart `json:"key"`
	EncodedKey   string                 `json:"encodedKey"`
	Value        any                    `json:"value"`
	Versionstamp string                 `json:"versionstamp"`
}

type listResponse struct {
	Entries []entryResponse `json:"entries"`
	Cursor  *string         `json:"cursor"`
}

type childResponse struct {
	Part        kvkey.StructuralPart `json:"part"`
	EncodedKey  string               `json:"encodedKey"`
	HasEntry    bool                 `json:"hasEntry"`
	Descendants int                  `json:"descendants"`
}

type childrenResponse struct {
	Prefix    []kvkey.StructuralPart `json:"prefix"`
	Children  []childResponse        `json:"children"`
	Truncated bool                   `json:"truncated"`
}

type browseResponse struct {
	Entry *entryResponse `json:"entry"`
	childrenResponse
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) toEntry(e store.Entry) (entryResponse, error) {
	parts, err := kvkey.ToStructural(e.Key)
	if err != nil {
		return entryResponse{}, err
	}
	encoded, err := kvkey.Encode(e.Key, h.keyFormat)
	if err != nil {
		return entryResponse{}, err
	}
	return entryResponse{
		Key:          parts,
		EncodedKey:   encoded,
		Value:        jsonValue(e.Value),
		Versionstamp: e.Versionstamp,
	}, nil
}

func (h *Handler) toChildren(res *explorer.ChildrenResult) (childrenResponse, error) {
	prefix, err := kvkey.ToStructural(res.Prefix)
	if err != nil {
		return childrenResponse{}, err
	}
	out := childrenResponse{
		Prefix:    prefix,
		Children:  make([]childResponse, 0, len(res.Children)),
		Truncated: res.Truncated,
	}
	for _, c := range res.Children {
		key := res.Prefix.Append(c.Part)
		parts, err := kvkey.ToStructural(key)
		if err != nil {
			return childrenResponse{}, err
		}
		encoded, err := kvkey.Encode(key, h.keyFormat)
		if err != nil {
			return childrenResponse{}, err
		}
		out.Children = append(out.Children, childResponse{
			Part:        parts[len(parts)-1],
			EncodedKey:  encoded,
			HasEntry:    c.HasEntry,
			Descendants: c.Descendants,
		})
	}
	return out, nil
}

// jsonValue rewrites decoded store values that encoding/json cannot
// represent faithfully: non-finite numbers become "NaN", "Infinity" or
// "-Infinity", bigints become decimal strings and byte sequences become
// arrays of integers.
func jsonValue(v any) any {
	switch val := v.(type) {
	case float64:
		switch {
		case math.IsNaN(val):
			return "NaN"
		case math.IsInf(val, 1):
			return "Infinity"
		case math.IsInf(val, -1):
			return "-Infinity"
		}
		return val
	case *big.Int:
		if val == nil {
			return nil
		}
		return val.String()
	case []byte:
		out := make([]int, len(val))
		for i, b := range val {
			out[i] = int(b)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	}
	return v
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	var bodyErr *bodyError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &bodyErr):
		return http.StatusBadRequest
	case errors.Is(err, kvkey.ErrDecode), errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, credentials.ErrMissingCredential):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrConnect):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	h.logAPIError(r, err, status)
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) logAPIError(r *http.Request, err error, status int) {
	entry := h.logger.WithField("error", err.Error()).WithField("status", status)
	if traceID := middleware.GetTraceID(r.Context()); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if status >= http.StatusInternalServerError {
		entry.Error("API error")
		return
	}
	entry.Warn("API error")
}
