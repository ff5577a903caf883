package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/kvexplorer/kvexplorer/internal/audit"
	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/middleware"
)

type auditResponse struct {
	Logs     []*audit.Record `json:"logs"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// recordMutation writes a set or delete that reached the store to the audit
// trail. Audit failures are logged by the manager and never fail the request.
func (h *Handler) recordMutation(r *http.Request, action string, key kvkey.Key, versionstamp string, opErr error) {
	if h.auditManager == nil || errors.Is(opErr, kvkey.ErrDecode) {
		return
	}
	cred, ok := credentials.FromContext(r.Context())
	if !ok {
		return
	}

	encoded, err := kvkey.Encode(key, h.keyFormat)
	if err != nil {
		encoded = key.String()
	}
	event := &audit.Event{
		DatabaseID:   cred.DatabaseID,
		Action:       action,
		Key:          encoded,
		Status:       audit.StatusSuccess,
		Versionstamp: versionstamp,
		TraceID:      middleware.GetTraceID(r.Context()),
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	}
	if opErr != nil {
		event.Status = audit.StatusFailed
		event.Error = opErr.Error()
	}

	_ = h.auditManager.LogEvent(context.WithoutCancel(r.Context()), event)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	cred, ok := credentials.FromContext(r.Context())
	if !ok {
		h.writeError(w, r, &credentials.MissingCredentialError{Fields: []string{"database ID", "access token"}})
		return
	}

	q := r.URL.Query()
	filters := &audit.Filters{
		Action: q.Get("action"),
		Status: q.Get("status"),
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	if raw := q.Get("key"); raw != "" {
		key, err := kvkey.Decode(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if filters.Key, err = kvkey.Encode(key, h.keyFormat); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	records, total, err := h.auditManager.GetLogs(r.Context(), cred.DatabaseID, filters)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, auditResponse{
		Logs:     records,
		Total:    total,
		Page:     filters.Page,
		PageSize: filters.PageSize,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
