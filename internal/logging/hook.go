package logging

import (
	"strings"

	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/sirupsen/logrus"
)

// DefaultRedactedFields are masked by NewRedactHook
var DefaultRedactedFields = []string{"access_token", "token", "authorization"}

// RedactHook masks secret-bearing fields before an entry is formatted
type RedactHook struct {
	fields map[string]struct{}
}

// NewRedactHook creates a hook masking fields (case-insensitive), or
// DefaultRedactedFields when none are given
func NewRedactHook(fields ...string) *RedactHook {
	if len(fields) == 0 {
		fields = DefaultRedactedFields
	}
	h := &RedactHook{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		h.fields[strings.ToLower(f)] = struct{}{}
	}
	return h
}

// Levels returns the log levels this hook should fire for
func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire replaces string values of redacted fields with a masked form. Data is
// copied before the first change.
func (h *RedactHook) Fire(entry *logrus.Entry) error {
	copied := false
	for k, v := range entry.Data {
		if _, ok := h.fields[strings.ToLower(k)]; !ok {
			continue
		}
		if !copied {
			data := make(logrus.Fields, len(entry.Data))
			for dk, dv := range entry.Data {
				data[dk] = dv
			}
			entry.Data = data
			copied = true
		}
		if s, ok := v.(string); ok {
			entry.Data[k] = credentials.MaskToken(strings.TrimPrefix(s, "Bearer "))
		} else {
			entry.Data[k] = "[REDACTED]"
		}
	}
	return nil
}
