// Package audit keeps a queryable trail of the mutations made through the
// explorer.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ErrInvalidEvent is returned for an event missing a required field
var ErrInvalidEvent = errors.New("invalid audit event")

// Manager handles audit logging operations
type Manager struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a new audit manager
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// LogEvent records a mutation
func (m *Manager) LogEvent(ctx context.Context, event *Event) error {
	if event == nil || event.DatabaseID == "" || event.Action == "" || event.Status == "" {
		m.logger.Warn("Audit event missing required fields")
		return ErrInvalidEvent
	}

	if err := m.store.LogEvent(ctx, m.now(), event); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"database_id": event.DatabaseID,
			"action":      event.Action,
			"status":      event.Status,
		}).Error("Failed to log audit event")
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"database_id": event.DatabaseID,
		"action":      event.Action,
		"key":         event.Key,
		"status":      event.Status,
		"trace_id":    event.TraceID,
	}).Debug("Audit event logged")
	return nil
}

// GetLogs returns the records of one database, newest first. filters is
// normalized in place; its DatabaseID is always replaced by databaseID.
func (m *Manager) GetLogs(ctx context.Context, databaseID string, filters *Filters) ([]*Record, int, error) {
	if databaseID == "" {
		return []*Record{}, 0, nil
	}

	if filters == nil {
		filters = &Filters{}
	}
	filters.DatabaseID = databaseID
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = DefaultPageSize
	}
	if filters.PageSize > MaxPageSize {
		filters.PageSize = MaxPageSize
	}

	records, total, err := m.store.GetLogs(ctx, filters)
	if err != nil {
		m.logger.WithError(err).WithField("database_id", databaseID).Error("Failed to retrieve audit records")
		return nil, 0, err
	}
	return records, total, nil
}

// PurgeLogs deletes records older than olderThanDays
func (m *Manager) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}

	count, err := m.store.PurgeBefore(ctx, m.now().AddDate(0, 0, -olderThanDays))
	if err != nil {
		m.logger.WithError(err).WithField("retention_days", olderThanDays).Error("Failed to purge old audit records")
		return 0, err
	}
	return count, nil
}

// StartRetentionJob purges old records now and then once a day until ctx is
// cancelled
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		m.logger.Info("Audit log retention disabled (retention_days <= 0)")
		return
	}

	m.logger.WithField("retention_days", retentionDays).Info("Starting audit log retention job")

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		m.runRetentionCleanup(ctx, retentionDays)

		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("Stopping audit log retention job")
				return
			case <-ticker.C:
				m.runRetentionCleanup(ctx, retentionDays)
			}
		}
	}()
}

func (m *Manager) runRetentionCleanup(ctx context.Context, retentionDays int) {
	count, err := m.PurgeLogs(ctx, retentionDays)
	if err != nil {
		return
	}
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": retentionDays,
		}).Info("Audit log retention cleanup completed")
	}
}

// Close closes the underlying store
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
