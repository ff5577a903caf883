package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore opens (or creates) the audit database at dbPath
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Audit log SQLite store initialized")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		database_id TEXT NOT NULL,
		action TEXT NOT NULL,
		key TEXT NOT NULL,
		status TEXT NOT NULL,
		versionstamp TEXT,
		error TEXT,
		trace_id TEXT,
		ip_address TEXT,
		user_agent TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_db_time ON mutations(database_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_mutations_timestamp ON mutations(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// LogEvent records an event
func (s *SQLiteStore) LogEvent(ctx context.Context, at time.Time, event *Event) error {
	query := `
		INSERT INTO mutations (
			timestamp, database_id, action, key, status,
			versionstamp, error, trace_id, ip_address, user_agent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		at.UnixMilli(),
		event.DatabaseID,
		event.Action,
		event.Key,
		event.Status,
		event.Versionstamp,
		event.Error,
		event.TraceID,
		event.IPAddress,
		event.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// GetLogs retrieves one page of records matching filters
func (s *SQLiteStore) GetLogs(ctx context.Context, filters *Filters) ([]*Record, int, error) {
	whereClause, args := buildWhereClause(filters)

	var total int
	countQuery := "SELECT COUNT(*) FROM mutations " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`
		SELECT id, timestamp, database_id, action, key, status,
		       versionstamp, error, trace_id, ip_address, user_agent
		FROM mutations %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, filters.PageSize, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// PurgeBefore deletes records older than cutoff
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM mutations WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return int(deleted), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func buildWhereClause(filters *Filters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filters.DatabaseID != "" {
		conditions = append(conditions, "database_id = ?")
		args = append(args, filters.DatabaseID)
	}
	if filters.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filters.Action)
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.Key != "" {
		conditions = append(conditions, "key = ?")
		args = append(args, filters.Key)
	}
	if !filters.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filters.Since.UnixMilli())
	}
	if !filters.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filters.Until.UnixMilli())
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	records := []*Record{}

	for rows.Next() {
		rec := &Record{}
		var ts int64
		var versionstamp, errMsg, traceID, ipAddress, userAgent sql.NullString

		err := rows.Scan(
			&rec.ID,
			&ts,
			&rec.DatabaseID,
			&rec.Action,
			&rec.Key,
			&rec.Status,
			&versionstamp,
			&errMsg,
			&traceID,
			&ipAddress,
			&userAgent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Versionstamp = versionstamp.String
		rec.Error = errMsg.String
		rec.TraceID = traceID.String
		rec.IPAddress = ipAddress.String
		rec.UserAgent = userAgent.String

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}
