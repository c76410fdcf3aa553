// Package sqlite provides a SQLite-backed desync report store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"simsync/server/internal/store"
	"simsync/server/internal/store/sqlite/migrations"
)

// ErrAlreadyExists indicates a report id collision.
var ErrAlreadyExists = errors.New("sqlite: report already exists")

// Store persists desync reports in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite report store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveReport inserts one report, assigning an id and timestamp when missing.
func (s *Store) SaveReport(ctx context.Context, report store.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(report.ID)
	if id == "" {
		id = uuid.NewString()
	}
	reason := strings.TrimSpace(report.Reason)
	if reason == "" {
		return fmt.Errorf("reason is required")
	}
	createdAt := report.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO desync_reports (
		   id,
		   peer,
		   session,
		   tick,
		   command_index,
		   reason,
		   local_trace,
		   remote_trace,
		   snapshot,
		   created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		int64(report.Peer),
		report.Session,
		int64(report.Tick),
		report.Index,
		reason,
		report.LocalTrace,
		report.RemoteTrace,
		report.Snapshot,
		toMillis(createdAt),
	)
	if err != nil {
		if isReportUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("save desync report: %w", err)
	}
	return nil
}

// GetReport returns one report by id.
func (s *Store) GetReport(ctx context.Context, id string) (store.Report, error) {
	if err := ctx.Err(); err != nil {
		return store.Report{}, err
	}
	if s == nil || s.sqlDB == nil {
		return store.Report{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return store.Report{}, fmt.Errorf("report id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, peer, session, tick, command_index, reason,
		        local_trace, remote_trace, snapshot, created_at
		   FROM desync_reports
		  WHERE id = ?`,
		id,
	)
	report, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Report{}, store.ErrNotFound
		}
		return store.Report{}, fmt.Errorf("get desync report: %w", err)
	}
	return report, nil
}

// ListReports returns the newest reports first. Snapshots are omitted from
// listings.
func (s *Store) ListReports(ctx context.Context, limit int) ([]store.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, peer, session, tick, command_index, reason,
		        local_trace, remote_trace, NULL, created_at
		   FROM desync_reports
		  ORDER BY created_at DESC, id ASC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list desync reports: %w", err)
	}
	defer rows.Close()

	reports := make([]store.Report, 0, limit)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("list desync reports: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list desync reports: %w", err)
	}
	return reports, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (store.Report, error) {
	var report store.Report
	var peer, tick, createdAt int64
	err := row.Scan(
		&report.ID,
		&peer,
		&report.Session,
		&tick,
		&report.Index,
		&report.Reason,
		&report.LocalTrace,
		&report.RemoteTrace,
		&report.Snapshot,
		&createdAt,
	)
	if err != nil {
		return store.Report{}, err
	}
	report.Peer = uint32(peer)
	report.Tick = uint64(tick)
	report.CreatedAt = fromMillis(createdAt)
	return report, nil
}

func isReportUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "desync_reports.id")
}

var _ store.ReportStore = (*Store)(nil)
