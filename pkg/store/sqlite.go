package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sessionbus/pkg/message"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS scheduled_events (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     TEXT NOT NULL UNIQUE,
		kind         TEXT NOT NULL,
		session_id   TEXT NOT NULL DEFAULT '',
		scheduled_at INTEGER NOT NULL,
		payload      BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_events_due ON scheduled_events (scheduled_at)`,
}

// SQLite keeps pending events in a single table.
type SQLite struct {
	sqlDB *sql.DB
	opts  Options
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", filepath.Clean(path))
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLite{sqlDB: sqlDB, opts: opts.withDefaults()}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLite) Save(ctx context.Context, events []message.Scheduled) error {
	records, err := encodeRecords(s.opts.Codec, events)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scheduled_events (event_id, kind, session_id, scheduled_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			kind = excluded.kind,
			session_id = excluded.session_id,
			scheduled_at = excluded.scheduled_at,
			payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx, record.ID, string(record.Kind), record.SessionID, toMillis(record.ScheduledTime), record.Payload); err != nil {
			return fmt.Errorf("save event %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *SQLite) LoadAndClear(ctx context.Context) ([]message.Scheduled, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	records, err := queryRecords(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_events`); err != nil {
		return nil, fmt.Errorf("clear events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit load: %w", err)
	}

	return decodeRecords(ctx, s.opts.Logger, s.opts.Codec, records), nil
}

func (s *SQLite) Peek(ctx context.Context) ([]message.Scheduled, error) {
	records, err := queryRecords(ctx, s.sqlDB)
	if err != nil {
		return nil, err
	}

	return decodeRecords(ctx, s.opts.Logger, s.opts.Codec, records), nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRecords(ctx context.Context, q queryer) ([]Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT event_id, kind, session_id, scheduled_at, payload
		FROM scheduled_events
		ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record      Record
			kind        string
			scheduledAt int64
		)
		if err := rows.Scan(&record.ID, &kind, &record.SessionID, &scheduledAt, &record.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		record.Kind = message.Kind(kind)
		record.ScheduledTime = fromMillis(scheduledAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return records, nil
}
