package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/studio-keygov-go/internal/models"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// fixed width so lexical order in SQLite matches time order
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteLedger keeps the ledger in an on-disk SQLite table
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLedger opens (and creates, if needed) the ledger database at path
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func (l *SQLiteLedger) Append(ctx context.Context, entry *models.UsageLogEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	createdAt := l.now().UTC()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_log (service_name, category, success, response_time_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ServiceName, entry.Category, entry.Success, entry.ResponseTimeMs, entry.ErrorMessage,
		createdAt.Format(sqliteTimeLayout))
	if err != nil {
		return persistErr("append usage", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return persistErr("append usage", err)
	}
	entry.ID = id
	entry.CreatedAt = createdAt
	return nil
}

func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]*models.UsageLogEntry, error) {
	if limit <= 0 {
		return []*models.UsageLogEntry{}, nil
	}
	return l.query(ctx, `
		SELECT id, service_name, category, success, response_time_ms, error_message, created_at
		FROM usage_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
}

func (l *SQLiteLedger) All(ctx context.Context) ([]*models.UsageLogEntry, error) {
	return l.query(ctx, `
		SELECT id, service_name, category, success, response_time_ms, error_message, created_at
		FROM usage_log
		ORDER BY created_at ASC, id ASC
	`)
}

func (l *SQLiteLedger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *SQLiteLedger) query(ctx context.Context, query string, args ...interface{}) ([]*models.UsageLogEntry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("query usage", err)
	}
	defer rows.Close()

	entries := make([]*models.UsageLogEntry, 0)
	for rows.Next() {
		var e models.UsageLogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ServiceName, &e.Category, &e.Success,
			&e.ResponseTimeMs, &e.ErrorMessage, &createdAt); err != nil {
			return nil, persistErr("scan usage", err)
		}
		if e.ServiceName == "" || e.ResponseTimeMs < 0 {
			return nil, persistErr("scan usage", errMalformedRow)
		}
		if e.CreatedAt, err = time.ParseInLocation(sqliteTimeLayout, createdAt, time.UTC); err != nil {
			return nil, persistErr("scan usage", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("scan usage", err)
	}
	return entries, nil
}
