// Package journal records backup and restore operations in a local SQLite
// database so past runs can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/home-assistant/core-sub043/internal/journal/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation kinds.
const (
	KindCreate   = "create"
	KindRestore  = "restore"
	KindDelete   = "delete"
	KindValidate = "validate"
)

// Operation statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is one journaled operation.
type Entry struct {
	ID         int64
	Kind       string
	BackupID   string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Journal is the operations journal. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens the journal database at path, creating and migrating it as
// needed. path can be ":memory:" for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Begin records the start of an operation and returns its journal id.
func (j *Journal) Begin(ctx context.Context, kind, backupID string) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (kind, backup_id, status, started_at) VALUES (?, ?, ?, ?)`,
		kind, backupID, StatusRunning, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to journal operation start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read journal id: %w", err)
	}
	return id, nil
}

// Finish records how an operation ended. A nil opErr marks it completed.
func (j *Journal) Finish(ctx context.Context, id int64, opErr error) error {
	status, errText := StatusCompleted, ""
	if opErr != nil {
		status, errText = StatusFailed, opErr.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errText, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("failed to journal operation end: %w", err)
	}
	return nil
}

// SetBackupID attaches a backup id to a running operation once it is known.
func (j *Journal) SetBackupID(ctx context.Context, id int64, backupID string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE operations SET backup_id = ? WHERE id = ?`, backupID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update journal entry: %w", err)
	}
	return nil
}

// Recent returns the most recently started operations, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, backup_id, status, error, started_at, finished_at
		 FROM operations ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.BackupID, &e.Status, &e.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("failed to parse journal timestamp: %w", err)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse journal timestamp: %w", err)
			}
			e.FinishedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
