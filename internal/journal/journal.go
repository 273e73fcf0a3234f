// Package journal provides the append-only SQLite record of processed
// batches and build results. It is an audit surface for the CLI and the
// status API; the watcher never reads it back into build decisions.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"devwatch/internal/models"
)

// Journal wraps the SQLite database.
type Journal struct {
	db *sql.DB
}

// Open creates a Journal at dbPath and runs migrations.
func Open(dbPath string) (*Journal, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// migrate runs idempotent schema migrations.
func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		events TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		processed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		batch_id TEXT,
		handle TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error TEXT,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_builds_recorded_at ON builds(recorded_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// eventRecord is the JSON shape stored in batches.events.
type eventRecord struct {
	Kind   models.ChangeKind `json:"kind"`
	Handle string            `json:"handle"`
}

// RecordBatch appends one processed batch.
func (j *Journal) RecordBatch(ctx context.Context, batch models.ReconciledBatch) error {
	events := make([]eventRecord, 0, len(batch.Events))
	for _, ev := range batch.Events {
		events = append(events, eventRecord{Kind: ev.Kind, Handle: ev.Extension.Handle()})
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal batch events: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO batches (id, path, events, started_at, processed_at) VALUES (?, ?, ?, ?, ?)`,
		batch.ID, batch.Path, string(payload), batch.StartedAt, time.Now())
	if err != nil {
		return fmt.Errorf("record batch: %w", err)
	}
	return nil
}

// RecordBuilds appends one build pass. batchID is empty for the initial
// full build.
func (j *Journal) RecordBuilds(ctx context.Context, batchID string, results []models.BuildResult) error {
	now := time.Now()
	for _, res := range results {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO builds (id, batch_id, handle, ok, error, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			"build_"+uuid.New().String()[:8], batchID, res.Handle, res.Ok(), res.Message(), now)
		if err != nil {
			return fmt.Errorf("record build for %s: %w", res.Handle, err)
		}
	}
	return nil
}

// BuildRecord is one persisted build attempt.
type BuildRecord struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id,omitempty"`
	Handle     string    `json:"handle"`
	Ok         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecentBuilds returns the most recent build records, newest first.
func (j *Journal) RecentBuilds(ctx context.Context, limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, batch_id, handle, ok, error, recorded_at FROM builds ORDER BY recorded_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var records []BuildRecord
	for rows.Next() {
		var rec BuildRecord
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.Handle, &rec.Ok, &rec.Error, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
