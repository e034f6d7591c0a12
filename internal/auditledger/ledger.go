// Package auditledger is a bridge-local SQLite audit trail of executed
// commands and delivered telemetry batches (supplemental, SPEC_FULL.md §2).
// It supplements, rather than replaces, the JSON command-queue and spool
// persistence mandated by §4.11 — operators can inspect recent activity on
// the bridge host without a plane round-trip. Grounded on
// agent/internal/transport/offline.go's WAL-mode SQLite queue, repurposed
// from a retry queue into an append-only audit log.
package auditledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Kind distinguishes the two event shapes the ledger records.
type Kind string

const (
	KindCommand        Kind = "command"
	KindTelemetryBatch Kind = "telemetry_batch"
)

// Entry is one row of the audit ledger.
type Entry struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	RefID     string    `json:"refId"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ledger wraps a SQLite database opened in WAL mode for durable,
// append-mostly writes under concurrent readers.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if absent) the audit ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit_entries table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_entries_created_at ON audit_entries(created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit index: %w", err)
	}

	return &Ledger{db: db}, nil
}

// RecordCommand appends one executed-command entry.
func (l *Ledger) RecordCommand(ctx context.Context, commandID, summary, detail string) error {
	return l.insert(ctx, KindCommand, commandID, summary, detail)
}

// RecordTelemetryBatch appends one delivered-batch entry.
func (l *Ledger) RecordTelemetryBatch(ctx context.Context, batchID, summary, detail string) error {
	return l.insert(ctx, KindTelemetryBatch, batchID, summary, detail)
}

func (l *Ledger) insert(ctx context.Context, kind Kind, refID, summary, detail string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO audit_entries (kind, ref_id, summary, detail) VALUES (?, ?, ?, ?)",
		string(kind), refID, summary, detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, kind, ref_id, summary, detail, created_at FROM audit_entries ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &kind, &e.RefID, &e.Summary, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than maxAge, returning the number removed.
func (l *Ledger) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}
