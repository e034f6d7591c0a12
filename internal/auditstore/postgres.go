package auditstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the bridge-connections audit view in Postgres,
// grounded on checkin/db.go's pgxpool-and-upsert idiom (UpsertAppliance's
// `ON CONFLICT ... DO UPDATE`).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the bridge_connections table
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bridge_connections (
			machine_id TEXT PRIMARY KEY,
			ssh_host   TEXT NOT NULL,
			ssh_user   TEXT NOT NULL,
			phase      TEXT NOT NULL,
			last_error TEXT,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen  TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create bridge_connections table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// RecordConnection upserts one bridge's latest observed state, per
// checkin/db.go's UpsertAppliance pattern: INSERT ... ON CONFLICT DO
// UPDATE, preserving first_seen across updates.
func (s *PostgresStore) RecordConnection(ctx context.Context, c Connection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bridge_connections (machine_id, ssh_host, ssh_user, phase, last_error, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (machine_id) DO UPDATE SET
			ssh_host   = EXCLUDED.ssh_host,
			ssh_user   = EXCLUDED.ssh_user,
			phase      = EXCLUDED.phase,
			last_error = EXCLUDED.last_error,
			last_seen  = EXCLUDED.last_seen
	`, c.MachineID, c.SSHHost, c.SSHUser, c.Phase, nullIfEmpty(c.LastError), c.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert bridge connection: %w", err)
	}
	return nil
}

// ListConnections returns every known bridge, most-recently-seen first,
// matching FetchFleetOrders's ORDER BY read idiom.
func (s *PostgresStore) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT machine_id, ssh_host, ssh_user, phase, last_error, first_seen, last_seen
		FROM bridge_connections
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query bridge connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		var lastError *string
		if err := rows.Scan(&c.MachineID, &c.SSHHost, &c.SSHUser, &c.Phase, &lastError, &c.FirstSeen, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan bridge connection: %w", err)
		}
		if lastError != nil {
			c.LastError = *lastError
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
