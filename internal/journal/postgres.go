package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
    id BIGSERIAL PRIMARY KEY,
    channel_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ NOT NULL,
    peak_viewers INTEGER NOT NULL DEFAULT 0,
    bytes_ingested BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS relay_sessions_ended_at_idx ON relay_sessions (ended_at DESC);
`

// PostgresRecorder persists finished sessions in Postgres via a pgx pool.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder connects to the given DSN and ensures the session
// table exists.
func NewPostgresRecorder(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse journal dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect journal database: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &PostgresRecorder{pool: pool}, nil
}

// Record inserts one finished session row.
func (p *PostgresRecorder) Record(ctx context.Context, entry Entry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO relay_sessions (channel_id, account_id, reason, started_at, ended_at, peak_viewers, bytes_ingested)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ChannelID, entry.AccountID, entry.Reason,
		entry.StartedAt.UTC(), entry.EndedAt.UTC(), entry.PeakViewers, int64(entry.BytesIngested))
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// Recent returns up to limit finished sessions, newest first.
func (p *PostgresRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT channel_id, account_id, reason, started_at, ended_at, peak_viewers, bytes_ingested
         FROM relay_sessions ORDER BY ended_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var entry Entry
		var bytes int64
		if err := rows.Scan(&entry.ChannelID, &entry.AccountID, &entry.Reason,
			&entry.StartedAt, &entry.EndedAt, &entry.PeakViewers, &bytes); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		entry.BytesIngested = uint64(bytes)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// Close releases the pool, waiting up to the context deadline.
func (p *PostgresRecorder) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("journal close timed out")
	}
}
