package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink mirrors records into a table keyed by task id.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres connects, pings and creates the table when missing.
// table may be schema-qualified ("audit.completion_records").
func NewPostgres(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresSink{pool: pool, table: pgx.Identifier(strings.Split(table, ".")).Sanitize()}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		task_id TEXT PRIMARY KEY,
		artifact_id TEXT,
		outcome TEXT NOT NULL,
		reason TEXT,
		message TEXT,
		priority TEXT,
		mode TEXT,
		attempts INT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		worker_id TEXT,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		finalized_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, r *Record) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (id, task_id, artifact_id, outcome, reason, message, priority, mode,
			attempts, duration_ms, worker_id, source, destination, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO NOTHING`, s.table)
	_, err := s.pool.Exec(ctx, q,
		r.ID, r.TaskID, r.ArtifactID, string(r.Outcome), string(r.Reason), r.Message,
		string(r.Priority), string(r.Mode), r.Attempts, r.Duration.Milliseconds(),
		r.WorkerID, r.Source, r.Destination, r.FinalizedAt)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.TaskID, err)
	}
	return nil
}

// Count returns how many records the table holds for taskID.
func (s *PostgresSink) Count(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE task_id = $1`, s.table), taskID).Scan(&n)
	return n, err
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
