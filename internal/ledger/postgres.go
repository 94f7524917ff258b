package ledger

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgresWriter connects to the ledger database and applies the schema.
func NewPostgresWriter(cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := parsePoolConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[ledger] connected to PostgreSQL")
	return w, nil
}

func parsePoolConfig(dsn string) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	return poolCfg, nil
}

// initSchema creates the _mirror_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// StartRun registers a run.
func (w *PostgresWriter) StartRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO _mirror_runs (run_id, namespace, sink, jobs, batches, total_bytes, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id)
		DO UPDATE SET
			jobs = EXCLUDED.jobs,
			batches = EXCLUDED.batches,
			total_bytes = EXCLUDED.total_bytes,
			status = EXCLUDED.status,
			error_message = NULL,
			finished_at = NULL,
			updated_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		w.namespace(rec),
		rec.Sink,
		rec.Jobs,
		rec.Batches,
		rec.TotalBytes,
		rec.Status,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordTransfer upserts a transfer row.
func (w *PostgresWriter) RecordTransfer(ctx context.Context, rec TransferRecord) error {
	query := `
		INSERT INTO _mirror_transfers (run_id, job_key, batch, host, dest_uri, bytes, checksum, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, job_key)
		DO UPDATE SET
			batch = EXCLUDED.batch,
			host = EXCLUDED.host,
			dest_uri = EXCLUDED.dest_uri,
			bytes = EXCLUDED.bytes,
			checksum = EXCLUDED.checksum,
			status = EXCLUDED.status,
			created_at = NOW()
	`

	var host *string
	if rec.Host != "" {
		host = &rec.Host
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.JobKey,
		rec.Batch,
		host,
		rec.DestURI,
		rec.Bytes,
		rec.Checksum,
		rec.Status,
	)
	if err != nil {
		return fmt.Errorf("record transfer %s: %w", rec.JobKey, err)
	}
	return nil
}

// FinishRun stores the final state of a run.
func (w *PostgresWriter) FinishRun(ctx context.Context, rec RunRecord) error {
	query := `
		UPDATE _mirror_runs
		SET status = $2,
			error_message = $3,
			total_bytes = $4,
			finished_at = $5,
			updated_at = NOW()
		WHERE run_id = $1
	`

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	tag, err := w.pool.Exec(ctx, query, rec.RunID, rec.Status, errMsg, rec.TotalBytes, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run: run %s was never started", rec.RunID)
	}

	log.Printf("[ledger] run %s finished status=%s", rec.RunID, rec.Status)
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func (w *PostgresWriter) namespace(rec RunRecord) string {
	if rec.Namespace != "" {
		return rec.Namespace
	}
	return w.cfg.Namespace
}

// Verify PostgresWriter implements Writer.
var _ Writer = (*PostgresWriter)(nil)
