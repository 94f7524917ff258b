// Package ledger records mirror runs and their transfers in PostgreSQL.
package ledger

import (
	"context"
	"time"
)

// Config configures the run ledger. An empty DSN disables it.
type Config struct {
	PostgresDSN string
	Namespace   string
}

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunRecord describes one mirror run.
type RunRecord struct {
	RunID      string
	Namespace  string
	Sink       string
	Jobs       int
	Batches    int
	TotalBytes int64
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TransferRecord describes one published job.
type TransferRecord struct {
	RunID    string
	JobKey   string
	Batch    int
	Host     string
	DestURI  string
	Bytes    int64
	Checksum string
	Status   string
}

// Writer persists run and transfer records.
type Writer interface {
	// StartRun registers a run, or marks an existing one running again.
	StartRun(ctx context.Context, rec RunRecord) error

	// RecordTransfer upserts one transfer of a run.
	RecordTransfer(ctx context.Context, rec TransferRecord) error

	// FinishRun stores the final status and totals of a run.
	FinishRun(ctx context.Context, rec RunRecord) error

	Close() error
}

// NewWriter returns a PostgreSQL writer, or a no-op writer when no DSN is
// configured.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return NoopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

// NoopWriter discards all records.
type NoopWriter struct{}

func (NoopWriter) StartRun(context.Context, RunRecord) error { return nil }
func (NoopWriter) RecordTransfer(context.Context, TransferRecord) error { return nil }
func (NoopWriter) FinishRun(context.Context, RunRecord) error { return nil }
func (NoopWriter) Close() error { return nil }
