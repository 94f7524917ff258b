package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-mirror/internal/catalog"
	"github.com/withObsrvr/obsrvr-mirror/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-mirror/internal/codec"
	"github.com/withObsrvr/obsrvr-mirror/internal/ledger"
	"github.com/withObsrvr/obsrvr-mirror/internal/logging"
	"github.com/withObsrvr/obsrvr-mirror/internal/metrics"
	"github.com/withObsrvr/obsrvr-mirror/internal/partition"
	"github.com/withObsrvr/obsrvr-mirror/internal/report"
	"github.com/withObsrvr/obsrvr-mirror/internal/storage"
	"github.com/withObsrvr/obsrvr-mirror/internal/transfer"
)

const producerName = "obsrvr-mirror"

// runState is shared by the batch workers of one run.
type runState struct {
	tracker   *checkpoint.Tracker
	collector *report.Collector // nil when the report is disabled
}

type batchOutcome struct {
	copied  int
	skipped int
	bytes   int64
	err     error
}

// batchTask carries the per-batch context through the job loop.
type batchTask struct {
	index int
	host  string
	store storage.Store
	log   *slog.Logger
}

// runBatch copies the jobs of one batch in order. The first failed job
// stops the batch; its manifest is only written when every job succeeded.
func (m *Mirror) runBatch(ctx context.Context, rs *runState, index int, b partition.Batch) batchOutcome {
	var out batchOutcome
	startTime := time.Now()

	task := batchTask{index: index}
	if b.Host != nil {
		task.host = b.Host.ID
	}
	task.log = logging.BatchLogger(logging.GenerateCorrelationID(), m.opts.RunID, index, m.sinkName(), task.host)

	if mt := m.metrics; mt != nil {
		mt.AddInFlightBatches(1)
		defer mt.AddInFlightBatches(-1)
	}
	defer func() {
		if mt := m.metrics; mt != nil {
			labels := metrics.Labels{Sink: m.sinkName(), Outcome: metrics.OutcomeOK}
			if out.err != nil {
				labels.Outcome = metrics.OutcomeFailed
			}
			mt.ObserveBatch(labels, out.bytes, time.Since(startTime).Seconds())
		}
	}()

	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	store, err := m.sinks.StoreFor(b.Host)
	if err != nil {
		out.err = err
		return out
	}
	task.store = store

	task.log.Info("processing batch", "jobs", len(b.Jobs), "bytes", b.TotalBytes)

	manifest := &storage.Manifest{
		RunID:    m.opts.RunID,
		Batch:    index,
		Sink:     m.sinkName(),
		Host:     task.host,
		Entries:  make([]storage.ManifestEntry, 0, len(b.Jobs)),
		Producer: storage.ProducerInfo{Name: producerName, Version: Version, GitSHA: GitSHA},
	}

	for _, job := range b.Jobs {
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}

		entry, skipped, err := m.transferJob(ctx, rs, task, job)
		if err != nil {
			task.log.Error("job failed", "job", job.Key, "error", err)
			if mt := m.metrics; mt != nil {
				mt.ObserveJob(metrics.Labels{Sink: m.sinkName(), Outcome: metrics.OutcomeFailed}, 0, 0)
			}
			out.err = fmt.Errorf("job %s: %w", job.Key, err)
			return out
		}

		if skipped {
			out.skipped++
		} else {
			out.copied++
			out.bytes += entry.Bytes
		}
		manifest.TotalBytes += entry.Bytes
		manifest.Entries = append(manifest.Entries, entry)
	}

	manifest.CreatedAt = time.Now().UTC()
	key := storage.ManifestKey(m.opts.RunID, index)
	if err := storage.WriteManifest(ctx, store, key, manifest); err != nil {
		m.storageError(store)
		out.err = fmt.Errorf("write manifest: %w", err)
		return out
	}

	task.log.Info("batch complete",
		"copied", out.copied,
		"skipped", out.skipped,
		"bytes", out.bytes,
		"manifest", store.URI(key),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return out
}

// transferJob publishes one job, or reports it as skipped when the
// checkpoint already holds it at the same host and destination.
func (m *Mirror) transferJob(ctx context.Context, rs *runState, task batchTask, job catalog.Job) (storage.ManifestEntry, bool, error) {
	entry := storage.ManifestEntry{
		Job:    job.Key,
		Source: job.Path,
		Codec:  m.output.Name(),
	}

	dest := m.DestKey(job)
	if rec, ok := rs.tracker.Done(job.Key); ok && rec.Host == task.host && rec.Dest == dest {
		entry.Dest = rec.Dest
		entry.Bytes = rec.Bytes
		entry.Checksum = rec.Checksum

		task.log.Debug("job already published, skipping", "job", job.Key, "dest", rec.Dest)
		m.addReport(rs, report.TransferRecord{
			Batch:      int32(task.index),
			Host:       task.host,
			JobKey:     job.Key,
			SourceKey:  job.Path,
			DestKey:    rec.Dest,
			DestURI:    task.store.URI(rec.Dest),
			Bytes:      rec.Bytes,
			Checksum:   rec.Checksum,
			Codec:      m.output.Name(),
			Status:     report.StatusSkipped,
			FinishedAt: rec.CompletedAt,
		})
		if mt := m.metrics; mt != nil {
			mt.ObserveJob(metrics.Labels{Sink: m.sinkName(), Outcome: metrics.OutcomeSkipped}, rec.Bytes, 0)
		}
		return entry, true, nil
	}

	startTime := time.Now()

	res, attempts, err := m.copyWithRetry(ctx, task, job, dest)
	if err != nil {
		return entry, false, err
	}
	elapsed := time.Since(startTime)

	entry.Dest = dest
	entry.Bytes = res.Bytes
	entry.Checksum = res.Digest.String()

	task.log.Info("job copied",
		"job", job.Key,
		"dest", dest,
		"bytes", res.Bytes,
		"checksum", entry.Checksum,
		"attempts", attempts,
		"duration_ms", elapsed.Milliseconds(),
	)

	if err := rs.tracker.Record(ctx, job.Key, checkpoint.JobRecord{
		Dest:     dest,
		Host:     task.host,
		Bytes:    res.Bytes,
		Checksum: entry.Checksum,
	}); err != nil {
		task.log.Warn("failed to save checkpoint", "job", job.Key, "error", err)
	}

	m.recordLedger("record transfer", m.ledger.RecordTransfer(ctx, ledger.TransferRecord{
		RunID:    m.opts.RunID,
		JobKey:   job.Key,
		Batch:    task.index,
		Host:     task.host,
		DestURI:  task.store.URI(dest),
		Bytes:    res.Bytes,
		Checksum: entry.Checksum,
		Status:   report.StatusCopied,
	}))

	m.addReport(rs, report.TransferRecord{
		Batch:      int32(task.index),
		Host:       task.host,
		JobKey:     job.Key,
		SourceKey:  job.Path,
		DestKey:    dest,
		DestURI:    task.store.URI(dest),
		Bytes:      res.Bytes,
		Checksum:   entry.Checksum,
		Codec:      m.output.Name(),
		Attempts:   int32(attempts),
		Status:     report.StatusCopied,
		DurationMS: elapsed.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	})

	if mt := m.metrics; mt != nil {
		mt.ObserveJob(metrics.Labels{Sink: m.sinkName(), Outcome: metrics.OutcomeCopied}, res.Bytes, elapsed.Seconds())
	}
	return entry, false, nil
}

// copyWithRetry runs copy attempts with exponential backoff. Each attempt
// opens a fresh source stream and writes a fresh temp object.
func (m *Mirror) copyWithRetry(ctx context.Context, task batchTask, job catalog.Job, dest string) (*transfer.Result, int, error) {
	progress := transfer.ProgressFunc(func(bytes int64, sinceLast time.Duration) {
		task.log.Info("transfer progress", "job", job.Key, "bytes", bytes, "since_last_ms", sinceLast.Milliseconds())
		if mt := m.metrics; mt != nil {
			mt.IncProgressSignals()
		}
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.RetryBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.opts.RetryAttempts)), ctx)

	var res *transfer.Result
	attempts := 0
	op := func() error {
		attempts++
		r, err := m.copyJob(ctx, task.store, job, dest, progress)
		if err != nil {
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		task.log.Warn("transfer failed, retrying",
			"job", job.Key,
			"attempt", attempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if mt := m.metrics; mt != nil {
			mt.IncRetryAttempts(metrics.Labels{Operation: "transfer"})
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, attempts, fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return res, attempts, nil
}

// copyJob streams job from the source through the codecs into an atomic
// write at dest.
func (m *Mirror) copyJob(ctx context.Context, store storage.Store, job catalog.Job, dest string, progress transfer.Progress) (*transfer.Result, error) {
	r, err := m.source.NewReader(ctx, job.Path)
	if err != nil {
		m.storageError(m.source)
		err = fmt.Errorf("open source %s: %w", job.Path, err)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer r.Close()

	in, err := codec.ForPath(job.Path).WrapInput(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", job.Path, err)
	}
	defer in.Close()

	var res *transfer.Result
	err = storage.WriteAtomic(ctx, store, dest, func(w io.Writer) error {
		out, err := m.output.WrapOutput(w)
		if err != nil {
			return err
		}
		res, err = m.copier.CopyWithProgress(out, in, progress)
		if err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
	if err != nil {
		var se *transfer.StreamError
		if errors.As(err, &se) {
			if mt := m.metrics; mt != nil {
				mt.IncStreamErrors(se.Op)
			}
		} else {
			m.storageError(store)
		}
		return nil, err
	}
	return res, nil
}

func (m *Mirror) addReport(rs *runState, rec report.TransferRecord) {
	if rs.collector == nil {
		return
	}
	rec.RunID = m.opts.RunID
	rec.Sink = m.sinkName()
	rs.collector.Add(rec)
}
