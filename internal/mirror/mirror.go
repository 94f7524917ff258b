// Package mirror copies a catalog of source objects to a sink.
//
// A run lists the source, plans batches for the sink with the partition
// selector and copies each batch on its own worker. Every published object
// is recorded in the batch manifest, the checkpoint, the run ledger and the
// transfer report.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-mirror/internal/catalog"
	"github.com/withObsrvr/obsrvr-mirror/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-mirror/internal/codec"
	"github.com/withObsrvr/obsrvr-mirror/internal/ledger"
	"github.com/withObsrvr/obsrvr-mirror/internal/metrics"
	"github.com/withObsrvr/obsrvr-mirror/internal/partition"
	"github.com/withObsrvr/obsrvr-mirror/internal/report"
	"github.com/withObsrvr/obsrvr-mirror/internal/storage"
	"github.com/withObsrvr/obsrvr-mirror/internal/transfer"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrDestinationConflict is returned when two jobs map to the same
// destination key.
var ErrDestinationConflict = errors.New("destination conflict")

// Options configures a run.
type Options struct {
	RunID     string
	Namespace string

	Sink    partition.SinkType
	Workers int
	Hosts   []partition.HostDescriptor

	SourcePrefix string
	Include      map[string]struct{}
	Exclude      map[string]struct{}

	Codec         string // output codec, empty for none
	Transfer      transfer.Config
	RetryAttempts int // retries after the first attempt
	RetryBackoff  time.Duration
	MaxInFlight   int

	ReportKey string // empty disables the report
}

// Deps are the collaborators a Mirror writes through.
type Deps struct {
	Source     storage.Store
	Sinks      Sinks
	Checkpoint checkpoint.Manager // nil disables resume
	Ledger     ledger.Writer      // nil disables the ledger
	Reports    storage.Store      // required when Options.ReportKey is set
	Metrics    *metrics.Metrics   // optional
}

// Summary describes a finished run.
type Summary struct {
	RunID         string
	Jobs          int
	Batches       int
	Copied        int
	Skipped       int
	FailedBatches int
	Bytes         int64 // bytes copied by this run
	Duration      time.Duration
}

// Mirror runs mirroring passes from one source to one sink.
type Mirror struct {
	opts       Options
	source     storage.Store
	sinks      Sinks
	checkpoint checkpoint.Manager
	ledger     ledger.Writer
	reports    storage.Store
	metrics    *metrics.Metrics

	selector *partition.Selector
	copier   *transfer.Copier
	output   *codec.Provider
	closers  []io.Closer
	log      *slog.Logger
}

// New validates opts and returns a Mirror.
func New(opts Options, deps Deps) (*Mirror, error) {
	if deps.Source == nil {
		return nil, errors.New("source store is required")
	}
	if deps.Sinks == nil {
		return nil, errors.New("sink stores are required")
	}
	if opts.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if opts.ReportKey != "" && deps.Reports == nil {
		return nil, errors.New("report store is required when the report is enabled")
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}

	output, err := codec.New(opts.Codec)
	if err != nil {
		return nil, fmt.Errorf("output codec: %w", err)
	}
	copier, err := transfer.NewCopier(opts.Transfer)
	if err != nil {
		return nil, fmt.Errorf("create copier: %w", err)
	}
	selector, err := partition.NewSelector()
	if err != nil {
		return nil, fmt.Errorf("create selector: %w", err)
	}

	cp := deps.Checkpoint
	if cp == nil {
		if cp, err = checkpoint.NewManager(checkpoint.Config{}); err != nil {
			return nil, err
		}
	}
	lw := deps.Ledger
	if lw == nil {
		lw = ledger.NoopWriter{}
	}

	return &Mirror{
		opts:       opts,
		source:     deps.Source,
		sinks:      deps.Sinks,
		checkpoint: cp,
		ledger:     lw,
		reports:    deps.Reports,
		metrics:    deps.Metrics,
		selector:   selector,
		copier:     copier,
		output:     output,
		log:        slog.With("component", "mirror"),
	}, nil
}

// Close releases the stores and ledger connections opened by Open.
func (m *Mirror) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

// BuildCatalog lists the source and applies the include and exclude lists.
func (m *Mirror) BuildCatalog(ctx context.Context) (*catalog.Catalog, error) {
	infos, err := m.source.List(ctx, m.opts.SourcePrefix)
	if err != nil {
		m.storageError(m.source)
		return nil, fmt.Errorf("list source: %w", err)
	}

	objects := make([]catalog.Object, len(infos))
	for i, info := range infos {
		objects[i] = catalog.Object{Key: info.Key, Size: info.Size, ModTime: info.ModTime}
	}

	return catalog.FromObjects(objects, catalog.Filter{
		Include: m.opts.Include,
		Exclude: m.opts.Exclude,
		Prefix:  m.opts.SourcePrefix,
	})
}

// Plan partitions cat for the configured sink.
func (m *Mirror) Plan(cat *catalog.Catalog) (*partition.Result, error) {
	res, err := m.selector.Partition(cat, partition.Request{
		Sink:    m.opts.Sink,
		Workers: m.opts.Workers,
		Hosts:   m.opts.Hosts,
	})

	labels := metrics.Labels{Sink: m.sinkName(), Outcome: metrics.OutcomeOK}
	if err != nil {
		if mt := m.metrics; mt != nil {
			labels.Outcome = metrics.OutcomeFailed
			mt.ObservePartitionRun(labels, 0, 0)
			if errors.Is(err, partition.ErrCapacityExceeded) {
				mt.IncCapacityFailures()
			}
		}
		return nil, fmt.Errorf("partition: %w", err)
	}

	if mt := m.metrics; mt != nil {
		mt.ObservePartitionRun(labels, len(res.Batches), makespan(res))
	}
	return res, nil
}

// Run performs one mirroring pass. Planning failures abort the run before
// anything is written. A failed job fails its batch only; the returned error
// joins the errors of every failed batch and the summary is still returned.
func (m *Mirror) Run(ctx context.Context) (*Summary, error) {
	startTime := time.Now()
	summary := &Summary{RunID: m.opts.RunID}

	cat, err := m.BuildCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	if err := m.checkDestinations(cat); err != nil {
		return nil, err
	}

	plan, err := m.Plan(cat)
	if err != nil {
		m.log.Error("planning failed, nothing transferred", "run_id", m.opts.RunID, "error", err)
		return nil, err
	}
	summary.Jobs = cat.Len()
	summary.Batches = len(plan.Batches)

	tracker, err := checkpoint.Open(ctx, m.checkpoint, m.opts.RunID)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	if n := tracker.Len(); n > 0 {
		m.log.Info("resuming from checkpoint", "run_id", m.opts.RunID, "completed", n)
	}

	m.log.Info("starting run",
		"run_id", m.opts.RunID,
		"sink", m.sinkName(),
		"jobs", cat.Len(),
		"batches", len(plan.Batches),
		"total_bytes", plan.TotalBytes,
		"max_in_flight", m.opts.MaxInFlight,
	)

	m.recordLedger("start run", m.ledger.StartRun(ctx, ledger.RunRecord{
		RunID:      m.opts.RunID,
		Namespace:  m.opts.Namespace,
		Sink:       m.sinkName(),
		Jobs:       cat.Len(),
		Batches:    len(plan.Batches),
		TotalBytes: plan.TotalBytes,
		Status:     ledger.RunRunning,
		StartedAt:  startTime.UTC(),
	}))

	rs := &runState{tracker: tracker}
	if m.opts.ReportKey != "" {
		rs.collector = report.NewCollector()
	}

	outcomes := make([]batchOutcome, len(plan.Batches))
	var g errgroup.Group
	g.SetLimit(m.opts.MaxInFlight)
	for i := range plan.Batches {
		i := i
		g.Go(func() error {
			outcomes[i] = m.runBatch(ctx, rs, i, plan.Batches[i])
			return nil
		})
	}
	g.Wait()

	var errs []error
	for i, o := range outcomes {
		summary.Copied += o.copied
		summary.Skipped += o.skipped
		summary.Bytes += o.bytes
		if o.err != nil {
			summary.FailedBatches++
			errs = append(errs, fmt.Errorf("batch %d: %w", i, o.err))
		}
	}

	if rs.collector != nil {
		if err := rs.collector.Publish(ctx, m.reports, m.opts.ReportKey); err != nil {
			m.storageError(m.reports)
			m.log.Warn("failed to publish transfer report", "key", m.opts.ReportKey, "error", err)
		} else {
			m.log.Info("transfer report published", "uri", m.reports.URI(m.opts.ReportKey), "records", rs.collector.Len())
		}
	}

	runErr := errors.Join(errs...)
	summary.Duration = time.Since(startTime)

	finish := ledger.RunRecord{
		RunID:      m.opts.RunID,
		TotalBytes: summary.Bytes,
		Status:     ledger.RunSucceeded,
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		finish.Status = ledger.RunFailed
		finish.Error = runErr.Error()
	}
	// The run's own context may already be cancelled.
	m.recordLedger("finish run", m.ledger.FinishRun(context.WithoutCancel(ctx), finish))

	m.log.Info("run finished",
		"run_id", m.opts.RunID,
		"copied", summary.Copied,
		"skipped", summary.Skipped,
		"failed_batches", summary.FailedBatches,
		"bytes", summary.Bytes,
		"duration_ms", summary.Duration.Milliseconds(),
	)

	return summary, runErr
}

// DestKey returns the sink key for job: a recognised input codec extension
// is dropped, since the input is decompressed, and the output codec
// extension is appended.
func (m *Mirror) DestKey(job catalog.Job) string {
	return codec.StripExtension(job.Key) + m.output.Extension()
}

func (m *Mirror) checkDestinations(cat *catalog.Catalog) error {
	seen := make(map[string]string, cat.Len())
	for _, job := range cat.Jobs() {
		dest := m.DestKey(job)
		if other, ok := seen[dest]; ok {
			return fmt.Errorf("%w: %s and %s both map to %s", ErrDestinationConflict, other, job.Key, dest)
		}
		seen[dest] = job.Key
	}
	return nil
}

// sinkName is the effective sink; unspecified sinks run as HDFS.
func (m *Mirror) sinkName() string {
	if m.opts.Sink == partition.SinkMFTP {
		return partition.SinkMFTP.String()
	}
	return partition.SinkHDFS.String()
}

func (m *Mirror) recordLedger(op string, err error) {
	if err == nil {
		return
	}
	m.log.Warn("run ledger write failed", "op", op, "error", err)
	if mt := m.metrics; mt != nil {
		mt.IncLedgerErrors()
	}
}

func (m *Mirror) storageError(s storage.Store) {
	if mt := m.metrics; mt != nil {
		mt.IncStorageErrors(metrics.Labels{Backend: backendOf(s)})
	}
}

func makespan(res *partition.Result) int64 {
	var max int64
	for _, b := range res.Batches {
		if b.TotalBytes > max {
			max = b.TotalBytes
		}
	}
	return max
}
