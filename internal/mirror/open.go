package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-mirror/internal/catalog"
	"github.com/withObsrvr/obsrvr-mirror/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-mirror/internal/config"
	"github.com/withObsrvr/obsrvr-mirror/internal/ledger"
	"github.com/withObsrvr/obsrvr-mirror/internal/metrics"
	"github.com/withObsrvr/obsrvr-mirror/internal/partition"
	"github.com/withObsrvr/obsrvr-mirror/internal/report"
	"github.com/withObsrvr/obsrvr-mirror/internal/storage"
	"github.com/withObsrvr/obsrvr-mirror/internal/transfer"
)

// Open builds a Mirror from configuration, opening every store it needs.
// The returned Mirror owns those stores; call Close when done.
func Open(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*Mirror, error) {
	log := slog.With("component", "mirror")

	var closers []io.Closer
	fail := func(err error) (*Mirror, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	src, err := storage.NewStore(ctx, cfg.Source.Storage)
	if err != nil {
		return fail(fmt.Errorf("open source store: %w", err))
	}
	closers = append(closers, src)

	sinkType := partition.ParseSinkType(cfg.Sink.Type)
	sinks := SinkStores{Hosts: make(map[string]storage.Store, len(cfg.Sink.Hosts))}
	if sinkType == partition.SinkMFTP {
		for _, h := range cfg.Sink.Hosts {
			st, err := storage.NewStore(ctx, h.Storage)
			if err != nil {
				return fail(fmt.Errorf("open store for host %s: %w", h.ID, err))
			}
			closers = append(closers, st)
			sinks.Hosts[h.ID] = st
		}
	} else {
		st, err := storage.NewStore(ctx, cfg.Sink.Storage)
		if err != nil {
			return fail(fmt.Errorf("open sink store: %w", err))
		}
		closers = append(closers, st)
		sinks.Default = st
	}

	cpMgr, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		log.Warn("failed to create checkpoint manager, resume disabled", "error", err)
		cpMgr = nil
	}

	lw, err := ledger.NewWriter(ledger.Config{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Namespace:   cfg.Catalog.Namespace,
	})
	if err != nil {
		// The ledger is optional.
		log.Warn("run ledger unavailable, continuing without it", "error", err)
		if m != nil {
			m.IncLedgerErrors()
		}
		lw = ledger.NoopWriter{}
	}
	closers = append(closers, lw)

	var reports storage.Store
	var reportKey string
	if cfg.Report.Enabled {
		st, err := storage.NewStore(ctx, cfg.Report.Storage)
		if err != nil {
			return fail(fmt.Errorf("open report store: %w", err))
		}
		closers = append(closers, st)
		reports = st
		reportKey = report.Key(cfg.Report.Prefix, cfg.Run.ID)
	}

	algorithm, err := transfer.ParseAlgorithm(cfg.Transfer.Digest)
	if err != nil {
		return fail(err)
	}

	opts := Options{
		RunID:        cfg.Run.ID,
		Namespace:    cfg.Catalog.Namespace,
		Sink:         sinkType,
		Workers:      cfg.Sink.Workers,
		Hosts:        cfg.Sink.HostDescriptors(),
		SourcePrefix: cfg.Source.Prefix,
		Include:      catalog.Merge(catalog.LoadList(cfg.Lists.IncludeFile), catalog.ParseList(cfg.Lists.Include)),
		Exclude:      catalog.Merge(catalog.LoadList(cfg.Lists.ExcludeFile), catalog.ParseList(cfg.Lists.Exclude)),
		Codec:        cfg.Sink.Compression.CodecName(),
		Transfer: transfer.Config{
			BufferSize:        cfg.Transfer.BufferSize,
			ProgressThreshold: cfg.Transfer.ProgressThreshold,
			Algorithm:         algorithm,
		},
		RetryAttempts: cfg.Transfer.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.Transfer.RetryBackoffMS) * time.Millisecond,
		MaxInFlight:   cfg.Perf.MaxInFlightBatches,
		ReportKey:     reportKey,
	}

	mi, err := New(opts, Deps{
		Source:     src,
		Sinks:      sinks,
		Checkpoint: cpMgr,
		Ledger:     lw,
		Reports:    reports,
		Metrics:    m,
	})
	if err != nil {
		return fail(err)
	}
	mi.closers = closers
	return mi, nil
}
