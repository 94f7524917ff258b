package mirror

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-mirror/internal/catalog"
	"github.com/withObsrvr/obsrvr-mirror/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-mirror/internal/codec"
	"github.com/withObsrvr/obsrvr-mirror/internal/config"
	"github.com/withObsrvr/obsrvr-mirror/internal/metrics"
	"github.com/withObsrvr/obsrvr-mirror/internal/partition"
	"github.com/withObsrvr/obsrvr-mirror/internal/report"
	"github.com/withObsrvr/obsrvr-mirror/internal/storage"
	"github.com/withObsrvr/obsrvr-mirror/internal/transfer"
)

func memStore(name string) *storage.BlobStore {
	return storage.NewBlobStore(memblob.OpenBucket(nil), name, "")
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%23)
	}
	return b
}

func put(t *testing.T, s storage.Store, key string, data []byte) {
	t.Helper()
	w, err := s.NewWriter(context.Background(), key)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func get(t *testing.T, s storage.Store, key string) []byte {
	t.Helper()
	r, err := s.NewReader(context.Background(), key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

// objectKeys lists s without manifests.
func objectKeys(t *testing.T, s storage.Store) []string {
	t.Helper()
	infos, err := s.List(context.Background(), "")
	require.NoError(t, err)
	var keys []string
	for _, info := range infos {
		if strings.HasPrefix(info.Key, storage.ManifestDir+"/") {
			continue
		}
		keys = append(keys, info.Key)
	}
	sort.Strings(keys)
	return keys
}

func compress(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	p, err := codec.New(name)
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := p.WrapOutput(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func decompress(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	p, err := codec.New(name)
	require.NoError(t, err)
	r, err := p.WrapInput(bytes.NewReader(data))
	require.NoError(t, err)
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func md5Digest(data []byte) string {
	sum := md5.Sum(data)
	return "md5:" + hex.EncodeToString(sum[:])
}

func catalogJob(key string) catalog.Job {
	return catalog.Job{Key: key, Path: key}
}

func baseOptions() Options {
	return Options{
		RunID:        "run-1",
		Sink:         partition.SinkHDFS,
		SourcePrefix: "in/",
		Transfer:     transfer.Config{BufferSize: 32, ProgressThreshold: 100},
		RetryBackoff: time.Millisecond,
		MaxInFlight:  2,
	}
}

func newMirror(t *testing.T, opts Options, deps Deps) *Mirror {
	t.Helper()
	m, err := New(opts, deps)
	require.NoError(t, err)
	return m
}

// flakyStore fails NewReader for configured keys.
type flakyStore struct {
	storage.Store

	mu       sync.Mutex
	failures map[string]int // remaining failures; negative fails forever
	err      error
	opens    map[string]int
}

func newFlakyStore(s storage.Store, err error) *flakyStore {
	return &flakyStore{Store: s, err: err, failures: map[string]int{}, opens: map[string]int{}}
}

func (f *flakyStore) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opens[key]++
	n := f.failures[key]
	if n > 0 {
		f.failures[key] = n - 1
	}
	f.mu.Unlock()

	if n != 0 {
		return nil, f.err
	}
	return f.Store.NewReader(ctx, key)
}

func TestRunHDFS(t *testing.T) {
	ctx := context.Background()
	src, sink, reports := memStore("src"), memStore("sink"), memStore("reports")
	defer src.Close()
	defer sink.Close()
	defer reports.Close()

	a, b, c, d := payload(100, 'a'), payload(300, 'b'), payload(200, 'c'), payload(50, 'd')
	put(t, src, "in/a.txt", a)
	put(t, src, "in/b.txt", b)
	put(t, src, "in/c.txt", c)
	put(t, src, "in/d.txt.gz", compress(t, codec.Gzip, d))
	put(t, src, "other/skip.txt", payload(10, 'x'))

	mt := metrics.New(prometheus.NewRegistry(), "test")
	opts := baseOptions()
	opts.Workers = 2
	opts.Codec = codec.Gzip
	opts.ReportKey = report.Key("_reports/", opts.RunID)

	m := newMirror(t, opts, Deps{
		Source:  src,
		Sinks:   SinkStores{Default: sink},
		Reports: reports,
		Metrics: mt,
	})

	summary, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Jobs)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 4, summary.Copied)
	assert.Equal(t, 0, summary.FailedBatches)
	assert.Equal(t, int64(650), summary.Bytes)

	assert.Equal(t, []string{"a.txt.gz", "b.txt.gz", "c.txt.gz", "d.txt.gz"}, objectKeys(t, sink))
	assert.Equal(t, a, decompress(t, codec.Gzip, get(t, sink, "a.txt.gz")))
	assert.Equal(t, d, decompress(t, codec.Gzip, get(t, sink, "d.txt.gz")))

	// One manifest per batch, covering every job once.
	entries := map[string]storage.ManifestEntry{}
	for i := 0; i < summary.Batches; i++ {
		man, err := storage.ReadManifest(ctx, sink, storage.ManifestKey(opts.RunID, i))
		require.NoError(t, err)
		assert.Equal(t, i, man.Batch)
		assert.Empty(t, man.Host)
		for _, e := range man.Entries {
			entries[e.Job] = e
		}
	}
	require.Len(t, entries, 4)
	assert.Equal(t, md5Digest(a), entries["a.txt"].Checksum)
	assert.Equal(t, "a.txt.gz", entries["a.txt"].Dest)
	assert.Equal(t, "in/d.txt.gz", entries["d.txt.gz"].Source)
	assert.Equal(t, md5Digest(d), entries["d.txt.gz"].Checksum)

	data := get(t, reports, opts.ReportKey)
	recs, err := report.Decode(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, r := range recs {
		assert.Equal(t, report.StatusCopied, r.Status)
		assert.Equal(t, int32(1), r.Attempts)
		assert.Equal(t, "hdfs", r.Sink)
		assert.Equal(t, "gzip", r.Codec)
	}

	// 100 + 300 + 200 bytes at a threshold of 100.
	assert.Equal(t, 6.0, testutil.ToFloat64(mt.ProgressSignals))
	assert.Equal(t, 4.0, testutil.ToFloat64(mt.JobsProcessed.WithLabelValues("hdfs", metrics.OutcomeCopied)))
	assert.Equal(t, 2.0, testutil.ToFloat64(mt.BatchesProcessed.WithLabelValues("hdfs", metrics.OutcomeOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(mt.InFlightBatches))
}

func TestRunMFTP(t *testing.T) {
	ctx := context.Background()
	src := memStore("src")
	defer src.Close()
	hosts := map[string]storage.Store{"small": memStore("small"), "large": memStore("large")}

	sizes := map[string]int{"A": 100, "B": 200, "C": 300, "D": 400}
	for k, n := range sizes {
		put(t, src, "in/"+k, payload(n, k[0]))
	}

	opts := baseOptions()
	opts.Sink = partition.SinkMFTP
	opts.Hosts = []partition.HostDescriptor{{ID: "small", FreeSpaceBytes: 500}, {ID: "large", FreeSpaceBytes: 600}}

	m := newMirror(t, opts, Deps{Source: src, Sinks: SinkStores{Hosts: hosts}})
	summary, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Copied)
	assert.Equal(t, 2, summary.Batches)

	free := map[string]int{"small": 500, "large": 600}
	seen := map[string]string{}
	for id, store := range hosts {
		used := 0
		for _, k := range objectKeys(t, store) {
			require.NotContains(t, seen, k, "job %s landed on two hosts", k)
			seen[k] = id
			used += sizes[k]
		}
		assert.LessOrEqual(t, used, free[id], "host %s over capacity", id)
	}
	assert.Len(t, seen, 4)

	// Batches are ordered largest host first.
	man, err := storage.ReadManifest(ctx, hosts["large"], storage.ManifestKey(opts.RunID, 0))
	require.NoError(t, err)
	assert.Equal(t, "large", man.Host)
	assert.Equal(t, "mftp", man.Sink)
}

func TestRunCapacityExceededTransfersNothing(t *testing.T) {
	src := memStore("src")
	defer src.Close()
	h1, h2 := memStore("h1"), memStore("h2")
	for k, n := range map[string]int{"A": 100, "B": 200, "C": 300, "D": 400} {
		put(t, src, "in/"+k, payload(n, k[0]))
	}

	mt := metrics.New(prometheus.NewRegistry(), "test")
	opts := baseOptions()
	opts.Sink = partition.SinkMFTP
	opts.Hosts = []partition.HostDescriptor{{ID: "h1", FreeSpaceBytes: 500}, {ID: "h2", FreeSpaceBytes: 400}}

	m := newMirror(t, opts, Deps{
		Source:  src,
		Sinks:   SinkStores{Hosts: map[string]storage.Store{"h1": h1, "h2": h2}},
		Metrics: mt,
	})

	summary, err := m.Run(context.Background())
	assert.Nil(t, summary)
	require.ErrorIs(t, err, partition.ErrCapacityExceeded)

	infos, err := h1.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, infos)
	infos, err = h2.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, infos)

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.CapacityFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.PartitionRuns.WithLabelValues("mftp", metrics.OutcomeFailed)))
}

func TestRunResumeSkipsCompletedJobs(t *testing.T) {
	ctx := context.Background()
	src, sink := memStore("src"), memStore("sink")
	defer src.Close()
	defer sink.Close()

	original := payload(120, 'a')
	put(t, src, "in/a.txt", original)
	put(t, src, "in/b.txt", payload(80, 'b'))

	cp, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	deps := Deps{Source: src, Sinks: SinkStores{Default: sink}, Checkpoint: cp}

	first, err := newMirror(t, baseOptions(), deps).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Copied)

	// A changed source object is not copied again for the same run.
	put(t, src, "in/a.txt", payload(120, 'z'))

	second, err := newMirror(t, baseOptions(), deps).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Copied)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, int64(0), second.Bytes)
	assert.Equal(t, original, get(t, sink, "a.txt"))

	// The rewritten manifest still lists the skipped jobs.
	man, err := storage.ReadManifest(ctx, sink, storage.ManifestKey("run-1", 0))
	require.NoError(t, err)
	require.Len(t, man.Entries, 1)
	assert.Equal(t, md5Digest(original), man.Entries[0].Checksum)

	// A new run id starts over.
	opts := baseOptions()
	opts.RunID = "run-2"
	third, err := newMirror(t, opts, deps).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Copied)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	mem, sink := memStore("src"), memStore("sink")
	defer mem.Close()
	defer sink.Close()
	data := payload(64, 'r')
	put(t, mem, "in/a.txt", data)

	src := newFlakyStore(mem, errors.New("connection reset"))
	src.failures["in/a.txt"] = 2

	mt := metrics.New(prometheus.NewRegistry(), "test")
	opts := baseOptions()
	opts.RetryAttempts = 3

	summary, err := newMirror(t, opts, Deps{Source: src, Sinks: SinkStores{Default: sink}, Metrics: mt}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Copied)
	assert.Equal(t, 3, src.opens["in/a.txt"])
	assert.Equal(t, data, get(t, sink, "a.txt"))
	assert.Equal(t, 2.0, testutil.ToFloat64(mt.RetryAttempts.WithLabelValues("transfer")))

	// No temp objects survive the failed attempts.
	assert.Equal(t, []string{"a.txt"}, objectKeys(t, sink))
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	mem, sink := memStore("src"), memStore("sink")
	defer mem.Close()
	defer sink.Close()
	put(t, mem, "in/a.txt", payload(10, 'a'))

	src := newFlakyStore(mem, errors.New("connection reset"))
	src.failures["in/a.txt"] = -1

	opts := baseOptions()
	opts.RetryAttempts = 2

	summary, err := newMirror(t, opts, Deps{Source: src, Sinks: SinkStores{Default: sink}}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 3, src.opens["in/a.txt"])
}

func TestRunFailedJobFailsOnlyItsBatch(t *testing.T) {
	ctx := context.Background()
	mem, sink := memStore("src"), memStore("sink")
	defer mem.Close()
	defer sink.Close()
	put(t, mem, "in/a.txt", payload(10, 'a'))
	put(t, mem, "in/b.txt", payload(10, 'b'))

	// Vanished between listing and copy: not retried.
	src := newFlakyStore(mem, storage.ErrNotFound)
	src.failures["in/b.txt"] = -1

	opts := baseOptions()
	opts.RetryAttempts = 5

	summary, err := newMirror(t, opts, Deps{Source: src, Sinks: SinkStores{Default: sink}}).Run(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, src.opens["in/b.txt"])
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 1, summary.Copied)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, []string{"a.txt"}, objectKeys(t, sink))

	// Only the successful batch has a manifest.
	ok, err := sink.Exists(ctx, storage.ManifestKey("run-1", 0))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = sink.Exists(ctx, storage.ManifestKey("run-1", 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunIncludeExclude(t *testing.T) {
	src, sink := memStore("src"), memStore("sink")
	defer src.Close()
	defer sink.Close()
	for _, k := range []string{"a.txt", "b.txt", "c.txt"} {
		put(t, src, "in/"+k, payload(5, k[0]))
	}

	opts := baseOptions()
	opts.Include = map[string]struct{}{"a.txt": {}, "b.txt": {}}
	opts.Exclude = map[string]struct{}{"b.txt": {}}

	summary, err := newMirror(t, opts, Deps{Source: src, Sinks: SinkStores{Default: sink}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Jobs)
	assert.Equal(t, []string{"a.txt"}, objectKeys(t, sink))
}

func TestRunEmptyCatalog(t *testing.T) {
	src, sink := memStore("src"), memStore("sink")
	defer src.Close()
	defer sink.Close()

	summary, err := newMirror(t, baseOptions(), Deps{Source: src, Sinks: SinkStores{Default: sink}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Jobs)
	assert.Equal(t, 0, summary.Batches)
}

func TestRunRejectsDestinationConflicts(t *testing.T) {
	src, sink := memStore("src"), memStore("sink")
	defer src.Close()
	defer sink.Close()
	put(t, src, "in/x.txt", []byte("plain"))
	put(t, src, "in/x.txt.gz", compress(t, codec.Gzip, []byte("plain")))

	_, err := newMirror(t, baseOptions(), Deps{Source: src, Sinks: SinkStores{Default: sink}}).Run(context.Background())
	require.ErrorIs(t, err, ErrDestinationConflict)
	assert.Empty(t, objectKeys(t, sink))
}

func TestRunCancelled(t *testing.T) {
	src, sink := memStore("src"), memStore("sink")
	defer src.Close()
	defer sink.Close()
	put(t, src, "in/a.txt", payload(10, 'a'))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newMirror(t, baseOptions(), Deps{Source: src, Sinks: SinkStores{Default: sink}}).Run(ctx)
	require.Error(t, err)
	assert.Empty(t, objectKeys(t, sink))
}

func TestDestKey(t *testing.T) {
	plain := newMirror(t, baseOptions(), Deps{Source: memStore("s"), Sinks: SinkStores{}})
	opts := baseOptions()
	opts.Codec = codec.Zstd
	zstd := newMirror(t, opts, Deps{Source: memStore("s"), Sinks: SinkStores{}})

	tests := []struct {
		m    *Mirror
		key  string
		want string
	}{
		{plain, "a.txt", "a.txt"},
		{plain, "dir/a.txt.gz", "dir/a.txt"},
		{zstd, "a.txt", "a.txt.zst"},
		{zstd, "a.txt.s2", "a.txt.zst"},
		{zstd, "a.tar", "a.tar.zst"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.m.DestKey(catalogJob(tt.key)), tt.key)
	}
}

func TestNewValidates(t *testing.T) {
	src := memStore("s")
	defer src.Close()

	_, err := New(baseOptions(), Deps{Sinks: SinkStores{}})
	assert.Error(t, err, "missing source")

	_, err = New(baseOptions(), Deps{Source: src})
	assert.Error(t, err, "missing sinks")

	opts := baseOptions()
	opts.Codec = "lz4"
	_, err = New(opts, Deps{Source: src, Sinks: SinkStores{}})
	assert.ErrorIs(t, err, codec.ErrUnknownCodec)

	opts = baseOptions()
	opts.ReportKey = "r.parquet"
	_, err = New(opts, Deps{Source: src, Sinks: SinkStores{}})
	assert.Error(t, err, "report without store")
}

func TestSinkStores(t *testing.T) {
	def := memStore("default")
	defer def.Close()
	s := SinkStores{Default: def, Hosts: map[string]storage.Store{"h1": def}}

	got, err := s.StoreFor(nil)
	require.NoError(t, err)
	assert.Same(t, def, got)

	_, err = s.StoreFor(&partition.HostDescriptor{ID: "h2"})
	assert.ErrorIs(t, err, ErrNoSinkStore)

	_, err = SinkStores{}.StoreFor(nil)
	assert.ErrorIs(t, err, ErrNoSinkStore)

	assert.Equal(t, "mem", backendOf(def))
}

func TestOpenFromConfig(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	data := payload(200, 'f')
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.txt"), data, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(in, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "nested", "b.txt"), data, 0644))

	cfg := config.Defaults()
	cfg.Run.ID = "cfg-run"
	cfg.Source.Storage = storage.StorageConfig{Backend: "local", LocalDir: in}
	cfg.Sink.Storage = storage.StorageConfig{Backend: "local", LocalDir: out}
	cfg.Sink.Compression = config.CompressionConfig{Enabled: true, Codec: "zstd"}
	cfg.Lists.Exclude = "nested/b.txt"
	cfg.Checkpoint = config.CheckpointConfig{Enabled: true, Dir: filepath.Join(t.TempDir(), "cp")}
	cfg.Transfer.Digest = "sha256"
	require.NoError(t, cfg.Validate())

	m, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Copied)

	written, err := os.ReadFile(filepath.Join(out, "a.txt.zst"))
	require.NoError(t, err)
	assert.Equal(t, data, decompress(t, codec.Zstd, written))
	_, err = os.Stat(filepath.Join(out, "nested", "b.txt.zst"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, m.Close())
}
