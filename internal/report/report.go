// Package report writes a columnar record of every job a run transferred.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-mirror/internal/storage"
)

// SchemaVersion returns the version of the report schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"

// Job statuses.
const (
	StatusCopied  = "copied"
	StatusSkipped = "skipped"
)

// TransferRecord is one row of the transfer report.
type TransferRecord struct {
	RunID string `parquet:"run_id"`
	Batch int32  `parquet:"batch"`
	Sink  string `parquet:"sink"`
	Host  string `parquet:"host"`

	JobKey    string `parquet:"job_key"`
	SourceKey string `parquet:"source_key"`
	DestKey   string `parquet:"dest_key"`
	DestURI   string `parquet:"dest_uri"`

	Bytes    int64  `parquet:"bytes"`    // bytes read from the source stream
	Checksum string `parquet:"checksum"` // "<alg>:<hex>"
	Codec    string `parquet:"codec"`    // output codec, empty when uncompressed
	Attempts int32  `parquet:"attempts"` // 0 for skipped jobs
	Status   string `parquet:"status"`   // copied | skipped

	DurationMS int64     `parquet:"duration_ms"`
	FinishedAt time.Time `parquet:"finished_at,timestamp(millisecond)"`
}

// Collector accumulates records from concurrent batch workers.
type Collector struct {
	mu      sync.Mutex
	records []TransferRecord
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add appends a record.
func (c *Collector) Add(rec TransferRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Records returns the collected records ordered by batch then job key.
func (c *Collector) Records() []TransferRecord {
	c.mu.Lock()
	out := make([]TransferRecord, len(c.records))
	copy(out, c.records)
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Batch != out[j].Batch {
			return out[i].Batch < out[j].Batch
		}
		return out[i].JobKey < out[j].JobKey
	})
	return out
}

// Key returns the object key of a run's report under prefix.
func Key(prefix, runID string) string {
	return fmt.Sprintf("%s%s/transfers.parquet", prefix, runID)
}

// Encode writes records as a snappy-compressed parquet file.
func Encode(w io.Writer, records []TransferRecord) error {
	pw := parquet.NewGenericWriter[TransferRecord](w, parquet.Compression(&parquet.Snappy))
	if _, err := pw.Write(records); err != nil {
		pw.Close()
		return fmt.Errorf("write report rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close report writer: %w", err)
	}
	return nil
}

// Decode reads a report produced by Encode.
func Decode(r io.ReaderAt, size int64) ([]TransferRecord, error) {
	rows, err := parquet.Read[TransferRecord](r, size)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return rows, nil
}

// Publish writes the collected records atomically to key in store.
func (c *Collector) Publish(ctx context.Context, store storage.Store, key string) error {
	records := c.Records()
	return storage.WriteAtomic(ctx, store, key, func(w io.Writer) error {
		return Encode(w, records)
	})
}
