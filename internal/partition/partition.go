// Package partition turns a job catalog into batches for transfer workers.
//
// Two resource models are supported. An HDFS-like sink has an elastic worker
// pool and no per-worker capacity, so batches are only balanced. An MFTP-like
// sink is a fixed set of hosts with finite free space, so each batch is bound
// to one host and must fit on it or the whole partition fails.
package partition

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/withObsrvr/obsrvr-mirror/internal/catalog"
	"github.com/withObsrvr/obsrvr-mirror/internal/optimizer"
)

// SinkType is the declared kind of destination.
type SinkType int

const (
	SinkUnspecified SinkType = iota
	SinkHDFS
	SinkMFTP
)

func (t SinkType) String() string {
	switch t {
	case SinkHDFS:
		return "hdfs"
	case SinkMFTP:
		return "mftp"
	default:
		return "unspecified"
	}
}

// ParseSinkType maps a configured name to a SinkType. Unknown names map to
// SinkUnspecified.
func ParseSinkType(name string) SinkType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "hdfs":
		return SinkHDFS
	case "mftp", "ftp":
		return SinkMFTP
	default:
		return SinkUnspecified
	}
}

// HostDescriptor is a destination host and a snapshot of its free space.
type HostDescriptor struct {
	ID             string
	FreeSpaceBytes int64
}

// Batch is a group of jobs transferred together by one worker or host.
type Batch struct {
	Jobs       []catalog.Job
	TotalBytes int64
	Host       *HostDescriptor // set only for capacity-constrained sinks
}

// Keys returns the job keys of the batch in transfer order.
func (b Batch) Keys() []string {
	keys := make([]string, len(b.Jobs))
	for i, j := range b.Jobs {
		keys[i] = j.Key
	}
	return keys
}

// Result is the ordered outcome of a partition run.
type Result struct {
	Batches    []Batch
	TotalBytes int64
}

// Request carries the sink configuration a partitioner needs.
type Request struct {
	Sink    SinkType
	Workers int              // requested worker count; 0 means natural parallelism
	Hosts   []HostDescriptor // MFTP destinations
}

// Partitioner produces batches for a catalog.
type Partitioner interface {
	Partition(cat *catalog.Catalog, req Request) (*Result, error)
}

// Selector routes a request to the partitioner for its sink type.
// Unspecified and unknown sink types use the HDFS partitioner.
type Selector struct {
	hdfs Partitioner
	mftp Partitioner
	log  *slog.Logger
}

// NewSelector returns a Selector backed by the registered greedy and
// capacity-packing optimizers.
func NewSelector() (*Selector, error) {
	greedy, err := optimizer.New(optimizer.PriorityQueue)
	if err != nil {
		return nil, err
	}
	packing, err := optimizer.New(optimizer.CapacityPacking)
	if err != nil {
		return nil, err
	}
	return NewSelectorWith(NewHDFSPartitioner(greedy), NewMFTPPartitioner(packing)), nil
}

// NewSelectorWith returns a Selector over explicit partitioners.
func NewSelectorWith(hdfs, mftp Partitioner) *Selector {
	return &Selector{
		hdfs: hdfs,
		mftp: mftp,
		log:  slog.With("component", "partition"),
	}
}

// Partition implements Partitioner.
func (s *Selector) Partition(cat *catalog.Catalog, req Request) (*Result, error) {
	var p Partitioner
	switch req.Sink {
	case SinkMFTP:
		p = s.mftp
	case SinkHDFS:
		p = s.hdfs
	default:
		s.log.Warn("unrecognized sink type, using unconstrained partitioning", "sink", req.Sink.String())
		p = s.hdfs
	}

	res, err := p.Partition(cat, req)
	if err != nil {
		return nil, err
	}

	s.log.Info("partitioned catalog",
		"sink", req.Sink.String(),
		"jobs", cat.Len(),
		"batches", len(res.Batches),
		"total_batch_bytes", res.TotalBytes,
	)
	return res, nil
}

// itemsOf converts the catalog into optimizer input.
func itemsOf(cat *catalog.Catalog) []optimizer.Item {
	jobs := cat.Jobs()
	items := make([]optimizer.Item, len(jobs))
	for i, j := range jobs {
		items[i] = optimizer.Item{Key: j.Key, Size: j.Size}
	}
	return items
}

// newBatch resolves a group of optimizer items back to catalog jobs.
func newBatch(cat *catalog.Catalog, group []optimizer.Item) (Batch, error) {
	b := Batch{Jobs: make([]catalog.Job, 0, len(group))}
	for _, it := range group {
		j, ok := cat.Resolve(it.Key)
		if !ok {
			return Batch{}, fmt.Errorf("%w: %s", ErrUnknownJob, it.Key)
		}
		b.Jobs = append(b.Jobs, j)
		b.TotalBytes += j.Size
	}
	return b, nil
}
