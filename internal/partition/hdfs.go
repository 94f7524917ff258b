package partition

import (
	"fmt"

	"github.com/withObsrvr/obsrvr-mirror/internal/catalog"
	"github.com/withObsrvr/obsrvr-mirror/internal/optimizer"
)

// HDFSPartitioner balances jobs across an elastic worker pool. It never
// fails on size grounds.
type HDFSPartitioner struct {
	opt optimizer.Optimizer
}

// NewHDFSPartitioner returns a partitioner consolidating through opt.
func NewHDFSPartitioner(opt optimizer.Optimizer) *HDFSPartitioner {
	return &HDFSPartitioner{opt: opt}
}

// Partition consolidates into req.Workers batches when that is fewer than the
// natural parallelism of the catalog. Otherwise every job is its own batch.
func (p *HDFSPartitioner) Partition(cat *catalog.Catalog, req Request) (*Result, error) {
	res := &Result{}

	if req.Workers <= 0 || req.Workers >= cat.Locations() {
		for _, j := range cat.Jobs() {
			res.Batches = append(res.Batches, Batch{
				Jobs:       []catalog.Job{j},
				TotalBytes: j.Size,
			})
			res.TotalBytes += j.Size
		}
		return res, nil
	}

	groups, err := p.opt.Optimize(itemsOf(cat), req.Workers)
	if err != nil {
		return nil, fmt.Errorf("optimize workload: %w", err)
	}

	for _, g := range groups {
		b, err := newBatch(cat, g)
		if err != nil {
			return nil, err
		}
		res.Batches = append(res.Batches, b)
		res.TotalBytes += b.TotalBytes
	}
	return res, nil
}
