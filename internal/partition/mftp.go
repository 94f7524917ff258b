package partition

import (
	"fmt"
	"sort"

	"github.com/withObsrvr/obsrvr-mirror/internal/catalog"
	"github.com/withObsrvr/obsrvr-mirror/internal/optimizer"
)

// MFTPPartitioner packs jobs onto a fixed set of hosts with finite free space.
// The i-th group from the optimizer goes to the i-th host after hosts are
// sorted by free space, largest first.
type MFTPPartitioner struct {
	opt optimizer.Optimizer
}

// NewMFTPPartitioner returns a partitioner packing through opt.
func NewMFTPPartitioner(opt optimizer.Optimizer) *MFTPPartitioner {
	return &MFTPPartitioner{opt: opt}
}

// Partition is all-or-nothing: if any batch exceeds its host's free space a
// *CapacityExceededError is returned and no batches are.
func (p *MFTPPartitioner) Partition(cat *catalog.Catalog, req Request) (*Result, error) {
	if len(req.Hosts) == 0 {
		return nil, ErrNoHosts
	}

	hosts := SortHostsByFreeSpace(req.Hosts)
	groupCount := len(hosts)
	if cat.Len() < groupCount {
		groupCount = cat.Len()
	}

	res := &Result{}
	if groupCount == 0 {
		return res, nil
	}

	groups, err := p.opt.Optimize(itemsOf(cat), groupCount)
	if err != nil {
		return nil, fmt.Errorf("optimize workload: %w", err)
	}
	if len(groups) > len(hosts) {
		return nil, fmt.Errorf("optimizer returned %d groups for %d hosts", len(groups), len(hosts))
	}

	for i, g := range groups {
		b, err := newBatch(cat, g)
		if err != nil {
			return nil, err
		}
		host := hosts[i]
		if b.TotalBytes > host.FreeSpaceBytes {
			return nil, &CapacityExceededError{Batch: i, Host: host, Required: b.TotalBytes}
		}
		b.Host = &host
		res.Batches = append(res.Batches, b)
		res.TotalBytes += b.TotalBytes
	}
	return res, nil
}

// SortHostsByFreeSpace returns a new slice ordered by free space, largest
// first, ties broken by ID. The input is not modified.
func SortHostsByFreeSpace(hosts []HostDescriptor) []HostDescriptor {
	out := make([]HostDescriptor, len(hosts))
	copy(out, hosts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FreeSpaceBytes != out[j].FreeSpaceBytes {
			return out[i].FreeSpaceBytes > out[j].FreeSpaceBytes
		}
		return out[i].ID < out[j].ID
	})
	return out
}
