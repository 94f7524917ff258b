package optimizer

import "container/heap"

// Greedy is the priority-queue balancer. Items are taken largest first and
// each goes to the group with the smallest load. Groups are returned in the
// order they were opened.
type Greedy struct{}

// Optimize implements Optimizer.
func (Greedy) Optimize(items []Item, groups int) ([][]Item, error) {
	n, err := checkInput(items, groups)
	if err != nil || n == 0 {
		return nil, err
	}

	bins := newBins(n)
	fill(bins, sortedBySize(items))
	return groupsOf(bins), nil
}

func newBins(n int) []*bin {
	bins := make([]*bin, n)
	for i := range bins {
		bins[i] = &bin{idx: i}
	}
	return bins
}

// fill places items, in the given order, onto the least-loaded bin.
func fill(bins []*bin, items []Item) {
	if len(items) == 0 {
		return
	}
	h := make(binHeap, len(bins))
	copy(h, bins)
	heap.Init(&h)
	for _, it := range items {
		h[0].add(it)
		heap.Fix(&h, 0)
	}
}

func groupsOf(bins []*bin) [][]Item {
	out := make([][]Item, len(bins))
	for i, b := range bins {
		out[i] = b.items
	}
	return out
}

type bin struct {
	idx   int
	load  int64
	items []Item
}

func (b *bin) add(it Item) {
	b.items = append(b.items, it)
	b.load += it.Size
}

// less orders bins by load, then item count so empty bins are always filled
// before zero-size items stack up, then by index for determinism.
func (b *bin) less(o *bin) bool {
	if b.load != o.load {
		return b.load < o.load
	}
	if len(b.items) != len(o.items) {
		return len(b.items) < len(o.items)
	}
	return b.idx < o.idx
}

type binHeap []*bin

func (h binHeap) Len() int           { return len(h) }
func (h binHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h binHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *binHeap) Push(x any) { *h = append(*h, x.(*bin)) }

func (h *binHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
