package optimizer

import "sort"

const (
	// DefaultExactItems is how many of the largest items are placed by
	// exhaustive search before the greedy pass takes over.
	DefaultExactItems = 12

	// DefaultNodeLimit caps the search tree; the best placement found so far
	// is used once it is exceeded.
	DefaultNodeLimit = 200000
)

// Packing is the capacity-packing balancer. The largest items are placed by a
// branch-and-bound search minimizing the largest group, the rest greedily.
// The result is never worse than Greedy on the same input. Groups are
// returned largest total first.
type Packing struct {
	exact     int
	nodeLimit int
}

// NewPacking returns a Packing optimizer. Non-positive arguments select the
// defaults.
func NewPacking(exactItems, nodeLimit int) Packing {
	if exactItems <= 0 {
		exactItems = DefaultExactItems
	}
	if nodeLimit <= 0 {
		nodeLimit = DefaultNodeLimit
	}
	return Packing{exact: exactItems, nodeLimit: nodeLimit}
}

// Optimize implements Optimizer.
func (p Packing) Optimize(items []Item, groups int) ([][]Item, error) {
	n, err := checkInput(items, groups)
	if err != nil || n == 0 {
		return nil, err
	}
	if p.exact <= 0 {
		p = NewPacking(p.exact, p.nodeLimit)
	}

	sorted := sortedBySize(items)
	k := p.exact
	if k > len(sorted) {
		k = len(sorted)
	}

	s := newSearch(sorted[:k], n, len(sorted), p.nodeLimit)
	s.dfs(0, 0, n)

	searched := newBins(n)
	for i, b := range s.bestAssign {
		searched[b].add(sorted[i])
	}
	fill(searched, sorted[k:])

	greedy := newBins(n)
	fill(greedy, sorted)

	bins := searched
	if makespanOf(greedy) < makespanOf(searched) {
		bins = greedy
	}

	sort.SliceStable(bins, func(i, j int) bool {
		return bins[i].load > bins[j].load
	})
	return groupsOf(bins), nil
}

func makespanOf(bins []*bin) int64 {
	var max int64
	for _, b := range bins {
		if b.load > max {
			max = b.load
		}
	}
	return max
}

// search is a depth-first placement of the prefix items. Bins are opened in
// index order, so empty bins always form a suffix and only the first of them
// is tried.
type search struct {
	items  []Item
	n      int
	total  int // items overall, including those left for the greedy pass
	loads  []int64
	counts []int
	assign []int

	best       int64
	bestAssign []int
	bound      int64
	nodes      int
	limit      int
}

func newSearch(items []Item, n, total, limit int) *search {
	s := &search{
		items:      items,
		n:          n,
		total:      total,
		loads:      make([]int64, n),
		counts:     make([]int, n),
		assign:     make([]int, len(items)),
		bestAssign: make([]int, len(items)),
		best:       -1,
		limit:      limit,
	}

	var sum int64
	for _, it := range items {
		sum += it.Size
	}
	s.bound = (sum + int64(n) - 1) / int64(n)
	if len(items) > 0 && items[0].Size > s.bound {
		s.bound = items[0].Size
	}
	return s
}

// dfs places item i. It returns true when the search should stop.
func (s *search) dfs(i int, maxLoad int64, empty int) bool {
	if s.best >= 0 && maxLoad >= s.best {
		return false
	}
	if i == len(s.items) {
		s.best = maxLoad
		copy(s.bestAssign, s.assign)
		return s.best <= s.bound
	}

	s.nodes++
	if s.best >= 0 && s.nodes > s.limit {
		return true
	}

	// Items still to place after this one must be able to fill every empty bin.
	rest := s.total - i - 1
	it := s.items[i]
	for b := 0; b < s.n; b++ {
		opening := s.counts[b] == 0
		if !opening && rest < empty {
			continue
		}

		s.loads[b] += it.Size
		s.counts[b]++
		s.assign[i] = b

		next := maxLoad
		if s.loads[b] > next {
			next = s.loads[b]
		}
		left := empty
		if opening {
			left--
		}
		stop := s.dfs(i+1, next, left)

		s.loads[b] -= it.Size
		s.counts[b]--
		if stop {
			return true
		}
		if opening {
			break
		}
	}
	return false
}
