// Package optimizer splits a set of sized items into balanced groups.
//
// Strategies are selected by tag through a registry so callers never switch on
// concrete balancer types. Every strategy must assign each item exactly once,
// return no more groups than requested, never return an empty group and be
// deterministic for a fixed input. Group order is significant: callers pair
// groups positionally with workers or hosts.
package optimizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrInvalidGroupCount is returned when fewer than one group is requested
	// for a non-empty input.
	ErrInvalidGroupCount = errors.New("group count must be positive")

	// ErrUnknownStrategy is returned for a strategy tag with no registered factory.
	ErrUnknownStrategy = errors.New("unknown optimizer strategy")
)

// Item is one unit of load.
type Item struct {
	Key  string
	Size int64
}

// Optimizer partitions items into at most groups groups.
type Optimizer interface {
	Optimize(items []Item, groups int) ([][]Item, error)
}

// Strategy tags a registered optimizer.
type Strategy int

const (
	// PriorityQueue is the fast greedy balancer: largest item first onto the
	// least-loaded group.
	PriorityQueue Strategy = iota + 1

	// CapacityPacking searches placements of the largest items exhaustively
	// and returns groups ordered by total size, largest first.
	CapacityPacking
)

func (s Strategy) String() string {
	switch s {
	case PriorityQueue:
		return "priority-queue"
	case CapacityPacking:
		return "capacity-packing"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configured name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "priority-queue", "priority_queue", "greedy":
		return PriorityQueue, nil
	case "capacity-packing", "capacity_packing", "ptas":
		return CapacityPacking, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

var (
	registryMu sync.RWMutex
	registry   = map[Strategy]func() Optimizer{
		PriorityQueue:   func() Optimizer { return Greedy{} },
		CapacityPacking: func() Optimizer { return NewPacking(DefaultExactItems, DefaultNodeLimit) },
	}
)

// Register installs or replaces the factory for a strategy.
func Register(s Strategy, factory func() Optimizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s] = factory
}

// New returns the optimizer registered for s.
func New(s Strategy) (Optimizer, error) {
	registryMu.RLock()
	factory, ok := registry[s]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, s)
	}
	return factory(), nil
}

// checkInput validates the common contract and returns the effective group count.
func checkInput(items []Item, groups int) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if groups < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidGroupCount, groups)
	}
	if groups > len(items) {
		groups = len(items)
	}
	return groups, nil
}

// sortedBySize returns a copy of items, largest first, ties by key.
func sortedBySize(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Load returns the summed size of a group.
func Load(group []Item) int64 {
	var total int64
	for _, it := range group {
		total += it.Size
	}
	return total
}

// Makespan returns the largest group load.
func Makespan(groups [][]Item) int64 {
	var max int64
	for _, g := range groups {
		if l := Load(g); l > max {
			max = l
		}
	}
	return max
}
