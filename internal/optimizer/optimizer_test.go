package optimizer

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(sizes ...int64) []Item {
	out := make([]Item, len(sizes))
	for i, s := range sizes {
		out[i] = Item{Key: fmt.Sprintf("job-%03d", i), Size: s}
	}
	return out
}

func randomItems(r *rand.Rand, n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{Key: fmt.Sprintf("f%04d", i), Size: r.Int63n(1 << 30)}
	}
	return out
}

func strategies(t *testing.T) map[string]Optimizer {
	t.Helper()
	out := map[string]Optimizer{}
	for _, s := range []Strategy{PriorityQueue, CapacityPacking} {
		o, err := New(s)
		require.NoError(t, err)
		out[s.String()] = o
	}
	return out
}

func assertContract(t *testing.T, in []Item, groups int, out [][]Item) {
	t.Helper()

	want := groups
	if len(in) < want {
		want = len(in)
	}
	assert.LessOrEqual(t, len(out), want, "group count bound")

	seen := make(map[string]int)
	var total int64
	for gi, g := range out {
		assert.NotEmpty(t, g, "group %d is empty", gi)
		for _, it := range g {
			seen[it.Key]++
			total += it.Size
		}
	}
	var inTotal int64
	for _, it := range in {
		inTotal += it.Size
		assert.Equal(t, 1, seen[it.Key], "item %s assigned %d times", it.Key, seen[it.Key])
	}
	assert.Len(t, seen, len(in))
	assert.Equal(t, inTotal, total)
}

func TestOptimizersContract(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	cases := []struct {
		n      int
		groups int
	}{
		{1, 1}, {1, 5}, {5, 1}, {5, 5}, {5, 8}, {17, 4}, {40, 7}, {100, 13}, {30, 30},
	}

	for name, opt := range strategies(t) {
		for _, tc := range cases {
			t.Run(fmt.Sprintf("%s/n=%d/g=%d", name, tc.n, tc.groups), func(t *testing.T) {
				in := randomItems(r, tc.n)
				out, err := opt.Optimize(in, tc.groups)
				require.NoError(t, err)
				assertContract(t, in, tc.groups, out)

				again, err := opt.Optimize(in, tc.groups)
				require.NoError(t, err)
				assert.Equal(t, out, again, "optimizer must be deterministic")
			})
		}
	}
}

func TestOptimizersZeroSizedItemsFillEveryGroup(t *testing.T) {
	in := items(10, 0, 0, 0)
	for name, opt := range strategies(t) {
		t.Run(name, func(t *testing.T) {
			out, err := opt.Optimize(in, 3)
			require.NoError(t, err)
			require.Len(t, out, 3)
			assertContract(t, in, 3, out)
		})
	}
}

func TestOptimizersEmptyInput(t *testing.T) {
	for name, opt := range strategies(t) {
		out, err := opt.Optimize(nil, 3)
		assert.NoError(t, err, name)
		assert.Empty(t, out, name)
	}
}

func TestOptimizersInvalidGroupCount(t *testing.T) {
	for name, opt := range strategies(t) {
		_, err := opt.Optimize(items(1, 2), 0)
		assert.ErrorIs(t, err, ErrInvalidGroupCount, name)
	}
}

func TestGreedyLargestFirstOntoLightestGroup(t *testing.T) {
	in := []Item{{"A", 100}, {"B", 200}, {"C", 300}, {"D", 400}}

	out, err := Greedy{}.Optimize(in, 2)
	require.NoError(t, err)

	assert.Equal(t, [][]Item{
		{{"D", 400}, {"A", 100}},
		{{"C", 300}, {"B", 200}},
	}, out)
}

func TestPackingFindsOptimalSplit(t *testing.T) {
	// Greedy yields a largest group of 7 here; the optimum is two groups of 6.
	in := items(3, 3, 2, 2, 2)

	out, err := NewPacking(0, 0).Optimize(in, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), Makespan(out))

	g, err := Greedy{}.Optimize(in, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(7), Makespan(g))
}

func TestPackingOrdersGroupsLargestFirst(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	out, err := NewPacking(0, 0).Optimize(randomItems(r, 25), 6)
	require.NoError(t, err)

	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, Load(out[i-1]), Load(out[i]))
	}
}

func TestPackingNeverWorseThanGreedy(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	for i := 0; i < 20; i++ {
		in := randomItems(r, 5+r.Intn(40))
		groups := 1 + r.Intn(8)

		p, err := NewPacking(6, 5000).Optimize(in, groups)
		require.NoError(t, err)
		g, err := Greedy{}.Optimize(in, groups)
		require.NoError(t, err)

		assert.LessOrEqual(t, Makespan(p), Makespan(g))
	}
}

func TestRegistry(t *testing.T) {
	_, err := New(Strategy(99))
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	const custom Strategy = 50
	Register(custom, func() Optimizer { return Greedy{} })
	o, err := New(custom)
	require.NoError(t, err)
	assert.IsType(t, Greedy{}, o)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name string
		want Strategy
	}{
		{"priority-queue", PriorityQueue},
		{"GREEDY", PriorityQueue},
		{"capacity-packing", CapacityPacking},
		{" ptas ", CapacityPacking},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := ParseStrategy("round-robin")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
