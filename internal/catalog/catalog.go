// Package catalog holds the set of transfer jobs discovered for a mirroring run.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrDuplicateKey is returned when two jobs share a key.
var ErrDuplicateKey = errors.New("duplicate job key")

// Job is a single file transfer. Jobs are immutable once discovered.
type Job struct {
	Key     string    // stable identifier, unique within a catalog
	Path    string    // source object key
	Size    int64     // bytes
	ModTime time.Time
}

// Catalog is the set of jobs produced once per run.
// Iteration order is by key so every consumer sees the same sequence.
type Catalog struct {
	jobs  []Job
	index map[string]int
	total int64
}

// New builds a catalog from the given jobs.
func New(jobs []Job) (*Catalog, error) {
	c := &Catalog{
		jobs:  make([]Job, 0, len(jobs)),
		index: make(map[string]int, len(jobs)),
	}
	for _, j := range jobs {
		if _, ok := c.index[j.Key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, j.Key)
		}
		if j.Size < 0 {
			return nil, fmt.Errorf("job %s: negative size %d", j.Key, j.Size)
		}
		c.index[j.Key] = -1
		c.jobs = append(c.jobs, j)
	}

	sort.Slice(c.jobs, func(i, k int) bool {
		return c.jobs[i].Key < c.jobs[k].Key
	})
	for i, j := range c.jobs {
		c.index[j.Key] = i
		c.total += j.Size
	}
	return c, nil
}

// MustNew is New for fixtures; it panics on error.
func MustNew(jobs ...Job) *Catalog {
	c, err := New(jobs)
	if err != nil {
		panic(err)
	}
	return c
}

// Jobs returns a copy of the jobs in key order.
func (c *Catalog) Jobs() []Job {
	out := make([]Job, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// Resolve maps a job key back to the full job.
func (c *Catalog) Resolve(key string) (Job, bool) {
	i, ok := c.index[key]
	if !ok {
		return Job{}, false
	}
	return c.jobs[i], true
}

// Len returns the number of jobs.
func (c *Catalog) Len() int {
	return len(c.jobs)
}

// Locations returns the natural parallelism of the catalog. Every job is
// its own location.
func (c *Catalog) Locations() int {
	return len(c.jobs)
}

// TotalBytes returns the sum of all job sizes.
func (c *Catalog) TotalBytes() int64 {
	return c.total
}
