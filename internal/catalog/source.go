package catalog

import (
	"strings"
	"time"
)

// Object is the listing metadata a source store reports for one object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Filter restricts which listed objects become jobs.
type Filter struct {
	Include map[string]struct{} // when non-empty, only these keys
	Exclude map[string]struct{}
	Prefix  string // stripped from object keys to form job keys
}

// FromObjects builds a catalog from a source listing.
func FromObjects(objects []Object, f Filter) (*Catalog, error) {
	jobs := make([]Job, 0, len(objects))
	for _, o := range objects {
		key := strings.TrimPrefix(o.Key, f.Prefix)
		if key == "" {
			continue
		}
		if len(f.Include) > 0 {
			if _, ok := f.Include[key]; !ok {
				continue
			}
		}
		if _, ok := f.Exclude[key]; ok {
			continue
		}
		jobs = append(jobs, Job{
			Key:     key,
			Path:    o.Key,
			Size:    o.Size,
			ModTime: o.ModTime,
		})
	}
	return New(jobs)
}
