package mirror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-mirror/internal/partition"
	"github.com/withObsrvr/obsrvr-mirror/internal/storage"
)

// ErrNoSinkStore is returned when a batch has no store to write to.
var ErrNoSinkStore = errors.New("no sink store")

// Sinks resolves the store a batch is written to.
type Sinks interface {
	StoreFor(host *partition.HostDescriptor) (storage.Store, error)
}

// SinkStores routes host-assigned batches to their host's store and every
// other batch to Default.
type SinkStores struct {
	Default storage.Store
	Hosts   map[string]storage.Store
}

// StoreFor implements Sinks.
func (s SinkStores) StoreFor(host *partition.HostDescriptor) (storage.Store, error) {
	if host == nil {
		if s.Default == nil {
			return nil, fmt.Errorf("%w for unassigned batch", ErrNoSinkStore)
		}
		return s.Default, nil
	}
	st, ok := s.Hosts[host.ID]
	if !ok {
		return nil, fmt.Errorf("%w for host %s", ErrNoSinkStore, host.ID)
	}
	return st, nil
}

// backendOf returns the URI scheme of s, used as the metrics backend label.
func backendOf(s storage.Store) string {
	if s == nil {
		return "unknown"
	}
	scheme, _, ok := strings.Cut(s.URI(""), "://")
	if !ok {
		return "unknown"
	}
	return scheme
}
