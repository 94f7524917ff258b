package partition

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded matches any *CapacityExceededError.
	ErrCapacityExceeded = errors.New("batch exceeds host free space")

	// ErrNoHosts is returned when a capacity-constrained sink has no hosts.
	ErrNoHosts = errors.New("no destination hosts configured")

	// ErrUnknownJob is returned when an optimizer hands back a key the
	// catalog cannot resolve.
	ErrUnknownJob = errors.New("optimizer returned unknown job")
)

// CapacityExceededError reports the first batch that does not fit on its
// assigned host. No batches are returned alongside it.
type CapacityExceededError struct {
	Batch    int
	Host     HostDescriptor
	Required int64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("batch %d needs %d bytes but host %s has %d free",
		e.Batch, e.Required, e.Host.ID, e.Host.FreeSpaceBytes)
}

// Unwrap lets errors.Is match ErrCapacityExceeded.
func (e *CapacityExceededError) Unwrap() error {
	return ErrCapacityExceeded
}
