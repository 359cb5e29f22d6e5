package tierkv

import (
	"fmt"

	"github.com/unkn0wn-root/tierkv/provider"
)

// Re-exported tier errors so most callers only import this package.
var (
	ErrCapacityExceeded = provider.ErrCapacityExceeded
	ErrQuotaExceeded    = provider.ErrQuotaExceeded
	ErrUnavailable      = provider.ErrUnavailable
)

// SerializationError reports a value that could not cross the codec
// boundary. Fatal for that single operation.
type SerializationError struct {
	Channel string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("tierkv: serialization failed for %q: %v", e.Channel, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
