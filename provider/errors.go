package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded reports a write over the memory tier's byte
	// ceiling. Fatal to that single write; the tier never evicts to fit.
	ErrCapacityExceeded = errors.New("tierkv: capacity exceeded")

	// ErrQuotaExceeded reports a scoped backend rejecting a write over its
	// quota. Surfaced distinctly so callers can retry through a durable
	// tier or shrink the payload.
	ErrQuotaExceeded = errors.New("tierkv: quota exceeded")

	// ErrUnavailable reports that no candidate tier could take the
	// operation.
	ErrUnavailable = errors.New("tierkv: no available tier")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("tierkv: provider closed")
)

// CapacityError wraps ErrCapacityExceeded with accounting detail.
type CapacityError struct {
	Channel string
	Need    int64 // bytes the write requires
	Used    int64 // bytes currently accounted
	Limit   int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("tierkv: capacity exceeded writing %q: need %d, used %d of %d",
		e.Channel, e.Need, e.Used, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }
