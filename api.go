package tierkv

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/tierkv/codec"
	"github.com/unkn0wn-root/tierkv/provider"
)

// Stored pairs a decoded value with the metadata of its envelope.
type Stored[V any] struct {
	Data V
	Meta provider.Metadata
}

// Store is the value-typed surface consumers work against. Serialization is
// handled by a pluggable codec.Codec[V]; tier routing by the active provider.
//
// A nil *Stored result is a definitive miss, never an error; expired items
// read as absent.
type Store[V any] interface {
	Get(ctx context.Context, channel string) (*Stored[V], error)
	Set(ctx context.Context, channel string, value V, opts *provider.SetOptions) error
	Remove(ctx context.Context, channel string) error

	// GetMany maps every requested channel (normalized) to its item or nil.
	GetMany(ctx context.Context, channels []string) (map[string]*Stored[V], error)
	SetMany(ctx context.Context, values map[string]V, opts *provider.SetOptions) error
	RemoveMany(ctx context.Context, channels []string) error

	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int64, error)
	Has(ctx context.Context, channel string) (bool, error)
}

// Options configure a Manager. Memory is built with defaults when nil;
// Session and Durable are optional tiers and stay out of routing when nil.
type Options[V any] struct {
	Codec  codec.Codec[V] // nil => codec.JSON[V]
	Logger Logger         // nil => NopLogger

	Memory  provider.Provider
	Session provider.Provider
	Durable provider.Provider

	// Default selects the initially active provider; the zero value is
	// Hybrid.
	Default provider.Type

	// Registerer enables prometheus metrics; nil disables them.
	Registerer prometheus.Registerer
}

// New builds a Manager over the configured tiers. The caller owns the handle
// and tears it down with Close; there is no package-level instance.
func New[V any](opts Options[V]) (*Manager[V], error) {
	return newManager[V](opts)
}
