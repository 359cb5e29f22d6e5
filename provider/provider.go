// Package provider defines the storage tier contract shared by every backend
// in tierkv, plus the item envelope tiers exchange.
//
// Implementations own their backing resource exclusively: two provider
// instances must never share one keyspace. Channels are normalized to
// lower-case before storage and lookup; a tier may additionally consult the
// original-case key on read for data written before normalization existed.
//
// Every tier applies the TTL rule transparently: an expired item reads as
// absent and the tier removes it best-effort when it is discovered.
package provider

import (
	"context"
	"strings"
	"time"
)

// Type identifies a storage tier.
type Type int

const (
	// Hybrid routes across the tiers below. Zero value on purpose: it is
	// the default provider.
	Hybrid Type = iota
	// Memory is the in-process tier. Fast, size-bounded, lost on restart.
	Memory
	// Session is bound to one session lifetime. Survives within the
	// session scope, not across it.
	Session
	// Durable survives process restarts.
	Durable
)

func (t Type) String() string {
	switch t {
	case Memory:
		return "memory"
	case Session:
		return "session"
	case Durable:
		return "durable"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Priority is a write-time routing hint.
type Priority string

const (
	// PriorityPerformance forces the fastest tier.
	PriorityPerformance Priority = "performance"
	// PriorityPersistence forces the most durable available tier.
	PriorityPersistence Priority = "persistence"
	// PriorityBalance (or empty) selects a tier by payload size.
	PriorityBalance Priority = "balance"
)

// Metadata describes a stored item. Size is derived from the stored payload,
// never caller-supplied. TTL is relative to Timestamp; zero means no expiry.
type Metadata struct {
	Timestamp  int64  `json:"timestamp"` // ms since epoch
	TTL        int64  `json:"ttl,omitempty"`
	Compressed bool   `json:"compressed"`
	Size       int64  `json:"size"`
	Channel    string `json:"channel"`
}

// Item is the envelope every tier stores. Immutable once written; a Set
// replaces the whole item.
type Item struct {
	Data []byte
	Meta Metadata

	// Routing is a transient write-time hint consumed by the hybrid
	// router. Tiers ignore it and it is never persisted.
	Routing Priority
}

// Expired reports whether the item's TTL has elapsed at now.
func (it *Item) Expired(now time.Time) bool {
	if it == nil || it.Meta.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-it.Meta.Timestamp > it.Meta.TTL
}

// SetOptions carries write-time hints. Compress is advisory.
type SetOptions struct {
	TTL      time.Duration
	Compress bool
	Priority Priority
}

// Normalize returns the storage form of a channel.
func Normalize(channel string) string {
	return strings.ToLower(channel)
}

// Provider is the uniform tier contract.
//
// Get returns (nil, nil) on a miss; read failures inside a tier are
// normalized to misses by the router, so implementations should reserve
// errors for genuine backend faults. Write failures always propagate.
// Multi-key operations execute their member operations concurrently and
// return once all have completed.
type Provider interface {
	// Type identifies the tier.
	Type() Type

	// Available is a cheap, synchronous feasibility probe used before
	// routing. Absence is a routing signal, not an error.
	Available() bool

	Get(ctx context.Context, channel string) (*Item, error)
	Set(ctx context.Context, channel string, item *Item) error
	Remove(ctx context.Context, channel string) error

	GetMany(ctx context.Context, channels []string) (map[string]*Item, error)
	SetMany(ctx context.Context, items map[string]*Item) error
	RemoveMany(ctx context.Context, channels []string) error

	// Keys enumerates stored channels. No ordering is implied.
	Keys(ctx context.Context) ([]string, error)

	// Clear wipes the tier's entire region.
	Clear(ctx context.Context) error

	// Size returns aggregate stored bytes. May be O(n) on some tiers.
	Size(ctx context.Context) (int64, error)

	Has(ctx context.Context, channel string) (bool, error)

	// Close releases the tier's backing resource.
	Close(ctx context.Context) error
}
