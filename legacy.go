package tierkv

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/tierkv/internal/wire"
	"github.com/unkn0wn-root/tierkv/provider"
	"github.com/unkn0wn-root/tierkv/provider/session"
)

// Legacy emulates the old storage API for call sites that predate the tiered
// engine: a synchronous best-effort read against the session backend, and
// poll-based subscriptions.
//
// The subscription model is approximate by construction: updates are observed
// at the polling interval (default 1s) and deduplicated by comparing the
// stored byte form, so callers needing true push semantics must not use it.
// Reads never fail; every error becomes a nil result.
type Legacy[V any] struct {
	m        *Manager[V]
	backend  session.Backend
	interval time.Duration
}

// NewLegacy wraps a manager. backend may be nil, which disables the
// synchronous Data path (it then always reports absent).
func NewLegacy[V any](m *Manager[V], backend session.Backend) *Legacy[V] {
	return &Legacy[V]{m: m, backend: backend, interval: time.Second}
}

// Data reads the session backend directly, accepting both the envelope and
// the pre-envelope flat payload written by older versions. Best effort: any
// failure is a nil result.
func (l *Legacy[V]) Data(channel string) *V {
	if l.backend == nil {
		return nil
	}
	ctx := context.Background()
	ch := provider.Normalize(channel)

	raw, ok, err := l.backend.Get(ctx, ch)
	if err != nil {
		return nil
	}
	if !ok && ch != channel {
		raw, ok, err = l.backend.Get(ctx, channel)
		if err != nil {
			return nil
		}
	}
	if !ok {
		return nil
	}

	if it, err := wire.Decode(raw); err == nil {
		if it.Expired(time.Now()) {
			return nil
		}
		s, err := l.m.decode(it)
		if err != nil {
			return nil
		}
		return &s.Data
	}

	// Flat payload from before the envelope existed.
	v, err := l.m.codec.Decode(raw)
	if err != nil {
		return nil
	}
	return &v
}

// DataContext reads through the manager's active provider. Errors are
// swallowed to preserve the legacy never-throws contract.
func (l *Legacy[V]) DataContext(ctx context.Context, channel string) *V {
	s, err := l.m.Get(ctx, channel)
	if err != nil || s == nil {
		return nil
	}
	return &s.Data
}

// Subscribe polls the channel and invokes cb when the stored byte form
// changes, including a transition to absent (delivered as nil). The returned
// function stops the polling goroutine; it is safe to call more than once.
func (l *Legacy[V]) Subscribe(channel string, cb func(*V)) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		var (
			lastPresent bool
			last        []byte
			delivered   bool
		)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			it, err := l.m.current().Get(context.Background(), channel)
			if err != nil {
				continue
			}
			present := it != nil
			var raw []byte
			if present {
				raw = it.Data
			}
			if delivered && present == lastPresent && bytes.Equal(raw, last) {
				continue
			}

			if !present {
				if delivered { // only announce disappearance, not initial absence
					cb(nil)
				}
				lastPresent, last = false, nil
				continue
			}

			s, err := l.m.decode(it)
			if err != nil {
				continue
			}
			cb(&s.Data)
			lastPresent, last, delivered = true, append([]byte(nil), raw...), true
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// InvalidateCache is a retained no-op: the old API exposed it and call sites
// still invoke it.
func (l *Legacy[V]) InvalidateCache(string) {}

// ClearCache is a retained no-op, kept for call-site compatibility.
func (l *Legacy[V]) ClearCache() {}
