package tierkv

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tierkv/provider"
	"github.com/unkn0wn-root/tierkv/sched"
)

const (
	batchChunk = 50
	batchTTL   = 24 * time.Hour
)

// Batcher accumulates producer updates and drains them to a Store in
// bounded-size parallel groups. Arrivals within one frame coalesce into a
// single flush; last write wins when a channel arrives twice before the
// drain. Entries arriving while a flush is in flight are written in a further
// round before that flush returns, so nothing recorded by Add is lost to a
// Close or Flush racing it. A failed chunk is logged and dropped - producers
// needing guaranteed delivery must write through the Store directly.
type Batcher[V any] struct {
	store   Store[V]
	co      sched.Coalescer
	log     Logger
	metrics *Metrics
	ttl     time.Duration

	mu        sync.Mutex
	pending   map[string]V
	scheduled bool
	flushing  bool
	closed    bool
}

// BatcherOptions tune the batcher; all fields are optional.
type BatcherOptions struct {
	// Coalescer schedules flushes; nil => sched.NewFrames(0).
	Coalescer sched.Coalescer
	Logger    Logger
	Metrics   *Metrics
	// TTL applied to every drained entry; 0 => 24h.
	TTL time.Duration
}

func NewBatcher[V any](store Store[V], opts BatcherOptions) *Batcher[V] {
	co := opts.Coalescer
	if co == nil {
		co = sched.NewFrames(0)
	}
	return &Batcher[V]{
		store:   store,
		co:      co,
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		metrics: opts.Metrics,
		ttl:     coalesce[time.Duration](opts.TTL, batchTTL),
		pending: make(map[string]V),
	}
}

// Add records one producer update. The flush is scheduled on the next frame
// boundary; many same-frame Adds coalesce into one flush.
func (b *Batcher[V]) Add(channel string, value V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending[provider.Normalize(channel)] = value
	if b.scheduled || b.flushing {
		return
	}
	b.scheduled = true
	b.co.Schedule(func() { b.drain(context.Background()) })
}

// Flush forces an immediate drain regardless of scheduling state.
func (b *Batcher[V]) Flush(ctx context.Context) error {
	return b.drain(ctx)
}

// Close stops scheduling and performs a final drain.
func (b *Batcher[V]) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.co.Stop()
	return b.drain(ctx)
}

// drain writes out pending entries, looping until none remain so arrivals
// during a write round are not stranded. When another goroutine is already
// flushing, drain hands the pending entries to that flusher's loop and
// returns; waiting for it here would deadlock a caller that closes the
// batcher from inside a store write.
func (b *Batcher[V]) drain(ctx context.Context) error {
	b.mu.Lock()
	b.scheduled = false
	if b.flushing {
		b.mu.Unlock()
		return nil
	}
	var firstErr error
	for len(b.pending) > 0 {
		snapshot := b.pending
		b.pending = make(map[string]V)
		b.flushing = true
		b.mu.Unlock()

		if err := b.write(ctx, snapshot); err != nil && firstErr == nil {
			firstErr = err
		}

		b.mu.Lock()
		b.flushing = false
	}
	b.mu.Unlock()
	return firstErr
}

// write splits the snapshot into fixed-size chunks and issues one concurrent
// multi-key write per chunk.
func (b *Batcher[V]) write(ctx context.Context, snapshot map[string]V) error {
	channels := make([]string, 0, len(snapshot))
	for ch := range snapshot {
		channels = append(channels, ch)
	}

	opts := &provider.SetOptions{TTL: b.ttl, Priority: provider.PriorityBalance}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(channels); start += batchChunk {
		end := min(start+batchChunk, len(channels))
		chunk := make(map[string]V, end-start)
		for _, ch := range channels[start:end] {
			chunk[ch] = snapshot[ch]
		}
		g.Go(func() error {
			if err := b.store.SetMany(gctx, chunk, opts); err != nil {
				// No retry: the chunk's data is gone from the
				// batcher's perspective.
				b.log.Error("batch flush chunk failed", Fields{"entries": len(chunk), "err": err})
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	b.metrics.flush(len(snapshot))
	return err
}
