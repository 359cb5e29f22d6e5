package tierkv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/tierkv/provider"
	"github.com/unkn0wn-root/tierkv/sched"
)

// countStore records every multi-key write so chunking and coalescing are
// directly observable.
type countStore struct {
	mu     sync.Mutex
	calls  []map[string]string
	opts   []*provider.SetOptions
	failMu sync.Mutex
	fail   error
	during func(*countStore)
}

var _ Store[string] = (*countStore)(nil)

func (c *countStore) SetMany(_ context.Context, values map[string]string, opts *provider.SetOptions) error {
	c.failMu.Lock()
	err := c.fail
	c.failMu.Unlock()
	if err != nil {
		return err
	}

	cp := make(map[string]string, len(values))
	for ch, v := range values {
		cp[ch] = v
	}
	c.mu.Lock()
	c.calls = append(c.calls, cp)
	c.opts = append(c.opts, opts)
	during := c.during
	c.during = nil
	c.mu.Unlock()
	if during != nil {
		during(c)
	}
	return nil
}

func (c *countStore) chunkSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, len(call))
	}
	sort.Ints(out)
	return out
}

func (c *countStore) stored(channel string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if v, ok := c.calls[i][channel]; ok {
			return v, true
		}
	}
	return "", false
}

func (c *countStore) Get(context.Context, string) (*Stored[string], error) { return nil, nil }
func (c *countStore) Set(context.Context, string, string, *provider.SetOptions) error {
	return nil
}
func (c *countStore) Remove(context.Context, string) error { return nil }
func (c *countStore) GetMany(context.Context, []string) (map[string]*Stored[string], error) {
	return nil, nil
}
func (c *countStore) RemoveMany(context.Context, []string) error { return nil }
func (c *countStore) Keys(context.Context) ([]string, error)     { return nil, nil }
func (c *countStore) Clear(context.Context) error                { return nil }
func (c *countStore) Size(context.Context) (int64, error)        { return 0, nil }
func (c *countStore) Has(context.Context, string) (bool, error)  { return false, nil }

func TestBatcherChunking(t *testing.T) {
	store := &countStore{}
	co := &sched.Manual{}
	b := NewBatcher[string](store, BatcherOptions{Coalescer: co})

	for i := 0; i < 120; i++ {
		b.Add(fmt.Sprintf("feed.%03d", i), "v")
	}
	if !co.Fire() {
		t.Fatal("no flush was scheduled")
	}

	sizes := store.chunkSizes()
	want := []int{20, 50, 50}
	if len(sizes) != len(want) {
		t.Fatalf("chunk count = %d, want %d (%v)", len(sizes), len(want), sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk sizes = %v, want %v", sizes, want)
		}
	}
	for i := 0; i < 120; i++ {
		if _, ok := store.stored(fmt.Sprintf("feed.%03d", i)); !ok {
			t.Fatalf("feed.%03d missing from flushed output", i)
		}
	}

	// Defaults carried on every chunk write.
	for _, o := range store.opts {
		if o.TTL != batchTTL || o.Priority != provider.PriorityBalance {
			t.Fatalf("chunk options = %+v", o)
		}
	}
}

func TestBatcherCoalescesAndDedupes(t *testing.T) {
	store := &countStore{}
	co := &sched.Manual{}
	b := NewBatcher[string](store, BatcherOptions{Coalescer: co})

	b.Add("Ticker.ETH", "first")
	b.Add("ticker.eth", "second")
	b.Add("other", "x")

	if !co.Fire() {
		t.Fatal("no flush was scheduled")
	}
	if co.Fire() {
		t.Fatal("three adds must coalesce into one flush")
	}

	if got := store.chunkSizes(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("chunks = %v, want one chunk of 2", got)
	}
	if v, _ := store.stored("ticker.eth"); v != "second" {
		t.Fatalf("last write did not win: %q", v)
	}
}

func TestBatcherDrainsInFlightArrivals(t *testing.T) {
	store := &countStore{}
	co := &sched.Manual{}
	b := NewBatcher[string](store, BatcherOptions{Coalescer: co})

	// An entry arriving mid-write is drained in a further round of the same
	// flush, not stranded for a later frame.
	store.during = func(*countStore) { b.Add("late", "v2") }
	b.Add("early", "v1")

	if !co.Fire() {
		t.Fatal("no flush was scheduled")
	}
	if v, _ := store.stored("late"); v != "v2" {
		t.Fatalf("late entry lost: %q", v)
	}
	if got := store.chunkSizes(); len(got) != 2 {
		t.Fatalf("expected two write rounds, got %v", got)
	}
	if co.Fire() {
		t.Fatal("no extra flush should remain scheduled")
	}
}

func TestBatcherCloseKeepsLateArrival(t *testing.T) {
	store := &countStore{}
	co := &sched.Manual{}
	b := NewBatcher[string](store, BatcherOptions{Coalescer: co})

	// A producer adds an entry and closes the batcher while the flush is
	// mid-write; the entry recorded before Close returned must still land.
	var closeErr error
	store.during = func(*countStore) {
		b.Add("late", "v2")
		closeErr = b.Close(context.Background())
	}
	b.Add("early", "v1")

	if !co.Fire() {
		t.Fatal("no flush was scheduled")
	}
	if closeErr != nil {
		t.Fatalf("Close: %v", closeErr)
	}
	if v, ok := store.stored("late"); !ok || v != "v2" {
		t.Fatal("entry added before Close returned was lost")
	}
}

func TestBatcherFlushForcesDrain(t *testing.T) {
	store := &countStore{}
	co := &sched.Manual{}
	b := NewBatcher[string](store, BatcherOptions{Coalescer: co})

	b.Add("a", "1")
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := store.stored("a"); !ok {
		t.Fatal("Flush did not drain pending entries")
	}

	// The stale scheduled callback finds nothing to do.
	co.Fire()
	if got := store.chunkSizes(); len(got) != 1 {
		t.Fatalf("drained twice: %v", got)
	}
}

func TestBatcherDropsFailedChunk(t *testing.T) {
	store := &countStore{fail: errors.New("backend down")}
	co := &sched.Manual{}
	b := NewBatcher[string](store, BatcherOptions{Coalescer: co})

	b.Add("a", "1")
	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("Flush must surface the chunk error")
	}

	// The failed chunk is gone; a healthy retry path starts empty.
	store.failMu.Lock()
	store.fail = nil
	store.failMu.Unlock()
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := store.stored("a"); ok {
		t.Fatal("failed chunk must not be retried")
	}
}

func TestBatcherClose(t *testing.T) {
	store := &countStore{}
	b := NewBatcher[string](store, BatcherOptions{Coalescer: &sched.Manual{}, TTL: time.Hour})

	b.Add("a", "1")
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := store.stored("a"); !ok {
		t.Fatal("Close did not drain pending entries")
	}
	if len(store.opts) != 1 || store.opts[0].TTL != time.Hour {
		t.Fatalf("custom TTL not applied: %+v", store.opts)
	}

	b.Add("b", "2")
	_ = b.Flush(context.Background())
	if _, ok := store.stored("b"); ok {
		t.Fatal("Add after Close must be ignored")
	}
}
