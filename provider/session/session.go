// Package session implements the scoped-persistent tier: a session-lifetime
// backend (redis by default) fronted by a ~1s ristretto read cache that
// absorbs bursts of repeated reads for the same channel.
//
// Single writes run through a sched.Runner so they can defer to idle time;
// the caller still observes the write error. Batch operations are chunked
// (10 keys per chunk, chunk members concurrent, chunks sequential) so large
// batches do not monopolize the backend.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	rc "github.com/dgraph-io/ristretto"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tierkv/internal/wire"
	"github.com/unkn0wn-root/tierkv/provider"
	"github.com/unkn0wn-root/tierkv/sched"
)

const (
	// DefaultReadCacheTTL bounds how stale a burst-absorbed read can be.
	DefaultReadCacheTTL = time.Second
	// chunkSize keys per batch chunk.
	chunkSize = 10

	probeEvery   = 5 * time.Second
	probeTimeout = 2 * time.Second
)

type Config struct {
	Backend Backend
	// ReadCacheTTL: 0 => DefaultReadCacheTTL.
	ReadCacheTTL time.Duration
	// ReadCacheMaxCost bounds the read cache in bytes; 0 => 32 MiB.
	ReadCacheMaxCost int64
	// Runner schedules single writes; nil => sched.NewIdle.
	Runner sched.Runner
}

type Tier struct {
	backend  Backend
	cache    *rc.Cache
	cacheTTL time.Duration
	runner   sched.Runner

	ok        atomic.Bool  // last-known backend health
	lastProbe atomic.Int64 // unix nanos of the last recovery ping
	closed    atomic.Bool
}

var _ provider.Provider = (*Tier)(nil)

func New(cfg Config) (*Tier, error) {
	if cfg.Backend == nil {
		return nil, ErrNilBackend
	}
	ttl := cfg.ReadCacheTTL
	if ttl <= 0 {
		ttl = DefaultReadCacheTTL
	}
	maxCost := cfg.ReadCacheMaxCost
	if maxCost <= 0 {
		maxCost = 32 << 20
	}
	cache, err := rc.NewCache(&rc.Config{
		NumCounters: 10_000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	runner := cfg.Runner
	if runner == nil {
		runner = sched.NewIdle(0)
	}

	t := &Tier{
		backend:  cfg.Backend,
		cache:    cache,
		cacheTTL: ttl,
		runner:   runner,
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	t.ok.Store(cfg.Backend.Ping(pingCtx) == nil)

	return t, nil
}

func (t *Tier) Type() provider.Type { return provider.Session }

// Available reports last-known backend health. While unhealthy it kicks off a
// rate-limited background ping, because an unhealthy tier receives no traffic
// and would otherwise never notice the backend coming back.
func (t *Tier) Available() bool {
	if t.closed.Load() {
		return false
	}
	if t.ok.Load() {
		return true
	}

	now := time.Now().UnixNano()
	last := t.lastProbe.Load()
	if now-last < int64(probeEvery) || !t.lastProbe.CompareAndSwap(last, now) {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		if t.backend.Ping(ctx) == nil && !t.closed.Load() {
			t.ok.Store(true)
		}
	}()
	return false
}

func (t *Tier) Get(ctx context.Context, channel string) (*provider.Item, error) {
	if t.closed.Load() {
		return nil, provider.ErrClosed
	}
	ch := provider.Normalize(channel)

	if v, ok := t.cache.Get(ch); ok {
		if it, ok := v.(*provider.Item); ok {
			if it.Expired(time.Now()) {
				t.cache.Del(ch)
				_ = t.removeBoth(ctx, ch, channel)
				return nil, nil
			}
			return it, nil
		}
		t.cache.Del(ch) // unexpected entry shape
	}

	raw, ok, err := t.backend.Get(ctx, ch)
	t.note(err)
	if err != nil {
		return nil, err
	}
	if !ok && ch != channel {
		// Data written before channel normalization existed.
		raw, ok, err = t.backend.Get(ctx, channel)
		t.note(err)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, nil
	}

	it, err := wire.Decode(raw)
	if err != nil {
		_ = t.removeBoth(ctx, ch, channel) // self-heal corrupt
		return nil, nil
	}
	if it.Expired(time.Now()) {
		_ = t.removeBoth(ctx, ch, channel)
		return nil, nil
	}

	t.cache.SetWithTTL(ch, it, it.Meta.Size, t.cacheTTL)
	return it, nil
}

func (t *Tier) Set(ctx context.Context, channel string, item *provider.Item) error {
	if t.closed.Load() {
		return provider.ErrClosed
	}
	ch := provider.Normalize(channel)

	stored := *item
	stored.Meta.Channel = ch
	stored.Meta.Size = int64(len(item.Data))
	raw := wire.Encode(&stored)

	err := t.runner.Do(ctx, func() error {
		return t.backend.Set(ctx, ch, raw)
	})
	t.note(err)
	if err != nil {
		return err
	}
	t.cache.SetWithTTL(ch, &stored, stored.Meta.Size, t.cacheTTL)
	return nil
}

func (t *Tier) Remove(ctx context.Context, channel string) error {
	if t.closed.Load() {
		return provider.ErrClosed
	}
	ch := provider.Normalize(channel)
	t.cache.Del(ch)
	err := t.removeBoth(ctx, ch, channel)
	t.note(err)
	return err
}

func (t *Tier) GetMany(ctx context.Context, channels []string) (map[string]*provider.Item, error) {
	out := make(map[string]*provider.Item, len(channels))
	var outMu sync.Mutex

	for _, chunk := range chunks(channels, chunkSize) {
		g, gctx := errgroup.WithContext(ctx)
		for _, ch := range chunk {
			ch := ch
			g.Go(func() error {
				it, err := t.Get(gctx, ch)
				if err != nil {
					return err
				}
				outMu.Lock()
				out[provider.Normalize(ch)] = it
				outMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Tier) SetMany(ctx context.Context, items map[string]*provider.Item) error {
	channels := make([]string, 0, len(items))
	for ch := range items {
		channels = append(channels, ch)
	}
	for _, chunk := range chunks(channels, chunkSize) {
		g, gctx := errgroup.WithContext(ctx)
		for _, ch := range chunk {
			ch := ch
			it := items[ch]
			g.Go(func() error { return t.writeDirect(gctx, ch, it) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// writeDirect bypasses the idle runner: batch writes are already grouped, so
// deferring each member buys nothing.
func (t *Tier) writeDirect(ctx context.Context, channel string, item *provider.Item) error {
	ch := provider.Normalize(channel)
	stored := *item
	stored.Meta.Channel = ch
	stored.Meta.Size = int64(len(item.Data))

	err := t.backend.Set(ctx, ch, wire.Encode(&stored))
	t.note(err)
	if err != nil {
		return err
	}
	t.cache.SetWithTTL(ch, &stored, stored.Meta.Size, t.cacheTTL)
	return nil
}

func (t *Tier) RemoveMany(ctx context.Context, channels []string) error {
	for _, chunk := range chunks(channels, chunkSize) {
		g, gctx := errgroup.WithContext(ctx)
		for _, ch := range chunk {
			ch := ch
			g.Go(func() error { return t.Remove(gctx, ch) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tier) Keys(ctx context.Context) ([]string, error) {
	keys, err := t.backend.Keys(ctx)
	t.note(err)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		ch := provider.Normalize(k)
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out, nil
}

func (t *Tier) Clear(ctx context.Context) error {
	t.cache.Clear()
	err := t.backend.Clear(ctx)
	t.note(err)
	return err
}

// Size walks every stored envelope; prefer caching the result over calling
// this in a loop.
func (t *Tier) Size(ctx context.Context) (int64, error) {
	keys, err := t.backend.Keys(ctx)
	t.note(err)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, chunk := range chunks(keys, chunkSize) {
		for _, k := range chunk {
			raw, ok, err := t.backend.Get(ctx, k)
			if err != nil {
				t.note(err)
				return 0, err
			}
			if !ok {
				continue
			}
			if it, err := wire.Decode(raw); err == nil {
				total += it.Meta.Size
			}
		}
	}
	return total, nil
}

func (t *Tier) Has(ctx context.Context, channel string) (bool, error) {
	it, err := t.Get(ctx, channel)
	if err != nil {
		return false, err
	}
	return it != nil, nil
}

func (t *Tier) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.runner.Close()
	t.cache.Close()
	return t.backend.Close(ctx)
}

// removeBoth deletes the normalized key and, when it differs, the
// original-case variant.
func (t *Tier) removeBoth(ctx context.Context, normalized, original string) error {
	err := t.backend.Del(ctx, normalized)
	if original != normalized {
		if e := t.backend.Del(ctx, original); err == nil {
			err = e
		}
	}
	return err
}

// note records backend health for the availability probe. A quota rejection
// means the backend is full, not down, so it does not flip availability.
func (t *Tier) note(err error) {
	if err != nil && errors.Is(err, provider.ErrQuotaExceeded) {
		return
	}
	t.ok.Store(err == nil)
}

func chunks(in []string, n int) [][]string {
	if len(in) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(in)+n-1)/n)
	for n < len(in) {
		out = append(out, in[:n])
		in = in[n:]
	}
	return append(out, in)
}
