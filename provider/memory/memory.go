// Package memory implements the in-process volatile tier. Payload bytes live
// in a bigcache instance (GC-friendly for many entries); an accounting index
// keeps exact per-channel metadata for enumeration, size accounting, and TTL
// checks, which bigcache itself cannot provide.
//
// The tier enforces a byte ceiling strictly: a write that would push
// accounted usage over it fails with provider.ErrCapacityExceeded instead of
// evicting. bigcache may still drop entries under its own memory pressure;
// volatile data is best-effort by contract, so such drops surface as misses
// and the index reconciles lazily.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tierkv/internal/wire"
	"github.com/unkn0wn-root/tierkv/provider"
)

const DefaultCeiling = 100 << 20 // 100 MiB

type Config struct {
	// Ceiling is the accounted byte limit; 0 => DefaultCeiling.
	Ceiling int64
	// LifeWindow is bigcache's global entry lifetime; 0 => 10m. Entries
	// outliving it may vanish early, which is acceptable for this tier.
	LifeWindow time.Duration
	// Shards for bigcache; 0 => library default.
	Shards int
}

type Tier struct {
	store   *bc.BigCache
	ceiling int64

	mu     sync.RWMutex
	index  map[string]provider.Metadata
	used   int64
	closed bool
}

var _ provider.Provider = (*Tier)(nil)

func New(cfg Config) (*Tier, error) {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	life := cfg.LifeWindow
	if life <= 0 {
		life = 10 * time.Minute
	}
	conf := bc.DefaultConfig(life)
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	conf.HardMaxCacheSize = int(cfg.Ceiling>>20) + 1 // MB; headroom for envelopes
	conf.Verbose = false

	store, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Tier{
		store:   store,
		ceiling: cfg.Ceiling,
		index:   make(map[string]provider.Metadata),
	}, nil
}

func (t *Tier) Type() provider.Type { return provider.Memory }

func (t *Tier) Available() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

func (t *Tier) Get(_ context.Context, channel string) (*provider.Item, error) {
	ch := provider.Normalize(channel)

	t.mu.RLock()
	meta, ok := t.index[ch]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, provider.ErrClosed
	}
	if !ok {
		return nil, nil
	}

	if expired(meta, time.Now()) {
		t.drop(ch)
		return nil, nil
	}

	raw, err := t.store.Get(ch)
	if errors.Is(err, bc.ErrEntryNotFound) {
		// bigcache dropped the entry; reconcile the index.
		t.drop(ch)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	it, err := wire.Decode(raw)
	if err != nil {
		t.drop(ch)
		return nil, nil
	}
	return it, nil
}

func (t *Tier) Set(_ context.Context, channel string, item *provider.Item) error {
	ch := provider.Normalize(channel)
	size := int64(len(item.Data))

	stored := *item
	stored.Meta.Channel = ch
	stored.Meta.Size = size

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return provider.ErrClosed
	}
	prev := int64(0)
	if old, ok := t.index[ch]; ok {
		prev = old.Size
	}
	if t.used-prev+size > t.ceiling {
		return &provider.CapacityError{Channel: ch, Need: size, Used: t.used, Limit: t.ceiling}
	}

	// Bytes must be in the store before the index announces the channel: a
	// reader that finds an index entry but misses the store reconciles by
	// dropping the accounting, which would orphan this write.
	if err := t.store.Set(ch, wire.Encode(&stored)); err != nil {
		return err
	}
	t.used += size - prev
	t.index[ch] = stored.Meta
	return nil
}

func (t *Tier) Remove(_ context.Context, channel string) error {
	t.drop(provider.Normalize(channel))
	return nil
}

func (t *Tier) GetMany(ctx context.Context, channels []string) (map[string]*provider.Item, error) {
	out := make(map[string]*provider.Item, len(channels))
	var outMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
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
	return out, nil
}

func (t *Tier) SetMany(ctx context.Context, items map[string]*provider.Item) error {
	g, gctx := errgroup.WithContext(ctx)
	for ch, it := range items {
		ch, it := ch, it
		g.Go(func() error { return t.Set(gctx, ch, it) })
	}
	return g.Wait()
}

func (t *Tier) RemoveMany(ctx context.Context, channels []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error { return t.Remove(gctx, ch) })
	}
	return g.Wait()
}

func (t *Tier) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	t.mu.RLock()
	keys := make([]string, 0, len(t.index))
	for ch, meta := range t.index {
		if !expired(meta, now) {
			keys = append(keys, ch)
		}
	}
	t.mu.RUnlock()
	return keys, nil
}

func (t *Tier) Clear(_ context.Context) error {
	t.mu.Lock()
	t.index = make(map[string]provider.Metadata)
	t.used = 0
	t.mu.Unlock()
	return t.store.Reset()
}

// Size reports accounted bytes. It can overestimate briefly when bigcache has
// dropped entries that have not been observed as misses yet.
func (t *Tier) Size(_ context.Context) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used, nil
}

func (t *Tier) Has(_ context.Context, channel string) (bool, error) {
	ch := provider.Normalize(channel)
	t.mu.RLock()
	meta, ok := t.index[ch]
	t.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if expired(meta, time.Now()) {
		t.drop(ch)
		return false, nil
	}
	return true, nil
}

func (t *Tier) Close(_ context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.store.Close()
}

func (t *Tier) drop(ch string) {
	t.mu.Lock()
	if meta, ok := t.index[ch]; ok {
		t.used -= meta.Size
		delete(t.index, ch)
	}
	t.mu.Unlock()
	_ = t.store.Delete(ch)
}

func expired(meta provider.Metadata, now time.Time) bool {
	return meta.TTL > 0 && now.UnixMilli()-meta.Timestamp > meta.TTL
}
