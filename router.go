package tierkv

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tierkv/provider"
)

// Size boundaries for priority-less tier selection. Both are inclusive
// toward the faster tier.
const (
	memoryMax  = 10 << 10  // <= 10 KiB stays in memory
	sessionMax = 100 << 10 // <= 100 KiB goes to session
)

// Router composes the three tiers behind the uniform provider contract:
// writes pick a tier by priority or payload size, reads probe the tiers in
// speed order and promote hits into memory, batch operations fan out to all
// tiers concurrently.
//
// The router owns no data. Whatever it copies into the memory tier is a
// best-effort cache: mirror and promotion failures are swallowed, and a
// rare stale mirror racing a fresh write is acceptable because memory is
// never the source of truth for items routed elsewhere.
type Router struct {
	memory  provider.Provider
	session provider.Provider // may be nil
	durable provider.Provider // may be nil

	log     Logger
	metrics *Metrics
}

var _ provider.Provider = (*Router)(nil)

// NewRouter builds a router over the given tiers. memory is required;
// session and durable may be nil when the deployment lacks them.
func NewRouter(memory, session, durable provider.Provider, log Logger, metrics *Metrics) (*Router, error) {
	if memory == nil {
		return nil, ErrUnavailable
	}
	return &Router{
		memory:  memory,
		session: session,
		durable: durable,
		log:     coalesce[Logger](log, NopLogger{}),
		metrics: metrics,
	}, nil
}

func (r *Router) Type() provider.Type { return provider.Hybrid }

func (r *Router) Available() bool {
	for _, t := range r.tiers() {
		if t.Available() {
			return true
		}
	}
	return false
}

// tiers returns the non-nil tiers in speed order.
func (r *Router) tiers() []provider.Provider {
	out := make([]provider.Provider, 0, 3)
	out = append(out, r.memory)
	if r.session != nil {
		out = append(out, r.session)
	}
	if r.durable != nil {
		out = append(out, r.durable)
	}
	return out
}

func (r *Router) up(p provider.Provider) bool {
	return p != nil && p.Available()
}

// selectTier resolves the write target. Priority wins over size; the
// fallback chain is session, then memory.
func (r *Router) selectTier(size int64, priority provider.Priority) provider.Provider {
	var candidates []provider.Provider
	switch priority {
	case provider.PriorityPerformance:
		candidates = []provider.Provider{r.memory}
	case provider.PriorityPersistence:
		candidates = []provider.Provider{r.durable, r.session, r.memory}
	default:
		switch {
		case size <= memoryMax:
			candidates = []provider.Provider{r.memory}
		case size <= sessionMax:
			candidates = []provider.Provider{r.session, r.memory}
		default:
			candidates = []provider.Provider{r.durable, r.session, r.memory}
		}
	}
	for _, c := range candidates {
		if r.up(c) {
			return c
		}
	}
	return nil
}

func (r *Router) Get(ctx context.Context, channel string) (*provider.Item, error) {
	for _, t := range r.tiers() {
		if !t.Available() {
			continue
		}
		it, err := t.Get(ctx, channel)
		if err != nil {
			// Reads favor availability: a broken tier is a miss.
			r.log.Debug("tier read failed", Fields{"tier": t.Type().String(), "channel": channel, "err": err})
			continue
		}
		r.metrics.read(t.Type(), it != nil)
		if it == nil {
			continue
		}
		if t.Type() != provider.Memory {
			r.promote(ctx, channel, it)
		}
		return it, nil
	}
	return nil, nil
}

func (r *Router) Set(ctx context.Context, channel string, item *provider.Item) error {
	size := int64(len(item.Data))
	target := r.selectTier(size, item.Routing)
	if target == nil {
		return ErrUnavailable
	}
	if err := target.Set(ctx, channel, item); err != nil {
		return err
	}
	r.metrics.write(target.Type())

	if target.Type() != provider.Memory && size <= memoryMax {
		r.mirror(ctx, channel, item)
	}
	return nil
}

// promote copies a slower-tier hit into memory with unchanged metadata so
// the remaining TTL carries over. Best-effort.
func (r *Router) promote(ctx context.Context, channel string, item *provider.Item) {
	if !r.up(r.memory) {
		return
	}
	if err := r.memory.Set(ctx, channel, item); err != nil {
		r.log.Debug("promotion skipped", Fields{"channel": channel, "err": err})
		return
	}
	r.metrics.promotion()
}

func (r *Router) mirror(ctx context.Context, channel string, item *provider.Item) {
	if !r.up(r.memory) {
		return
	}
	if err := r.memory.Set(ctx, channel, item); err != nil {
		r.log.Debug("mirror skipped", Fields{"channel": channel, "err": err})
		return
	}
	r.metrics.mirror()
}

func (r *Router) Remove(ctx context.Context, channel string) error {
	return r.fanOut(ctx, func(ctx context.Context, t provider.Provider) error {
		return t.Remove(ctx, channel)
	})
}

// GetMany asks every tier concurrently and merges per key, fastest tier
// winning.
func (r *Router) GetMany(ctx context.Context, channels []string) (map[string]*provider.Item, error) {
	tiers := r.tiers()
	results := make([]map[string]*provider.Item, len(tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tiers {
		i, t := i, t
		if !t.Available() {
			continue
		}
		g.Go(func() error {
			m, err := t.GetMany(gctx, channels)
			if err != nil {
				r.log.Debug("tier batch read failed", Fields{"tier": t.Type().String(), "err": err})
				return nil // miss, not failure
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*provider.Item, len(channels))
	for _, ch := range channels {
		norm := provider.Normalize(ch)
		out[norm] = nil
		for _, m := range results {
			if m == nil {
				continue
			}
			if it := m[norm]; it != nil {
				out[norm] = it
				break
			}
		}
	}
	return out, nil
}

// SetMany honors an explicit per-item Routing hint the same way Set does;
// hint-less items are partitioned by size. One batch write per target tier,
// all concurrent.
func (r *Router) SetMany(ctx context.Context, items map[string]*provider.Item) error {
	groups := make(map[provider.Provider]map[string]*provider.Item)
	for ch, it := range items {
		target := r.selectTier(int64(len(it.Data)), it.Routing)
		if target == nil {
			return ErrUnavailable
		}
		g, ok := groups[target]
		if !ok {
			g = make(map[string]*provider.Item)
			groups[target] = g
		}
		g[ch] = it
	}

	g, gctx := errgroup.WithContext(ctx)
	for target, group := range groups {
		target, group := target, group
		g.Go(func() error {
			if err := target.SetMany(gctx, group); err != nil {
				return err
			}
			r.metrics.write(target.Type())
			if target.Type() == provider.Memory {
				return nil
			}
			for ch, it := range group {
				if int64(len(it.Data)) <= memoryMax {
					r.mirror(gctx, ch, it)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) RemoveMany(ctx context.Context, channels []string) error {
	return r.fanOut(ctx, func(ctx context.Context, t provider.Provider) error {
		return t.RemoveMany(ctx, channels)
	})
}

// Keys unions tier enumerations, deduped.
func (r *Router) Keys(ctx context.Context) ([]string, error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		out  []string
	)
	err := r.fanOut(ctx, func(ctx context.Context, t provider.Provider) error {
		keys, err := t.Keys(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		for _, k := range keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
		mu.Unlock()
		return nil
	})
	return out, err
}

func (r *Router) Clear(ctx context.Context) error {
	return r.fanOut(ctx, func(ctx context.Context, t provider.Provider) error {
		return t.Clear(ctx)
	})
}

// Size sums the tiers. Each tier reports its own region, so mirrored and
// promoted copies count once per tier holding them.
func (r *Router) Size(ctx context.Context) (int64, error) {
	var total int64
	var mu sync.Mutex
	err := r.fanOut(ctx, func(ctx context.Context, t provider.Provider) error {
		n, err := t.Size(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		total += n
		mu.Unlock()
		return nil
	})
	return total, err
}

// Has ORs the tiers' answers; a broken tier counts as absent.
func (r *Router) Has(ctx context.Context, channel string) (bool, error) {
	var found atomic.Bool
	_ = r.fanOut(ctx, func(ctx context.Context, t provider.Provider) error {
		ok, err := t.Has(ctx, channel)
		if err == nil && ok {
			found.Store(true)
		}
		return nil
	})
	return found.Load(), nil
}

// Close is a no-op: the manager owns the tier lifecycles.
func (r *Router) Close(context.Context) error { return nil }

func (r *Router) fanOut(ctx context.Context, op func(context.Context, provider.Provider) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.tiers() {
		t := t
		if !t.Available() {
			continue
		}
		g.Go(func() error { return op(gctx, t) })
	}
	return g.Wait()
}
