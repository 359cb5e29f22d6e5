package tierkv

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/unkn0wn-root/tierkv/codec"
	"github.com/unkn0wn-root/tierkv/provider"
	"github.com/unkn0wn-root/tierkv/provider/memory"
)

func defaultMemory() (provider.Provider, error) {
	return memory.New(memory.Config{})
}

// Manager is the facade in front of the tiers: it holds the provider
// registry and the active provider, and translates between caller values and
// stored envelopes (codec, optional gzip, derived metadata).
//
// Switching providers changes routing for subsequent calls only; data already
// written stays where it is.
type Manager[V any] struct {
	codec codec.Codec[V]
	log   Logger

	mu       sync.RWMutex
	active   provider.Type
	registry map[provider.Type]provider.Provider

	closeOnce sync.Once
	closeErr  error
}

var _ Store[struct{}] = (*Manager[struct{}])(nil)

func newManager[V any](opts Options[V]) (*Manager[V], error) {
	var metrics *Metrics
	if opts.Registerer != nil {
		metrics = NewMetrics(opts.Registerer)
	}
	log := coalesce[Logger](opts.Logger, NopLogger{})

	mem := opts.Memory
	if mem == nil {
		var err error
		mem, err = defaultMemory()
		if err != nil {
			return nil, err
		}
	}

	router, err := NewRouter(mem, opts.Session, opts.Durable, log, metrics)
	if err != nil {
		return nil, err
	}

	registry := map[provider.Type]provider.Provider{
		provider.Hybrid: router,
		provider.Memory: mem,
	}
	if opts.Session != nil {
		registry[provider.Session] = opts.Session
	}
	if opts.Durable != nil {
		registry[provider.Durable] = opts.Durable
	}
	if _, ok := registry[opts.Default]; !ok {
		return nil, fmt.Errorf("tierkv: default provider %s not configured", opts.Default)
	}

	var c codec.Codec[V] = opts.Codec
	if c == nil {
		c = codec.JSON[V]{}
	}

	return &Manager[V]{
		codec:    c,
		log:      log,
		active:   opts.Default,
		registry: registry,
	}, nil
}

func (m *Manager[V]) current() provider.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry[m.active]
}

// SwitchProvider makes t the active provider for subsequent calls. No data
// migrates between tiers.
func (m *Manager[V]) SwitchProvider(t provider.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registry[t]; !ok {
		return fmt.Errorf("tierkv: provider %s not configured", t)
	}
	m.active = t
	return nil
}

func (m *Manager[V]) CurrentProvider() provider.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager[V]) Providers() []provider.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]provider.Type, 0, len(m.registry))
	for t := range m.registry {
		out = append(out, t)
	}
	return out
}

// Using returns a Store view bound to one provider, bypassing the active
// selection per call without switching it globally.
func (m *Manager[V]) Using(t provider.Type) (Store[V], error) {
	m.mu.RLock()
	p, ok := m.registry[t]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tierkv: provider %s not configured", t)
	}
	return &boundStore[V]{m: m, p: p}, nil
}

func (m *Manager[V]) Get(ctx context.Context, channel string) (*Stored[V], error) {
	return m.get(ctx, m.current(), channel)
}

func (m *Manager[V]) Set(ctx context.Context, channel string, value V, opts *provider.SetOptions) error {
	return m.set(ctx, m.current(), channel, value, opts)
}

func (m *Manager[V]) Remove(ctx context.Context, channel string) error {
	return m.current().Remove(ctx, channel)
}

func (m *Manager[V]) GetMany(ctx context.Context, channels []string) (map[string]*Stored[V], error) {
	return m.getMany(ctx, m.current(), channels)
}

func (m *Manager[V]) SetMany(ctx context.Context, values map[string]V, opts *provider.SetOptions) error {
	return m.setMany(ctx, m.current(), values, opts)
}

func (m *Manager[V]) RemoveMany(ctx context.Context, channels []string) error {
	return m.current().RemoveMany(ctx, channels)
}

func (m *Manager[V]) Keys(ctx context.Context) ([]string, error) { return m.current().Keys(ctx) }
func (m *Manager[V]) Clear(ctx context.Context) error            { return m.current().Clear(ctx) }
func (m *Manager[V]) Size(ctx context.Context) (int64, error)    { return m.current().Size(ctx) }
func (m *Manager[V]) Has(ctx context.Context, channel string) (bool, error) {
	return m.current().Has(ctx, channel)
}

// Close tears down every configured provider once.
func (m *Manager[V]) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for t, p := range m.registry {
			if t == provider.Hybrid {
				continue // router owns no resources
			}
			if err := p.Close(ctx); err != nil && m.closeErr == nil {
				m.closeErr = err
			}
		}
	})
	return m.closeErr
}

func (m *Manager[V]) get(ctx context.Context, p provider.Provider, channel string) (*Stored[V], error) {
	it, err := p.Get(ctx, channel)
	if err != nil || it == nil {
		return nil, err
	}
	return m.decode(it)
}

func (m *Manager[V]) set(ctx context.Context, p provider.Provider, channel string, value V, opts *provider.SetOptions) error {
	it, err := m.encode(channel, value, opts)
	if err != nil {
		return err
	}
	return p.Set(ctx, channel, it)
}

func (m *Manager[V]) getMany(ctx context.Context, p provider.Provider, channels []string) (map[string]*Stored[V], error) {
	items, err := p.GetMany(ctx, channels)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Stored[V], len(channels))
	for _, ch := range channels {
		norm := provider.Normalize(ch)
		it := items[norm]
		if it == nil {
			out[norm] = nil
			continue
		}
		s, err := m.decode(it)
		if err != nil {
			m.log.Warn("dropping undecodable item", Fields{"channel": norm, "err": err})
			out[norm] = nil
			continue
		}
		out[norm] = s
	}
	return out, nil
}

func (m *Manager[V]) setMany(ctx context.Context, p provider.Provider, values map[string]V, opts *provider.SetOptions) error {
	items := make(map[string]*provider.Item, len(values))
	for ch, v := range values {
		it, err := m.encode(ch, v, opts)
		if err != nil {
			return err
		}
		items[ch] = it
	}
	return p.SetMany(ctx, items)
}

// encode serializes a value into the stored envelope, deriving all metadata.
func (m *Manager[V]) encode(channel string, value V, opts *provider.SetOptions) (*provider.Item, error) {
	if opts == nil {
		opts = &provider.SetOptions{}
	}
	b, err := m.codec.Encode(value)
	if err != nil {
		return nil, &SerializationError{Channel: channel, Err: err}
	}

	compressed := false
	if opts.Compress {
		if gz, ok := gzipBytes(b); ok {
			b = gz
			compressed = true
		}
	}

	return &provider.Item{
		Data: b,
		Meta: provider.Metadata{
			Timestamp:  time.Now().UnixMilli(),
			TTL:        opts.TTL.Milliseconds(),
			Compressed: compressed,
			Size:       int64(len(b)),
			Channel:    provider.Normalize(channel),
		},
		Routing: opts.Priority,
	}, nil
}

func (m *Manager[V]) decode(it *provider.Item) (*Stored[V], error) {
	b := it.Data
	if it.Meta.Compressed {
		raw, err := gunzipBytes(b)
		if err != nil {
			return nil, &SerializationError{Channel: it.Meta.Channel, Err: err}
		}
		b = raw
	}
	v, err := m.codec.Decode(b)
	if err != nil {
		return nil, &SerializationError{Channel: it.Meta.Channel, Err: err}
	}
	return &Stored[V]{Data: v, Meta: it.Meta}, nil
}

// gzipBytes compresses b, reporting ok=false when compression does not
// actually shrink the payload.
func gzipBytes(b []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(b) {
		return nil, false
	}
	return buf.Bytes(), true
}

func gunzipBytes(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// boundStore routes every call to one fixed provider.
type boundStore[V any] struct {
	m *Manager[V]
	p provider.Provider
}

var _ Store[struct{}] = (*boundStore[struct{}])(nil)

func (s *boundStore[V]) Get(ctx context.Context, channel string) (*Stored[V], error) {
	return s.m.get(ctx, s.p, channel)
}

func (s *boundStore[V]) Set(ctx context.Context, channel string, value V, opts *provider.SetOptions) error {
	return s.m.set(ctx, s.p, channel, value, opts)
}

func (s *boundStore[V]) Remove(ctx context.Context, channel string) error {
	return s.p.Remove(ctx, channel)
}

func (s *boundStore[V]) GetMany(ctx context.Context, channels []string) (map[string]*Stored[V], error) {
	return s.m.getMany(ctx, s.p, channels)
}

func (s *boundStore[V]) SetMany(ctx context.Context, values map[string]V, opts *provider.SetOptions) error {
	return s.m.setMany(ctx, s.p, values, opts)
}

func (s *boundStore[V]) RemoveMany(ctx context.Context, channels []string) error {
	return s.p.RemoveMany(ctx, channels)
}

func (s *boundStore[V]) Keys(ctx context.Context) ([]string, error) { return s.p.Keys(ctx) }
func (s *boundStore[V]) Clear(ctx context.Context) error            { return s.p.Clear(ctx) }
func (s *boundStore[V]) Size(ctx context.Context) (int64, error)    { return s.p.Size(ctx) }
func (s *boundStore[V]) Has(ctx context.Context, channel string) (bool, error) {
	return s.p.Has(ctx, channel)
}
