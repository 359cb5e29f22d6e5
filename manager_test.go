package tierkv

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/unkn0wn-root/tierkv/provider"
)

type quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Seq    int     `json:"seq"`
}

func newTestManager(t *testing.T, mutate func(*Options[quote])) (*Manager[quote], *fakeTier, *fakeTier, *fakeTier) {
	t.Helper()
	mem := newFakeTier(provider.Memory)
	sess := newFakeTier(provider.Session)
	dur := newFakeTier(provider.Durable)
	opts := Options[quote]{Memory: mem, Session: sess, Durable: dur}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New[quote](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, mem, sess, dur
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t, nil)

	in := quote{Symbol: "BTC-USD", Price: 64000.5, Seq: 7}
	if err := m.Set(ctx, "Ticker.BTC", in, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := m.Get(ctx, "ticker.btc")
	if err != nil || got == nil {
		t.Fatalf("Get: stored=%v err=%v", got, err)
	}
	if !reflect.DeepEqual(got.Data, in) {
		t.Fatalf("round trip mismatch: %+v != %+v", got.Data, in)
	}
	if got.Meta.Channel != "ticker.btc" || got.Meta.Size <= 0 {
		t.Fatalf("metadata not derived: %+v", got.Meta)
	}
}

func TestTTLScenario(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t, nil)

	// Write with ttl=100ms; visible at half-life, absent after expiry.
	if err := m.Set(ctx, "a", quote{Seq: 1}, &provider.SetOptions{TTL: 100 * time.Millisecond}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got, _ := m.Get(ctx, "a"); got == nil || got.Data.Seq != 1 {
		t.Fatalf("item should be visible before expiry, got %v", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got, _ := m.Get(ctx, "a"); got != nil {
		t.Fatalf("item should be absent after expiry, got %+v", got)
	}
	if ok, _ := m.Has(ctx, "a"); ok {
		t.Fatal("Has should report absent after expiry")
	}
}

func TestBatchConsistency(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t, nil)

	values := map[string]quote{
		"q1": {Symbol: "A", Seq: 1},
		"q2": {Symbol: "B", Seq: 2},
		"q3": {Symbol: "C", Seq: 3},
	}
	if err := m.SetMany(ctx, values, nil); err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	got, err := m.GetMany(ctx, []string{"q1", "q2", "q3", "q4"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	for ch, want := range values {
		s := got[ch]
		if s == nil || !reflect.DeepEqual(s.Data, want) {
			t.Fatalf("GetMany[%s] = %v, want %+v", ch, s, want)
		}
	}
	if got["q4"] != nil {
		t.Fatal("missing channel must map to nil")
	}
}

func TestSmallAndLargeBatchSplit(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t, nil)

	big := quote{Symbol: strings.Repeat("x", 600<<10)}
	if err := m.SetMany(ctx, map[string]quote{"x": {Symbol: "small"}, "y": big}, nil); err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	// x lives in the memory tier, y in durable but not memory.
	memView, err := m.Using(provider.Memory)
	if err != nil {
		t.Fatalf("Using: %v", err)
	}
	if got, _ := memView.Get(ctx, "x"); got == nil || got.Data.Symbol != "small" {
		t.Fatalf("x not directly readable from memory: %v", got)
	}
	if got, _ := memView.Get(ctx, "y"); got != nil {
		t.Fatal("y must not be in memory")
	}

	durView, err := m.Using(provider.Durable)
	if err != nil {
		t.Fatalf("Using: %v", err)
	}
	if got, _ := durView.Get(ctx, "y"); got == nil || len(got.Data.Symbol) != 600<<10 {
		t.Fatalf("y not directly readable from durable: %v", got == nil)
	}
}

func TestSwitchProvider(t *testing.T) {
	ctx := context.Background()
	m, mem, sess, _ := newTestManager(t, nil)

	if m.CurrentProvider() != provider.Hybrid {
		t.Fatalf("default provider = %s", m.CurrentProvider())
	}
	if len(m.Providers()) != 4 {
		t.Fatalf("Providers = %v", m.Providers())
	}

	if err := m.SwitchProvider(provider.Session); err != nil {
		t.Fatalf("SwitchProvider: %v", err)
	}
	if err := m.Set(ctx, "s", quote{Seq: 9}, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !sess.holds("s") || mem.holds("s") {
		t.Fatal("write did not go to the switched provider")
	}

	// Switching does not migrate data.
	if err := m.SwitchProvider(provider.Memory); err != nil {
		t.Fatalf("SwitchProvider: %v", err)
	}
	if got, _ := m.Get(ctx, "s"); got != nil {
		t.Fatal("memory view must not see session data")
	}

	if err := m.SwitchProvider(provider.Type(99)); err == nil {
		t.Fatal("unknown provider type must be rejected")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, mem, _, _ := newTestManager(t, nil)

	in := quote{Symbol: strings.Repeat("compressible ", 2048)}
	if err := m.Set(ctx, "z", in, &provider.SetOptions{Compress: true, Priority: provider.PriorityPerformance}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, _ := mem.Get(ctx, "z")
	if raw == nil || !raw.Meta.Compressed {
		t.Fatal("payload was not stored compressed")
	}
	if raw.Meta.Size >= int64(len(in.Symbol)) {
		t.Fatalf("compressed size %d not smaller than input", raw.Meta.Size)
	}

	got, err := m.Get(ctx, "z")
	if err != nil || got == nil || got.Data.Symbol != in.Symbol {
		t.Fatalf("compressed round trip failed: err=%v", err)
	}
}

func TestSerializationFailure(t *testing.T) {
	mem := newFakeTier(provider.Memory)
	m, err := New[chan int](Options[chan int]{Memory: mem})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close(context.Background())

	err = m.Set(context.Background(), "bad", make(chan int), nil)
	var serr *SerializationError
	if err == nil || !errors.As(err, &serr) {
		t.Fatalf("expected SerializationError, got %v", err)
	}
	if serr.Channel != "bad" {
		t.Fatalf("error channel = %q", serr.Channel)
	}
}
