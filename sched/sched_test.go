package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestImmediateRunsInline(t *testing.T) {
	var ran bool
	err := Immediate{}.Do(context.Background(), func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
}

func TestIdleRunsOnWorkerAndPropagatesError(t *testing.T) {
	s := NewIdle(4)
	defer s.Close()

	want := errors.New("backend down")
	if err := s.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestIdleFallsThroughWhenWorkerBusy(t *testing.T) {
	s := NewIdle(1)
	s.handoff = 10 * time.Millisecond
	defer s.Close()

	release := make(chan struct{})
	// Occupy the worker and fill the queue so the next Do cannot hand off.
	go s.Do(context.Background(), func() error { <-release; return nil })
	time.Sleep(5 * time.Millisecond)
	go s.Do(context.Background(), func() error { return nil })
	time.Sleep(5 * time.Millisecond)

	var inline atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- s.Do(context.Background(), func() error {
			inline.Store(true)
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil || !inline.Load() {
			t.Fatalf("inline fallback failed: ran=%v err=%v", inline.Load(), err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do blocked past the handoff window")
	}
	close(release)
}

func TestFramesCoalesces(t *testing.T) {
	f := NewFrames(5 * time.Millisecond)
	defer f.Stop()

	var fired atomic.Int32
	for i := 0; i < 10; i++ {
		f.Schedule(func() { fired.Add(1) })
	}

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one coalesced fire, got %d", got)
	}
}

func TestManual(t *testing.T) {
	var m Manual
	var n int
	m.Schedule(func() { n++ })
	m.Schedule(func() { n += 100 }) // folded into the pending one

	if !m.Fire() {
		t.Fatal("expected a pending callback")
	}
	if n != 1 {
		t.Fatalf("expected the first callback only, n=%d", n)
	}
	if m.Fire() {
		t.Fatal("nothing should remain pending")
	}
}
