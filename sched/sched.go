// Package sched supplies the deferred-execution policies the storage layer
// runs on: a Runner that decides when a unit of work executes, and a
// Coalescer that folds many same-interval triggers into one callback.
//
// Injecting these keeps the tiers deterministic under test: use Immediate and
// Manual there instead of the real idle worker and timer.
package sched

import (
	"context"
	"sync"
	"time"
)

// Runner executes a unit of work under some scheduling policy and returns its
// error. Do always waits for fn to finish; the policy only decides where and
// when fn runs.
type Runner interface {
	Do(ctx context.Context, fn func() error) error
	Close()
}

// Immediate runs fn inline. The zero value is ready to use.
type Immediate struct{}

func (Immediate) Do(_ context.Context, fn func() error) error { return fn() }
func (Immediate) Close()                                      {}

type idleJob struct {
	fn   func() error
	done chan error
}

// Idle defers work to a single low-priority worker so latency-sensitive
// callers are not blocked by backend writes. If the worker does not accept
// the job within the handoff window, Do falls through and runs fn inline
// rather than waiting indefinitely.
type Idle struct {
	q       chan idleJob
	handoff time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

const defaultHandoff = 100 * time.Millisecond

// NewIdle starts the worker. qlen bounds the number of queued jobs; 0 uses a
// small default.
func NewIdle(qlen int) *Idle {
	if qlen <= 0 {
		qlen = 64
	}
	s := &Idle{
		q:       make(chan idleJob, qlen),
		handoff: defaultHandoff,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for j := range s.q {
			j.done <- j.fn()
		}
	}()
	return s
}

func (s *Idle) Do(ctx context.Context, fn func() error) error {
	j := idleJob{fn: fn, done: make(chan error, 1)}

	t := time.NewTimer(s.handoff)
	defer t.Stop()

	select {
	case s.q <- j:
		select {
		case err := <-j.done:
			return err
		case <-ctx.Done():
			// Job already queued; it will still run, but the caller
			// stops waiting.
			return ctx.Err()
		}
	case <-t.C:
		return fn()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Idle) Close() {
	s.once.Do(func() {
		close(s.q)
		s.wg.Wait()
	})
}

// Coalescer schedules a callback on the next interval boundary. While one
// callback is pending, further Schedule calls are folded into it.
type Coalescer interface {
	Schedule(fn func())
	Stop()
}

// Frames coalesces onto a fixed cadence using a one-shot timer per pending
// callback.
type Frames struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

const defaultFrame = 16 * time.Millisecond

// NewFrames returns a Coalescer firing at most once per interval; 0 uses a
// render-frame-ish default.
func NewFrames(interval time.Duration) *Frames {
	if interval <= 0 {
		interval = defaultFrame
	}
	return &Frames{interval: interval}
}

func (f *Frames) Schedule(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.timer != nil {
		return
	}
	f.timer = time.AfterFunc(f.interval, func() {
		f.mu.Lock()
		f.timer = nil
		f.mu.Unlock()
		fn()
	})
}

func (f *Frames) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// Manual is a test Coalescer: Schedule records at most one pending callback
// and Fire runs it.
type Manual struct {
	mu      sync.Mutex
	pending func()
}

func (m *Manual) Schedule(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		m.pending = fn
	}
}

// Fire runs the pending callback, if any, and reports whether one ran.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	fn := m.pending
	m.pending = nil
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (m *Manual) Stop() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}
