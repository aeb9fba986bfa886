package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually driven clock. Sleep advances the fake time by the
// requested duration and returns immediately, so loops driven by a Fake run
// as fast as the CPU allows while observing consistent timestamps.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	hook   func(now time.Time)
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// OnSleep registers a callback invoked after every Sleep with the new time.
// Tests use it to cancel a context once a point in time is reached.
func (f *Fake) OnSleep(fn func(now time.Time)) {
	f.mu.Lock()
	f.hook = fn
	f.mu.Unlock()
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.sleeps = append(f.sleeps, d)
	now, hook := f.now, f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return ctx.Err()
}

// Sleeps returns every duration passed to Sleep, in call order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}
