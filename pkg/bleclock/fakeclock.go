package bleclock

import (
	"context"
	"time"
)

// FakeClock is a test double that never starts a real goroutine: Advance
// calls the tick function synchronously, and RunOrPost always queues (there is
// no worker goroutine to be "on"). Tests drive the scheduler deterministically
// through it instead of racing a real ticker.
type FakeClock struct {
	now    time.Time
	tick   func(now time.Time)
	posted []func()
}

// NewFakeClock creates a FakeClock starting at now.
func NewFakeClock(now time.Time, tick func(now time.Time)) *FakeClock {
	return &FakeClock{now: now, tick: tick}
}

// RunOrPost always posts: FakeClock has no notion of "the worker goroutine",
// so callers must call Drain explicitly to run posted work, mirroring the
// real Clock's next-tick semantics.
func (f *FakeClock) RunOrPost(fn func()) {
	f.posted = append(f.posted, fn)
}

// Drain runs every posted closure, in order.
func (f *FakeClock) Drain() {
	posted := f.posted
	f.posted = nil
	for _, fn := range posted {
		fn()
	}
}

// Advance moves the fake clock forward by d, drains posted work, then calls
// tick once with the new time.
func (f *FakeClock) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.Drain()
	if f.tick != nil {
		f.tick(f.now)
	}
}

// Now returns the fake clock's current time.
func (f *FakeClock) Now() time.Time { return f.now }

// Start and Stop are no-ops: FakeClock has no worker goroutine to launch or
// halt, only Advance/Drain. They exist so FakeClock satisfies the same
// interface a real Clock does for code that owns one polymorphically.
func (f *FakeClock) Start(ctx context.Context) {}
func (f *FakeClock) Stop()                     {}
