// Package bleclock implements the single dedicated update worker (spec
// section 4.1/5): one goroutine that ticks at a configured rate, drains
// posted work, and is the only thread allowed to mutate scheduler state.
package bleclock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/groutine"
)

// DefaultTickRate is auto_update_rate's default (spec section 6).
const DefaultTickRate = 50 * time.Millisecond

// DefaultOtaTickRate is the tighter rate spec section 6 calls out for OTA
// throughput.
const DefaultOtaTickRate = time.Millisecond

// Clock runs one worker goroutine that periodically calls a tick function
// and drains a queue of posted closures between ticks.
//
// run_or_post semantics (spec section 4.1): a call made from the worker
// goroutine itself runs inline; any other goroutine's call is queued and
// runs on the next drain. This is what lets native-stack callbacks (which
// arrive on OS threads) and application calls (which may arrive on any
// goroutine) safely reach scheduler state without their own locking.
type Clock struct {
	mu       sync.Mutex
	rate     time.Duration
	tick     func(now time.Time)
	posted   []func()
	workerID uint64

	logger *logrus.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Clock that calls tick once per rate interval once Start is
// called.
func New(rate time.Duration, tick func(now time.Time), logger *logrus.Logger) *Clock {
	if rate <= 0 {
		rate = DefaultTickRate
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Clock{rate: rate, tick: tick, logger: logger}
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.workerID = newWorkerID()
	c.mu.Unlock()

	groutine.Go(ctx, "bleclock-worker", func(ctx context.Context) {
		defer close(c.done)
		c.run(ctx)
	})
}

// Stop signals the worker to exit and blocks until it has.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Clock) run(ctx context.Context) {
	ticker := time.NewTicker(c.rate)
	defer ticker.Stop()
	markWorker(c.workerID)
	defer clearWorker(c.workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.drainPosted()
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.WithField("panic", r).Error("bleclock: tick panicked, worker continuing")
					}
				}()
				if c.tick != nil {
					c.tick(now)
				}
			}()
		}
	}
}

func (c *Clock) drainPosted() {
	c.mu.Lock()
	posted := c.posted
	c.posted = nil
	c.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

// RunOrPost executes fn inline if called from the worker goroutine,
// otherwise queues it for the next tick's drain (spec section 4.1).
func (c *Clock) RunOrPost(fn func()) {
	if isWorker(c.workerID) {
		fn()
		return
	}
	c.mu.Lock()
	c.posted = append(c.posted, fn)
	c.mu.Unlock()
}

// workerRegistry tracks which goroutine IDs are currently running as a
// Clock's worker, so RunOrPost can tell "I am the worker" from "I am some
// other goroutine" without threading a context value through every call
// site.
var (
	workerRegistry   = make(map[uint64]uint64) // goroutine id -> workerID
	workerRegistryMu sync.Mutex
	nextWorkerID     uint64
)

func newWorkerID() uint64 {
	workerRegistryMu.Lock()
	defer workerRegistryMu.Unlock()
	nextWorkerID++
	return nextWorkerID
}

func markWorker(workerID uint64) {
	gid := groutine.GetGID()
	workerRegistryMu.Lock()
	workerRegistry[gid] = workerID
	workerRegistryMu.Unlock()
}

func clearWorker(workerID uint64) {
	gid := groutine.GetGID()
	workerRegistryMu.Lock()
	if workerRegistry[gid] == workerID {
		delete(workerRegistry, gid)
	}
	workerRegistryMu.Unlock()
}

func isWorker(workerID uint64) bool {
	gid := groutine.GetGID()
	workerRegistryMu.Lock()
	defer workerRegistryMu.Unlock()
	return workerRegistry[gid] == workerID
}
