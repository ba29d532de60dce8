package bleclock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_TicksAndDrainsPosted(t *testing.T) {
	var mu sync.Mutex
	var ticks int
	var postedRan bool

	c := New(5*time.Millisecond, func(now time.Time) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	c.RunOrPost(func() {
		mu.Lock()
		postedRan = true
		mu.Unlock()
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks > 0 && postedRan
	}, time.Second, time.Millisecond)
}

func TestFakeClock_AdvanceDrainsBeforeTick(t *testing.T) {
	var order []string
	fc := NewFakeClock(time.Unix(0, 0), func(now time.Time) {
		order = append(order, "tick")
	})
	fc.RunOrPost(func() { order = append(order, "posted") })
	fc.Advance(time.Second)

	assert.Equal(t, []string{"posted", "tick"}, order)
}
