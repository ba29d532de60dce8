package blereconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecore/pkg/bleevent"
)

func TestController_RetryNowOnceOnTimeout(t *testing.T) {
	c := NewController(DefaultPolicy())
	start := time.Now()
	c.EnterShortTerm(start)

	out := c.Decide(bleevent.ConnectFailEvent{Status: bleevent.FailureTimedOut}, start.Add(time.Second))
	assert.Equal(t, DecisionRetryNow, out.Decision)
	assert.True(t, out.FlipAutoConnect)

	// Second timeout in the same window must not retry-now again.
	out = c.Decide(bleevent.ConnectFailEvent{Status: bleevent.FailureTimedOut}, start.Add(2*time.Second))
	assert.Equal(t, DecisionRetryAfterDelay, out.Decision)
}

func TestController_ShortTermExpiresIntoLongTerm(t *testing.T) {
	c := NewController(DefaultPolicy())
	start := time.Now()
	c.EnterShortTerm(start)

	out := c.Decide(bleevent.ConnectFailEvent{Status: bleevent.FailureRemoteGattFailure}, start.Add(6*time.Second))
	assert.Equal(t, DecisionRetryAfterDelay, out.Decision)
	assert.True(t, c.InLongTermWindow())
}

func TestController_LongTermWindowExpiresToGiveUp(t *testing.T) {
	c := NewController(Policy{ShortTermTimeout: time.Second, LongTermTimeout: 2 * time.Second})
	start := time.Now()
	c.EnterShortTerm(start)
	c.Decide(bleevent.ConnectFailEvent{}, start.Add(2*time.Second)) // enters long term

	out := c.Decide(bleevent.ConnectFailEvent{}, start.Add(10*time.Second))
	assert.Equal(t, DecisionGiveUp, out.Decision)
	assert.False(t, c.InLongTermWindow())
}

func TestController_DirectConnectFailureGivesUpImmediately(t *testing.T) {
	c := NewController(DefaultPolicy())
	out := c.Decide(bleevent.ConnectFailEvent{Status: bleevent.FailureNotConnected}, time.Now())
	assert.Equal(t, DecisionGiveUp, out.Decision)
}

func TestController_Reset(t *testing.T) {
	c := NewController(DefaultPolicy())
	c.EnterShortTerm(time.Now())
	c.Decide(bleevent.ConnectFailEvent{}, time.Now())
	c.Reset()
	assert.False(t, c.InLongTermWindow())
}
