// Package blereconnect implements the Reconnect Controller (spec section
// 4.6): given a typed ConnectFailEvent, decide whether to retry
// immediately, retry after a delay, or give up.
package blereconnect

import (
	"time"

	"github.com/srg/blecore/pkg/bleevent"
)

// Decision is the controller's verdict for one connect-attempt failure.
type Decision int

const (
	// DecisionRetryNow retries on the next tick with an adjusted
	// auto-connect flag (spec: "used once when a timeout occurs and the
	// implementation's heuristic suggests the alternate auto-connect flag
	// may succeed").
	DecisionRetryNow Decision = iota
	// DecisionRetryAfterDelay retries once d has elapsed.
	DecisionRetryAfterDelay
	// DecisionGiveUp surfaces a final failure to the application.
	DecisionGiveUp
)

// Outcome is the controller's full verdict, including when to retry (only
// meaningful for DecisionRetryAfterDelay) and whether to flip auto-connect
// (only meaningful for DecisionRetryNow).
type Outcome struct {
	Decision        Decision
	RetryAfter       time.Duration
	FlipAutoConnect bool
}

// Policy holds the tunables spec section 6 names for the short/long-term
// windows.
type Policy struct {
	ShortTermTimeout time.Duration
	LongTermTimeout  time.Duration
}

// DefaultPolicy returns the spec-mandated default windows.
func DefaultPolicy() Policy {
	return Policy{ShortTermTimeout: 5 * time.Second, LongTermTimeout: 5 * time.Minute}
}

// Controller tracks one device's reconnect attempt state: whether it is
// within its short-term window, the window's start, and the sub-step retry
// counter spec section 4.6 describes ("a single connect attempt
// encompasses... a failure at any sub-step increments a sub-step retry
// counter; a failure of the whole attempt increments the attempt counter").
type Controller struct {
	policy Policy

	shortTermStartedAt time.Time
	inShortTerm        bool
	inLongTerm         bool
	subStepRetries     int
	attempts           int
}

// NewController creates a Controller with the given policy.
func NewController(policy Policy) *Controller {
	return &Controller{policy: policy}
}

// EnterShortTerm marks the start of a short-term reconnect window
// (triggered by bledevice.Device.UnexpectedDisconnect).
func (c *Controller) EnterShortTerm(now time.Time) {
	c.inShortTerm = true
	c.inLongTerm = false
	c.shortTermStartedAt = now
	c.subStepRetries = 0
}

// Decide evaluates one ConnectFailEvent and returns what to do next.
func (c *Controller) Decide(ev bleevent.ConnectFailEvent, now time.Time) Outcome {
	c.attempts++

	if c.inShortTerm {
		elapsed := now.Sub(c.shortTermStartedAt)
		if elapsed >= c.policy.ShortTermTimeout {
			c.inShortTerm = false
			c.inLongTerm = true
			return Outcome{Decision: DecisionRetryAfterDelay, RetryAfter: c.longTermBackoff()}
		}
		if ev.Status == bleevent.FailureTimedOut && c.subStepRetries == 0 {
			c.subStepRetries++
			return Outcome{Decision: DecisionRetryNow, FlipAutoConnect: true}
		}
		return Outcome{Decision: DecisionRetryAfterDelay, RetryAfter: shortTermDelay(c.attempts - 1)}
	}

	if c.inLongTerm {
		windowElapsed := now.Sub(c.shortTermStartedAt)
		if windowElapsed >= c.policy.LongTermTimeout {
			c.inLongTerm = false
			return Outcome{Decision: DecisionGiveUp}
		}
		return Outcome{Decision: DecisionRetryAfterDelay, RetryAfter: c.longTermBackoff()}
	}

	// Not in any reconnect window: a direct connect() call failed outright.
	return Outcome{Decision: DecisionGiveUp}
}

// shortTermDelay is the attempt-indexed, capped backoff spec section 4.6
// calls for within the short-term window.
func shortTermDelay(attemptIndex int) time.Duration {
	d := time.Duration(attemptIndex+1) * 250 * time.Millisecond
	const maxDelay = 2 * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// longTermBackoff grows with attempt count, capped well under the
// long-term window so at least a few attempts happen before it expires.
func (c *Controller) longTermBackoff() time.Duration {
	d := time.Duration(c.attempts) * 5 * time.Second
	const maxDelay = 30 * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Reset clears all reconnect-window state, used once a connect attempt
// ultimately succeeds.
func (c *Controller) Reset() {
	c.inShortTerm = false
	c.inLongTerm = false
	c.subStepRetries = 0
	c.attempts = 0
}

// InLongTermWindow reports whether the controller currently believes the
// device is in its long-term reconnect phase (spec: "produces no
// user-visible failure per attempt, only one failure when the whole
// long-term window expires").
func (c *Controller) InLongTermWindow() bool { return c.inLongTerm }
