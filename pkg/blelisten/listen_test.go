package blelisten

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/pkg/bleclock"
	"github.com/srg/blecore/pkg/bleevent"
)

type recordingStateListener struct {
	events []bleevent.StateChangeEvent
}

func (r *recordingStateListener) OnStateChange(e bleevent.StateChangeEvent) {
	r.events = append(r.events, e)
}

func TestStack_PushPopDeliversOnlyToHead(t *testing.T) {
	var s Stack[StateChangeListener]
	a := &recordingStateListener{}
	b := &recordingStateListener{}

	s.Push(a)
	s.Push(b)

	head, ok := s.Head()
	require.True(t, ok)
	assert.Same(t, StateChangeListener(b), head)

	s.Pop()
	head, ok = s.Head()
	require.True(t, ok)
	assert.Same(t, StateChangeListener(a), head)
}

func TestStack_SetReplacesEverything(t *testing.T) {
	var s Stack[StateChangeListener]
	s.Push(&recordingStateListener{})
	s.Push(&recordingStateListener{})
	only := &recordingStateListener{}
	s.Set(only)

	assert.Equal(t, 1, s.Len())
	head, _ := s.Head()
	assert.Same(t, StateChangeListener(only), head)
}

func TestDispatcher_DeliversViaPoster(t *testing.T) {
	fc := bleclock.NewFakeClock(time.Time{}, nil)
	d := New(fc)

	l := &recordingStateListener{}
	d.StateChange.Push(l)

	d.DispatchStateChange(bleevent.StateChangeEvent{Device: "AA:BB:CC:00:01:02"})
	assert.Empty(t, l.events, "event must not be delivered before the poster drains")

	fc.Drain()
	require.Len(t, l.events, 1)
	assert.Equal(t, "AA:BB:CC:00:01:02", l.events[0].Device)
}
