// Package blelisten implements the Listener Stack & Event Dispatcher (spec
// section 4.7): one LIFO stack per listener slot, with events delivered
// only to the head, and dispatch posted to a configurable thread so a
// listener never races the update worker.
package blelisten

import (
	"github.com/srg/blecore/pkg/bleevent"
)

// Poster is the single method the Dispatcher needs from the scheduling
// primitive that owns "the configured thread" - pkg/bleclock.Clock and
// pkg/bleclock.FakeClock both satisfy it.
type Poster interface {
	RunOrPost(fn func())
}

// Stack is a LIFO stack of listeners of one type T. push/pop/set match
// spec section 4.7 exactly: composable UI screens can add their own
// listener without losing the underlying one, and events only ever reach
// the current head.
type Stack[T any] struct {
	listeners []T
}

// Push adds l as the new head.
func (s *Stack[T]) Push(l T) { s.listeners = append(s.listeners, l) }

// Pop removes the current head. No-op on an empty stack.
func (s *Stack[T]) Pop() {
	if len(s.listeners) == 0 {
		return
	}
	s.listeners = s.listeners[:len(s.listeners)-1]
}

// Set clears the stack and pushes l as its sole entry.
func (s *Stack[T]) Set(l T) {
	s.listeners = []T{l}
}

// Head returns the current head listener and whether the stack is
// non-empty.
func (s *Stack[T]) Head() (T, bool) {
	var zero T
	if len(s.listeners) == 0 {
		return zero, false
	}
	return s.listeners[len(s.listeners)-1], true
}

// Len reports how many listeners are on the stack.
func (s *Stack[T]) Len() int { return len(s.listeners) }

// StateChangeListener, ConnectListener, and friends: one method each, named
// after the event slot spec section 4.7 lists ("StateChange, Connect,
// Reconnect, ReadWrite, Notification, Bond, HistoricalDataLoad, Discovery").
type StateChangeListener interface {
	OnStateChange(bleevent.StateChangeEvent)
}

type ConnectListener interface {
	OnConnect(device string, success bool)
}

type ReconnectListener interface {
	OnReconnectFailed(bleevent.ConnectFailEvent)
}

type ReadWriteListener interface {
	OnReadWrite(bleevent.ReadWriteEvent)
}

type NotificationListener interface {
	OnNotification(bleevent.NotificationEvent)
}

type BondListener interface {
	OnBond(bleevent.BondEvent)
}

type DiscoveryListener interface {
	OnDiscovery(bleevent.DiscoveryEvent)
}

type HistoricalDataLoadListener interface {
	OnHistoricalDataLoaded(device, charUUID string)
}

// Dispatcher owns one Stack per listener slot and posts every delivery
// through Poster.RunOrPost, so a listener configured to run on the
// application's main thread (the default) never executes concurrently with
// the update worker (spec section 4.7: "Dispatch thread is configurable").
type Dispatcher struct {
	poster Poster

	StateChange    Stack[StateChangeListener]
	Connect        Stack[ConnectListener]
	Reconnect      Stack[ReconnectListener]
	ReadWrite      Stack[ReadWriteListener]
	Notification   Stack[NotificationListener]
	Bond           Stack[BondListener]
	Discovery      Stack[DiscoveryListener]
	HistoricalLoad Stack[HistoricalDataLoadListener]
}

// New creates a Dispatcher posting through poster.
func New(poster Poster) *Dispatcher {
	return &Dispatcher{poster: poster}
}

func (d *Dispatcher) DispatchStateChange(e bleevent.StateChangeEvent) {
	d.poster.RunOrPost(func() {
		if l, ok := d.StateChange.Head(); ok {
			l.OnStateChange(e)
		}
	})
}

func (d *Dispatcher) DispatchConnect(device string, success bool) {
	d.poster.RunOrPost(func() {
		if l, ok := d.Connect.Head(); ok {
			l.OnConnect(device, success)
		}
	})
}

func (d *Dispatcher) DispatchReconnectFailed(e bleevent.ConnectFailEvent) {
	d.poster.RunOrPost(func() {
		if l, ok := d.Reconnect.Head(); ok {
			l.OnReconnectFailed(e)
		}
	})
}

func (d *Dispatcher) DispatchReadWrite(e bleevent.ReadWriteEvent) {
	d.poster.RunOrPost(func() {
		if l, ok := d.ReadWrite.Head(); ok {
			l.OnReadWrite(e)
		}
	})
}

func (d *Dispatcher) DispatchNotification(e bleevent.NotificationEvent) {
	d.poster.RunOrPost(func() {
		if l, ok := d.Notification.Head(); ok {
			l.OnNotification(e)
		}
	})
}

func (d *Dispatcher) DispatchBond(e bleevent.BondEvent) {
	d.poster.RunOrPost(func() {
		if l, ok := d.Bond.Head(); ok {
			l.OnBond(e)
		}
	})
}

func (d *Dispatcher) DispatchDiscovery(e bleevent.DiscoveryEvent) {
	d.poster.RunOrPost(func() {
		if l, ok := d.Discovery.Head(); ok {
			l.OnDiscovery(e)
		}
	})
}

func (d *Dispatcher) DispatchHistoricalDataLoaded(device, charUUID string) {
	d.poster.RunOrPost(func() {
		if l, ok := d.HistoricalLoad.Head(); ok {
			l.OnHistoricalDataLoaded(device, charUUID)
		}
	})
}
