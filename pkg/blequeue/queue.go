// Package blequeue implements the single global task queue: priority
// ordering, preemption, cancellation-on-enqueue, precondition skipping,
// and per-tick timeout/redundancy resolution (spec section 4.3).
package blequeue

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/pkg/bleadapter"
	"github.com/srg/blecore/pkg/bletask"
)

// lane holds one priority level's tasks in stable enqueue order. An
// ordered map gives O(1) append/removal-by-key while preserving insertion
// order for iteration, which a plain slice would need an O(n) compaction
// for every cancellation to match.
type lane struct {
	tasks *orderedmap.OrderedMap[bletask.ID, *bletask.Task]
}

func newLane() *lane {
	return &lane{tasks: orderedmap.New[bletask.ID, *bletask.Task]()}
}

// Queue is the single global, single-executor task queue.
//
// Every method here is only ever called from the update worker (see
// pkg/bleclock) - the mutex exists solely to let other goroutines take a
// safe read-only snapshot (Executing, Len) without racing the worker, not
// to make concurrent mutation safe. Mutating methods therefore only ever
// hold the lock across plain map/struct bookkeeping, never while invoking
// a Task hook: a Task's terminal hooks can synchronously call back into
// the Queue (e.g. to clear q.executing), and the mutex is not reentrant.
type Queue struct {
	mu        sync.Mutex
	lanes     map[bletask.Priority]*lane
	executing *bletask.Task
	nextSeq   uint64
	logger    *logrus.Logger

	bleOn     bool
	connected map[string]bool // device -> currently BLE_CONNECTED
}

// New creates an empty Queue.
func New(logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{
		lanes:     make(map[bletask.Priority]*lane),
		connected: make(map[string]bool),
		logger:    logger,
	}
	for p := bletask.PriorityTrivial; p <= bletask.PriorityExplicitBondingOnly; p++ {
		q.lanes[p] = newLane()
	}
	return q
}

// SetBleOn updates the global BLE-on precondition.
func (q *Queue) SetBleOn(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bleOn = on
}

// SetDeviceConnected updates the per-device connection precondition.
func (q *Queue) SetDeviceConnected(device string, connected bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if connected {
		q.connected[device] = true
	} else {
		delete(q.connected, device)
	}
}

// Executing returns the task currently EXECUTING, or nil.
func (q *Queue) Executing() *bletask.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing
}

// Len returns the total number of queued (non-executing) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += l.tasks.Len()
	}
	return n
}

// clearExecutingIfCurrent clears q.executing if it still points at t. Used
// as the EXECUTING task's terminal hook.
func (q *Queue) clearExecutingIfCurrent(t *bletask.Task) {
	q.mu.Lock()
	if q.executing == t {
		q.executing = nil
	}
	q.mu.Unlock()
}

// Enqueue adds a task, assigning it the next FIFO sequence number,
// applying cancellation-on-enqueue against every already-queued task, and
// triggering preemption if the new task outranks the EXECUTING one and is
// permitted to interrupt it.
//
// The returned bool is true when the new task's arrival interrupted the
// previously EXECUTING task.
func (q *Queue) Enqueue(t *bletask.Task) bool {
	q.mu.Lock()

	q.nextSeq++
	t.Seq = q.nextSeq

	// Cancellation on enqueue: every queued task is checked against t.
	type cancellation struct {
		task *bletask.Task
		soft bool
	}
	var toCancel []cancellation
	for _, l := range q.lanes {
		var toRemove []bletask.ID
		for pair := l.tasks.Oldest(); pair != nil; pair = pair.Next() {
			queued := pair.Value
			if queued.IsCancellableBy(t) {
				soft := queued.Device == t.Device && queued.Device != ""
				toCancel = append(toCancel, cancellation{queued, soft})
				toRemove = append(toRemove, queued.ID)
			}
		}
		for _, id := range toRemove {
			l.tasks.Delete(id)
		}
	}

	var toInterrupt *bletask.Task
	if q.executing != nil && t.Priority > q.executing.Priority && q.executing.IsInterruptibleBy(t) {
		toInterrupt = q.executing
		q.executing = nil
	}

	q.lanes[t.Priority].tasks.Set(t.ID, t)
	q.mu.Unlock()

	for _, c := range toCancel {
		if c.soft {
			c.task.SoftCancel()
		} else {
			c.task.Cancel()
		}
	}

	if toInterrupt != nil {
		q.logger.WithFields(logrus.Fields{
			"interrupted": toInterrupt.Kind,
			"by":          t.Kind,
		}).Info("preempting executing task")
		toInterrupt.Interrupt(t.Kind)
		return true
	}
	return false
}

// Advance is called once per tick by the clock's update loop. It resolves
// timeouts on every queued/executing task, then - if nothing is currently
// EXECUTING - selects the next eligible head task to run.
//
// A task whose RequiresBleOn/RequiresConnection precondition isn't
// currently satisfied is skipped (left queued), not removed.
func (q *Queue) Advance(now time.Time, adapter bleadapter.StackAdapter) {
	q.mu.Lock()

	var timedOutExecuting *bletask.Task
	if q.executing != nil && q.executing.DeadlineExceeded(now) {
		timedOutExecuting = q.executing
		q.executing = nil
	}

	var timedOutQueued []*bletask.Task
	for _, l := range q.lanes {
		var toRemove []bletask.ID
		for pair := l.tasks.Oldest(); pair != nil; pair = pair.Next() {
			qt := pair.Value
			if qt.DeadlineExceeded(now) {
				timedOutQueued = append(timedOutQueued, qt)
				toRemove = append(toRemove, qt.ID)
			}
		}
		for _, id := range toRemove {
			l.tasks.Delete(id)
		}
	}

	var next *bletask.Task
	var nextLane *lane
	if q.executing == nil && timedOutExecuting == nil {
		next, nextLane = q.headSelectable()
		if next != nil {
			nextLane.tasks.Delete(next.ID)
			next.Arm()
			q.executing = next
		}
	}
	q.mu.Unlock()

	if timedOutExecuting != nil {
		q.logger.WithField("kind", timedOutExecuting.Kind).Warn("executing task timed out")
		timedOutExecuting.TimeOut()
	}
	for _, qt := range timedOutQueued {
		qt.TimeOut()
	}

	if next != nil {
		next.OnTerminal(q.clearExecutingIfCurrent)
		next.Execute(adapter)
	}
}

// headSelectable scans lanes from PriorityExplicitBondingOnly down to
// TRIVIAL (priority descending) and picks from the first lane holding a
// task whose preconditions are currently satisfied: the oldest such
// Explicit task if there is one, otherwise the oldest such task. Must be
// called with q.mu held.
func (q *Queue) headSelectable() (*bletask.Task, *lane) {
	for p := bletask.PriorityExplicitBondingOnly; p >= bletask.PriorityTrivial; p-- {
		l := q.lanes[p]
		var implicit *bletask.Task
		for pair := l.tasks.Oldest(); pair != nil; pair = pair.Next() {
			t := pair.Value
			if t.RequiresBleOn() && !q.bleOn {
				continue
			}
			if t.RequiresConnection() && t.Device != "" && !q.connected[t.Device] {
				continue
			}
			if t.Explicit {
				return t, l
			}
			if implicit == nil {
				implicit = t
			}
		}
		if implicit != nil {
			return implicit, l
		}
	}
	return nil, nil
}

// UpdateExecuting calls Update(dt) on the currently EXECUTING task, if any
// (spec section 9: the Update hook exists for "polling semantics", e.g.
// S5's force-read timeout).
func (q *Queue) UpdateExecuting(dt time.Duration) {
	q.mu.Lock()
	t := q.executing
	q.mu.Unlock()
	if t != nil {
		t.Update(dt)
	}
}

// Dispatch routes a native event to the EXECUTING task, if any, and if its
// device matches.
func (q *Queue) Dispatch(e bleadapter.NativeEvent) bool {
	q.mu.Lock()
	t := q.executing
	q.mu.Unlock()
	if t == nil {
		return false
	}
	if t.Device != "" && e.Device != "" && t.Device != e.Device {
		return false
	}
	return t.Dispatch(e)
}

// CancelDevice cancels (or soft-cancels) every queued task for a device,
// used by disconnect() per spec section 5 ("cancels all pending per-device
// tasks"). In-flight (EXECUTING) operations for the device are left to
// resolve on their own, but the caller is expected to ignore their result;
// CancelDevice itself does not touch the EXECUTING task.
func (q *Queue) CancelDevice(device string, soft bool) {
	q.mu.Lock()
	var toCancel []*bletask.Task
	for _, l := range q.lanes {
		var toRemove []bletask.ID
		for pair := l.tasks.Oldest(); pair != nil; pair = pair.Next() {
			t := pair.Value
			if t.Device != device {
				continue
			}
			toCancel = append(toCancel, t)
			toRemove = append(toRemove, t.ID)
		}
		for _, id := range toRemove {
			l.tasks.Delete(id)
		}
	}
	q.mu.Unlock()

	for _, t := range toCancel {
		if soft {
			t.SoftCancel()
		} else {
			t.Cancel()
		}
	}
}
