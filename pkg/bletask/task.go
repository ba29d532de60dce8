// Package bletask defines the Task aggregate: the single abstract unit of
// scheduled work. Rather than a class hierarchy per operation (connect,
// read, write, ...), every task is one struct carrying a Kind discriminant
// and a small vtable of hook functions (spec section 9: "tagged variants
// ... replaces the deep class tree without losing polymorphism").
package bletask

import (
	"time"

	"github.com/srg/blecore/pkg/bleadapter"
	"github.com/srg/blecore/pkg/bleevent"
)

// Priority orders tasks within the queue; higher values run first.
type Priority int

const (
	PriorityTrivial Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
	// PriorityExplicitBondingOnly is a narrow band used only by an
	// explicit application bond() call, ranked above normal user
	// priorities but never used for anything implicit (spec section 3).
	PriorityExplicitBondingOnly
)

// State is a Task's lifecycle stage (spec section 3/4.3).
type State int

const (
	StateQueued State = iota
	StateArmed
	StateExecuting
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCancelled
	StateNoOp
	StateSoftlyCancelled
	StateInterrupted
	StateRedundant
)

// IsTerminal reports whether a state is one a Task cannot leave.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled,
		StateNoOp, StateSoftlyCancelled, StateInterrupted, StateRedundant:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateArmed:
		return "ARMED"
	case StateExecuting:
		return "EXECUTING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateCancelled:
		return "CANCELLED"
	case StateNoOp:
		return "NO_OP"
	case StateSoftlyCancelled:
		return "SOFTLY_CANCELLED"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateRedundant:
		return "REDUNDANT"
	default:
		return "UNKNOWN"
	}
}

// Kind discriminates the operation a Task performs.
type Kind string

const (
	KindTurnBleOn           Kind = "turn_ble_on"
	KindTurnBleOff          Kind = "turn_ble_off"
	KindScan                Kind = "scan"
	KindConnect             Kind = "connect"
	KindDisconnect          Kind = "disconnect"
	KindDiscoverServices    Kind = "discover_services"
	KindBond                Kind = "bond"
	KindUnbond              Kind = "unbond"
	KindRead                Kind = "read"
	KindWrite               Kind = "write"
	KindNotify              Kind = "notify"
	KindReadDescriptor      Kind = "read_descriptor"
	KindWriteDescriptor     Kind = "write_descriptor"
	KindReadRSSI            Kind = "read_rssi"
	KindSetMTU              Kind = "set_mtu"
	KindSetConnectionPriority Kind = "set_connection_priority"
	KindSetPhy              Kind = "set_phy"
	KindReadPhy             Kind = "read_phy"
	KindReliableWriteBegin  Kind = "reliable_write_begin"
	KindReliableWriteExecute Kind = "reliable_write_execute"
	KindReliableWriteAbort  Kind = "reliable_write_abort"
	KindCrashResolver       Kind = "crash_resolver"
	KindTxnAuth             Kind = "txn_auth"
	KindTxnInit             Kind = "txn_init"
	KindTxnOta              Kind = "txn_ota"
	KindUserTxn             Kind = "txn_user"
	// KindForceRead is the background task armed behind a successful Notify
	// enable when force_read_timeout is configured (spec section 6, S5): it
	// does no work itself, just counts ticks via Update until the window
	// elapses with no native notification, then issues a synthetic read.
	KindForceRead Kind = "force_read"
)

// ID identifies a Task for its whole lifetime.
type ID uint64

// Fingerprint names the GATT target of an operation: (service, char,
// descriptor) where descriptor and even service may be empty ("fingerprint
// of characteristic target" in the glossary, used to disambiguate when
// multiple characteristics share a UUID across services).
type Fingerprint struct {
	ServiceUUID    string
	CharUUID       string
	DescriptorUUID string
}

// Hooks is the small vtable every Task kind supplies instead of a virtual
// method set. Any field may be left unset: a nil Execute makes the task
// resolve NO_OP as soon as it runs, nil Update/OnNativeEvent are no-ops,
// and New fills a nil IsCancellableBy/IsInterruptibleBy with the kind-based
// defaults.
type Hooks struct {
	// Execute issues the native stack call. Called exactly once, when the
	// task transitions QUEUED/ARMED -> EXECUTING.
	Execute func(t *Task, adapter bleadapter.StackAdapter) error

	// Update is called once per tick while EXECUTING, used for polling
	// semantics (e.g. the S5 force-read-timeout) and composite tasks.
	Update func(t *Task, dt time.Duration)

	// OnNativeEvent is fed the native callbacks blequeue.Queue.Dispatch
	// routes to this task while it is EXECUTING. The queue matches on device
	// only, so the hook checks the event kind and target itself. Returning
	// true means the task resolved (succeeded/failed/etc. was called
	// internally).
	OnNativeEvent func(t *Task, e bleadapter.NativeEvent) bool

	// RequiresBleOn/RequiresConnection gate execution: the queue skips
	// (does not remove) a task whose precondition isn't currently met.
	RequiresBleOn     bool
	RequiresConnection bool

	// IsCancellableBy reports whether `other`, being enqueued, cancels
	// this (already queued) task.
	IsCancellableBy func(t *Task, other *Task) bool

	// IsInterruptibleBy reports whether `other`, of strictly higher
	// priority, may preempt this task while it is EXECUTING.
	IsInterruptibleBy func(t *Task, other *Task) bool
}

// Task is the single concrete type for every unit of scheduled work; Kind
// plus the embedded Hooks take the place of per-operation subclasses.
type Task struct {
	ID       ID
	Kind     Kind
	Priority Priority
	Device   string // MAC address, empty for device-less tasks (e.g. TurnBleOn)
	Deadline time.Time
	Seq      uint64 // enqueue sequence, for stable FIFO within a priority
	Explicit bool   // true for a direct application request, ranked above implicit/internal

	Fingerprint Fingerprint
	Payload     any
	Handle      bleadapter.Handle

	RetryBudget int

	// InterruptedBy records the Kind of the task whose arrival preempted
	// this one (set by Interrupt), so a caller resolving the terminal event
	// can tell a BLE-off-driven preemption from an ordinary priority bump
	// (spec S6: CANCELLED_FROM_BLE_TURNING_OFF vs. plain busy).
	InterruptedBy Kind

	state    State
	failure  bleevent.FailureKind
	hooks    Hooks
	onTerminal []func(*Task)

	startedAt time.Time
}

// New constructs a Task in state QUEUED. Callers that don't supply
// IsCancellableBy/IsInterruptibleBy get the kind-based defaults from
// policy.go (DefaultIsCancellableBy/DefaultIsInterruptibleBy) so every
// task built by pkg/blemanager actually participates in the
// cancellation/preemption rules spec.md section 4.3 describes, without
// every call site having to wire them by hand.
func New(id ID, kind Kind, priority Priority, device string, deadline time.Time, hooks Hooks) *Task {
	if hooks.IsCancellableBy == nil {
		hooks.IsCancellableBy = func(t *Task, other *Task) bool {
			return DefaultIsCancellableBy(t.Kind, t.Device, other)
		}
	}
	if hooks.IsInterruptibleBy == nil {
		hooks.IsInterruptibleBy = func(t *Task, other *Task) bool {
			return DefaultIsInterruptibleBy(t.Kind, other)
		}
	}
	return &Task{
		ID:       id,
		Kind:     kind,
		Priority: priority,
		Device:   device,
		Deadline: deadline,
		state:    StateQueued,
		hooks:    hooks,
	}
}

// State returns the task's current lifecycle stage.
func (t *Task) State() State { return t.state }

// Failure returns the terminal failure kind, valid only once State() is
// StateFailed or StateTimedOut.
func (t *Task) Failure() bleevent.FailureKind { return t.failure }

// OnTerminal registers a callback invoked exactly once, when the task
// reaches any terminal state. Used by the queue/device layers to react to
// outcomes without the Task needing to know about them.
func (t *Task) OnTerminal(fn func(*Task)) {
	t.onTerminal = append(t.onTerminal, fn)
}

func (t *Task) terminalize(s State) {
	if t.state.IsTerminal() {
		return // idempotent: a task emits exactly one terminal outcome
	}
	t.state = s
	for _, fn := range t.onTerminal {
		fn(t)
	}
}

// Arm transitions QUEUED -> ARMED, used by the queue when a task has been
// selected to run next but execution (and thus its timeout clock for the
// EXECUTING phase) hasn't started yet.
func (t *Task) Arm() {
	if t.state == StateQueued {
		t.state = StateArmed
	}
}

// Execute transitions to EXECUTING and invokes the Execute hook. If the
// hook returns an error it is normalized and the task fails immediately.
func (t *Task) Execute(adapter bleadapter.StackAdapter) {
	if t.state.IsTerminal() {
		return
	}
	t.state = StateExecuting
	t.startedAt = time.Now()
	if t.hooks.Execute == nil {
		t.NoOp()
		return
	}
	if err := t.hooks.Execute(t, adapter); err != nil {
		t.Fail(bleadapter.NormalizeError(err))
	}
}

// Update is called once per tick while EXECUTING.
func (t *Task) Update(dt time.Duration) {
	if t.state != StateExecuting || t.hooks.Update == nil {
		return
	}
	t.hooks.Update(t, dt)
}

// Dispatch feeds a raw NativeEvent to the task's OnNativeEvent hook.
func (t *Task) Dispatch(e bleadapter.NativeEvent) bool {
	if t.state != StateExecuting || t.hooks.OnNativeEvent == nil {
		return false
	}
	return t.hooks.OnNativeEvent(t, e)
}

// Succeed resolves the task successfully. Idempotent.
func (t *Task) Succeed() { t.terminalize(StateSucceeded) }

// Fail resolves the task with a failure kind. Idempotent.
func (t *Task) Fail(kind bleevent.FailureKind) {
	if t.state.IsTerminal() {
		return
	}
	t.failure = kind
	t.terminalize(StateFailed)
}

// TimeOut resolves the task as having exceeded its deadline.
func (t *Task) TimeOut() {
	t.failure = bleevent.FailureTimedOut
	t.terminalize(StateTimedOut)
}

// Redundant resolves the task without ever having made a stack call,
// because its effect was already observed (e.g. a Read superseded by a
// Notify delivering an identical value).
func (t *Task) Redundant() { t.terminalize(StateRedundant) }

// NoOp resolves the task as a configuration-time no-op (e.g. enabling
// notify on a characteristic that doesn't support it - surfaced without
// ever reaching the stack, spec section 7).
func (t *Task) NoOp() { t.terminalize(StateNoOp) }

// Interrupt preempts an EXECUTING task, recording the Kind of the task that
// caused the preemption, and marks the terminal outcome for this attempt.
// Nothing requeues an interrupted task: blequeue.Queue.Enqueue only
// interrupts it and moves on.
func (t *Task) Interrupt(by Kind) {
	t.InterruptedBy = by
	t.terminalize(StateInterrupted)
}

// Cancel cancels a task that has not started executing. Use SoftCancel for
// same-device cancellations (spec distinguishes the two so listeners can
// tell "this is a side effect of another of your own requests" from "this
// was canceled by someone else").
func (t *Task) Cancel() { t.terminalize(StateCancelled) }

// SoftCancel cancels a same-device task, marking it SOFTLY_CANCELLED
// rather than CANCELLED.
func (t *Task) SoftCancel() { t.terminalize(StateSoftlyCancelled) }

// RequiresBleOn/RequiresConnection surface the task's preconditions.
func (t *Task) RequiresBleOn() bool      { return t.hooks.RequiresBleOn }
func (t *Task) RequiresConnection() bool { return t.hooks.RequiresConnection }

// IsCancellableBy reports whether `other` being enqueued should cancel t.
func (t *Task) IsCancellableBy(other *Task) bool {
	if t.hooks.IsCancellableBy == nil {
		return false
	}
	return t.hooks.IsCancellableBy(t, other)
}

// IsInterruptibleBy reports whether `other` may preempt t while executing.
func (t *Task) IsInterruptibleBy(other *Task) bool {
	if t.hooks.IsInterruptibleBy == nil {
		return false
	}
	return t.hooks.IsInterruptibleBy(t, other)
}

// Elapsed returns time since Execute was called; zero if not yet started.
func (t *Task) Elapsed() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	return time.Since(t.startedAt)
}

// DeadlineExceeded reports whether now is past the task's deadline. A zero
// Deadline means "no deadline".
func (t *Task) DeadlineExceeded(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}
