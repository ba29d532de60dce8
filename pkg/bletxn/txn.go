// Package bletxn implements the Transaction Composer (spec section 4.5):
// Auth/Init/Ota/UserCustom transactions that group one or more Tasks which
// must all succeed, in order, before the state bit they own can clear.
package bletxn

import (
	"time"

	"github.com/srg/blecore/pkg/bleevent"
	"github.com/srg/blecore/pkg/bletask"
)

// Kind discriminates the transaction's role.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindInit       Kind = "init"
	KindOta        Kind = "ota"
	KindUserCustom Kind = "user_custom"
)

// Step is one task-shaped unit of work a transaction runs in order. Steps
// run sequentially: step N+1 is only submitted once step N's task reaches
// StateSucceeded, StateRedundant or StateNoOp; any other terminal state
// fails the transaction.
type Step struct {
	Kind     bletask.Kind
	Priority bletask.Priority
	Hooks    bletask.Hooks
}

// State is the transaction's own lifecycle, independent of (but driving)
// the device's AUTHENTICATING/INITIALIZING/PERFORMING_OTA bit.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

// Transaction runs Steps in order against a single device (spec section
// 4.5). Each step's task runs at the priority its Step names - the
// transaction does not raise it - and is subject to the same cancellation
// and interruption rules as any other task of its kind.
type Transaction struct {
	Kind   Kind
	Device string

	steps   []Step
	current int
	state   State
	failure bleevent.FailureKind

	nextID func() bletask.ID
	submit func(t *bletask.Task)

	onSucceed func()
	onFail    func(bleevent.FailureKind)
}

// New creates a Transaction. nextID mints task IDs and submit enqueues a
// constructed Task (both supplied by the owning Manager so this package has
// no direct dependency on pkg/blequeue).
func New(kind Kind, device string, steps []Step, nextID func() bletask.ID, submit func(*bletask.Task)) *Transaction {
	return &Transaction{
		Kind:   kind,
		Device: device,
		steps:  steps,
		nextID: nextID,
		submit: submit,
	}
}

// OnSucceed/OnFail register the transaction-level terminal callbacks.
func (tx *Transaction) OnSucceed(fn func())                      { tx.onSucceed = fn }
func (tx *Transaction) OnFail(fn func(bleevent.FailureKind))      { tx.onFail = fn }

// State returns the transaction's current lifecycle stage.
func (tx *Transaction) State() State { return tx.state }

// Failure returns the failure reason once State is StateFailed: the failing
// step task's own FailureKind when it recorded one, otherwise
// AUTHENTICATION_FAILED / INITIALIZATION_FAILED for Auth / Init
// transactions and REMOTE_GATT_FAILURE for the rest (or the kind given to
// Fail).
func (tx *Transaction) Failure() bleevent.FailureKind { return tx.failure }

// Start submits the first step. A transaction with zero steps succeeds
// immediately.
func (tx *Transaction) Start() {
	if tx.state != StateIdle {
		return
	}
	tx.state = StateRunning
	if len(tx.steps) == 0 {
		tx.succeed()
		return
	}
	tx.submitCurrent()
}

func (tx *Transaction) submitCurrent() {
	step := tx.steps[tx.current]
	var deadline time.Time
	if d := bletask.DefaultTimeout(step.Kind); d > 0 {
		deadline = time.Now().Add(d)
	}
	t := bletask.New(tx.nextID(), step.Kind, step.Priority, tx.Device, deadline, step.Hooks)
	t.Explicit = true
	t.OnTerminal(tx.onStepTerminal)
	tx.submit(t)
}

func (tx *Transaction) onStepTerminal(t *bletask.Task) {
	if tx.state != StateRunning {
		return
	}
	switch t.State() {
	case bletask.StateSucceeded, bletask.StateRedundant, bletask.StateNoOp:
		tx.current++
		if tx.current >= len(tx.steps) {
			tx.succeed()
			return
		}
		tx.submitCurrent()
	default:
		tx.failWithKind(failureKindFor(tx.Kind, t))
	}
}

func failureKindFor(kind Kind, t *bletask.Task) bleevent.FailureKind {
	if f := t.Failure(); f != "" {
		return f
	}
	switch kind {
	case KindAuth:
		return bleevent.FailureAuthenticationFailed
	case KindInit:
		return bleevent.FailureInitializationFailed
	default:
		return bleevent.FailureRemoteGattFailure
	}
}

func (tx *Transaction) succeed() {
	tx.state = StateSucceeded
	if tx.onSucceed != nil {
		tx.onSucceed()
	}
}

func (tx *Transaction) failWithKind(kind bleevent.FailureKind) {
	tx.state = StateFailed
	tx.failure = kind
	if tx.onFail != nil {
		tx.onFail(kind)
	}
}

// Fail aborts the transaction externally (e.g. the device disconnected
// mid-transaction).
func (tx *Transaction) Fail(kind bleevent.FailureKind) {
	if tx.state != StateRunning {
		return
	}
	tx.failWithKind(kind)
}
