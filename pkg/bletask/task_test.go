package bletask

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecore/pkg/bleadapter"
	"github.com/srg/blecore/pkg/bleevent"
)

func newTestTask(hooks Hooks) *Task {
	return New(1, KindRead, PriorityMedium, "AA:BB:CC:00:01:02", time.Time{}, hooks)
}

func TestTask_TerminalExactness(t *testing.T) {
	var terminalCount int
	task := newTestTask(Hooks{})
	task.OnTerminal(func(*Task) { terminalCount++ })

	task.Succeed()
	task.Fail(bleevent.FailureTimedOut) // must be ignored: already terminal
	task.Cancel()                       // must be ignored too

	assert.Equal(t, StateSucceeded, task.State())
	assert.Equal(t, 1, terminalCount)
}

func TestTask_ExecuteSuccess(t *testing.T) {
	called := false
	task := newTestTask(Hooks{
		Execute: func(tk *Task, a bleadapter.StackAdapter) error {
			called = true
			return nil
		},
	})
	task.Execute(nil)
	assert.True(t, called)
	assert.Equal(t, StateExecuting, task.State())
}

func TestTask_ExecuteErrorFailsImmediately(t *testing.T) {
	task := newTestTask(Hooks{
		Execute: func(tk *Task, a bleadapter.StackAdapter) error {
			return errors.New("device not connected")
		},
	})
	task.Execute(nil)
	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, bleevent.FailureNotConnected, task.Failure())
}

func TestTask_NoExecuteHookResolvesNoOp(t *testing.T) {
	task := newTestTask(Hooks{})
	task.Execute(nil)
	assert.Equal(t, StateNoOp, task.State())
}

func TestTask_DispatchOnlyWhileExecuting(t *testing.T) {
	resolved := false
	task := newTestTask(Hooks{
		OnNativeEvent: func(tk *Task, e bleadapter.NativeEvent) bool {
			tk.Succeed()
			resolved = true
			return true
		},
	})

	consumed := task.Dispatch(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicRead})
	assert.False(t, consumed)
	assert.False(t, resolved)
}

func TestTask_DispatchConsumesDuringExecution(t *testing.T) {
	task := newTestTask(Hooks{
		Execute: func(tk *Task, a bleadapter.StackAdapter) error { return nil },
		OnNativeEvent: func(tk *Task, e bleadapter.NativeEvent) bool {
			tk.Succeed()
			return true
		},
	})
	task.Execute(nil)
	consumed := task.Dispatch(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicRead})
	assert.True(t, consumed)
	assert.Equal(t, StateSucceeded, task.State())
}

func TestTask_DeadlineExceeded(t *testing.T) {
	task := New(1, KindRead, PriorityMedium, "", time.Now().Add(-time.Second), Hooks{})
	assert.True(t, task.DeadlineExceeded(time.Now()))

	noDeadline := New(2, KindRead, PriorityMedium, "", time.Time{}, Hooks{})
	assert.False(t, noDeadline.DeadlineExceeded(time.Now()))
}

func TestDefaultIsCancellableBy_ConnectCancelsDisconnect(t *testing.T) {
	disc := New(1, KindDisconnect, PriorityCritical, "AA:BB:CC:00:01:02", time.Time{}, Hooks{})
	connect := New(2, KindConnect, PriorityHigh, "AA:BB:CC:00:01:02", time.Time{}, Hooks{})

	assert.True(t, DefaultIsCancellableBy(KindDisconnect, disc.Device, connect))
}

func TestDefaultIsCancellableBy_TurnBleOffCancelsMost(t *testing.T) {
	read := New(1, KindRead, PriorityMedium, "AA:BB:CC:00:01:02", time.Time{}, Hooks{})
	off := New(2, KindTurnBleOff, PriorityCritical, "", time.Time{}, Hooks{})

	assert.True(t, DefaultIsCancellableBy(KindRead, read.Device, off))

	crashResolver := New(3, KindCrashResolver, PriorityCritical, "", time.Time{}, Hooks{})
	assert.False(t, DefaultIsCancellableBy(crashResolver.Kind, crashResolver.Device, off))
}

func TestDefaultIsInterruptibleBy_ReliableWriteNeverInterrupted(t *testing.T) {
	critical := New(1, KindDisconnect, PriorityCritical, "d", time.Time{}, Hooks{})
	assert.False(t, DefaultIsInterruptibleBy(KindReliableWriteExecute, critical))
}

func TestDefaultIsInterruptibleBy_HigherPriorityPreempts(t *testing.T) {
	low := New(1, KindRead, PriorityLow, "d", time.Time{}, Hooks{})
	high := New(2, KindDisconnect, PriorityCritical, "d", time.Time{}, Hooks{})
	assert.True(t, DefaultIsInterruptibleBy(low.Kind, high))
	assert.False(t, DefaultIsInterruptibleBy(high.Kind, low))
}
