package blemanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/pkg/bleadapter"
	"github.com/srg/blecore/pkg/bleadapter/bleadaptertest"
	"github.com/srg/blecore/pkg/bleclock"
	"github.com/srg/blecore/pkg/bleconfig"
	"github.com/srg/blecore/pkg/bledevice"
	"github.com/srg/blecore/pkg/bleevent"
	"github.com/srg/blecore/pkg/blelisten"
	"github.com/srg/blecore/pkg/blestore"
	"github.com/srg/blecore/pkg/bletask"
	"github.com/srg/blecore/pkg/bletxn"
)

const testMAC = "AA:BB:CC:00:01:02"

// newTestManager wires a Manager to a bleclock.FakeClock so tests can
// drive ticks deterministically with Advance instead of racing a real
// ticker, mirroring pkg/blelisten/listen_test.go's TestDispatcher_DeliversViaPoster.
func newTestManager(t *testing.T, adapter bleadapter.StackAdapter) (*Manager, *bleclock.FakeClock) {
	t.Helper()
	cfg := bleconfig.DefaultConfig()
	m := newManager(cfg, adapter, nil, blestore.NewMemStore())
	fc := bleclock.NewFakeClock(time.Unix(0, 0), m.tick)
	m.clock = fc
	m.Dispatcher = blelisten.New(fc)
	return m, fc
}

func TestManager_ConnectSucceedsAfterServicesDiscovered(t *testing.T) {
	a := bleadaptertest.New()
	a.On("Connect", testMAC, true).Return(nil)
	m, fc := newTestManager(t, a)
	m.bleOn.Store(true)
	m.queue.SetBleOn(true)

	var connected []bool
	m.Dispatcher.Connect.Push(connectRecorder(func(device string, success bool) {
		connected = append(connected, success)
	}))

	ev := m.Connect(testMAC, true)
	assert.False(t, ev.IsNull)

	fc.Advance(10 * time.Millisecond) // drains Enqueue, arms+executes the connect task
	a.AssertCalled(t, "Connect", testMAC, true)

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtConnected, Device: testMAC, Handle: bleadapter.Handle(7)})
	fc.Advance(10 * time.Millisecond)
	assert.Empty(t, connected, "must not report success until services are discovered")

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtServicesDiscovered, Device: testMAC, Handle: bleadapter.Handle(7)})
	fc.Advance(10 * time.Millisecond) // resolves the task, posts DispatchConnect via the Dispatcher's poster
	fc.Advance(10 * time.Millisecond) // drains the posted DispatchConnect callback

	require.Len(t, connected, 1)
	assert.True(t, connected[0])

	h, ok := m.handleForDevice(testMAC)
	require.True(t, ok)
	assert.Equal(t, bleadapter.Handle(7), h)
}

func TestManager_ReadCharacteristicRejectsWhenNotConnected(t *testing.T) {
	m, _ := newTestManager(t, bleadaptertest.New())
	ev := m.ReadCharacteristic(testMAC, "180d", "2a37")
	assert.True(t, ev.IsNull)
	assert.Equal(t, bleevent.FailureNotConnected, ev.Reason)
}

func TestManager_ReadCharacteristicDeliversValueOnSuccess(t *testing.T) {
	a := bleadaptertest.New()
	a.On("ReadCharacteristic", bleadapter.Handle(3), "180d", "2a37").Return(nil)
	m, fc := newTestManager(t, a)
	m.setHandle(testMAC, bleadapter.Handle(3))
	m.queue.SetDeviceConnected(testMAC, true)

	var got bleevent.ReadWriteEvent
	m.Dispatcher.ReadWrite.Push(readWriteRecorder(func(e bleevent.ReadWriteEvent) { got = e }))

	ev := m.ReadCharacteristic(testMAC, "180d", "2a37")
	assert.False(t, ev.IsNull)
	fc.Advance(time.Millisecond)

	m.mailbox.Post(bleadapter.NativeEvent{
		Kind: bleadapter.EvtCharacteristicRead, Device: testMAC, Handle: bleadapter.Handle(3),
		ServiceUUID: "180d", CharUUID: "2a37", Data: []byte{0x01, 0x02},
	})
	fc.Advance(time.Millisecond) // resolves the task, posts DispatchReadWrite via the Dispatcher's poster
	fc.Advance(time.Millisecond) // drains the posted DispatchReadWrite callback

	assert.True(t, got.IsSuccess())
	assert.Equal(t, []byte{0x01, 0x02}, got.Data)

	val, ok := m.Device(testMAC).CachedValue("180d", "2a37")
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02}, val)
}

func TestManager_WriteCharacteristicRejectsWhenReliableWriteBufferFull(t *testing.T) {
	m, _ := newTestManager(t, bleadaptertest.New())
	m.setHandle(testMAC, bleadapter.Handle(1))
	d := m.Device(testMAC)
	d.BeginReliableWrite()
	for d.QueueReliableWrite([]byte{0x00}) {
	}

	ev := m.WriteCharacteristic(testMAC, "180d", "2a37", []byte{0x01}, bleadapter.WriteWithResponse)
	assert.True(t, ev.IsNull)
	assert.Equal(t, bleevent.FailureToSetValueOnTarget, ev.Reason)
}

func TestManager_UnsolicitedDisconnectTriggersShortTermReconnect(t *testing.T) {
	a := bleadaptertest.New()
	a.On("Connect", testMAC, mock.Anything).Return(nil)
	m, fc := newTestManager(t, a)
	m.bleOn.Store(true)
	m.queue.SetBleOn(true)
	m.setHandle(testMAC, bleadapter.Handle(9))
	m.queue.SetDeviceConnected(testMAC, true)

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtDisconnected, Device: testMAC})
	fc.Advance(time.Millisecond) // drains the disconnect, schedules a reconnect Connect() call
	fc.Advance(time.Millisecond) // drains the reconnect's Enqueue, arms+executes it

	_, stillHandled := m.handleForDevice(testMAC)
	assert.False(t, stillHandled, "handle must be cleared on unsolicited disconnect")
	a.AssertCalled(t, "Connect", testMAC, true)
}

func TestManager_BondFlowDispatchesBondEvent(t *testing.T) {
	a := bleadaptertest.New()
	a.On("CreateBond", testMAC).Return(nil)
	m, fc := newTestManager(t, a)

	var got bleevent.BondEvent
	var gotOK bool
	m.Dispatcher.Bond.Push(bondRecorder(func(e bleevent.BondEvent) { got, gotOK = e, true }))

	ev := m.Bond(testMAC)
	assert.False(t, ev.IsNull)
	fc.Advance(time.Millisecond)

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtBondStateChanged, Device: testMAC, Bonded: true})
	fc.Advance(time.Millisecond) // resolves the task, posts DispatchBond via the Dispatcher's poster
	fc.Advance(time.Millisecond) // drains the posted DispatchBond callback

	require.True(t, gotOK)
	assert.True(t, got.Bonded)
}

func TestManager_ResolveCrashSucceedsOnCompletionEvent(t *testing.T) {
	a := bleadaptertest.New()
	a.On("ForceCrashResolverFlush").Return(nil)
	m, fc := newTestManager(t, a)
	m.bleOn.Store(true)
	m.queue.SetBleOn(true)

	ev := m.ResolveCrash()
	assert.False(t, ev.IsNull)
	fc.Advance(time.Millisecond) // drains Enqueue, arms+executes the crash-resolver task
	a.AssertCalled(t, "ForceCrashResolverFlush")
	require.NotNil(t, m.queue.Executing(), "task stays EXECUTING until the completion event arrives")

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtCrashResolverComplete})
	fc.Advance(time.Millisecond) // resolves the task
	assert.Nil(t, m.queue.Executing())
}

func TestManager_DisconnectDeliversFailureEventsForPreemptedAndCancelledTasks(t *testing.T) {
	a := bleadaptertest.New()
	a.On("ReadCharacteristic", bleadapter.Handle(5), "180d", "2a37").Return(nil)
	a.On("Disconnect", bleadapter.Handle(5)).Return(nil)
	m, fc := newTestManager(t, a)
	m.setHandle(testMAC, bleadapter.Handle(5))
	m.queue.SetDeviceConnected(testMAC, true)

	var got []bleevent.ReadWriteEvent
	m.Dispatcher.ReadWrite.Push(readWriteRecorder(func(e bleevent.ReadWriteEvent) { got = append(got, e) }))

	readEv := m.ReadCharacteristic(testMAC, "180d", "2a37")
	assert.False(t, readEv.IsNull)
	fc.Advance(time.Millisecond) // drains Enqueue, arms+executes the read task

	writeEv := m.WriteCharacteristic(testMAC, "180d", "2a37", []byte{0x01}, bleadapter.WriteWithResponse)
	assert.False(t, writeEv.IsNull) // queued behind the executing read, same priority

	disconnectEv := m.Disconnect(testMAC)
	assert.False(t, disconnectEv.IsNull)
	fc.Advance(time.Millisecond) // Enqueue: interrupts the read, soft-cancels the queued write
	fc.Advance(time.Millisecond) // drains the posted ReadWrite dispatches

	// Enqueue cancels already-queued same-device tasks before it interrupts
	// the executing one, so the write's (soft-cancelled) event is posted
	// before the read's (interrupted) event.
	require.Len(t, got, 2)
	assert.Equal(t, bleevent.TypeWrite, got[0].Type)
	assert.Equal(t, bleevent.StatusFromFailure(bleevent.FailureCancelledFromDisconnect), got[0].Status)
	assert.Equal(t, bleevent.TypeRead, got[1].Type)
	assert.Equal(t, bleevent.StatusFromFailure(bleevent.FailureBusy), got[1].Status)
}

// connectDevice drives a device through Connect/EvtConnected/
// EvtServicesDiscovered so tests for what happens afterward don't have to
// repeat the handshake.
func connectDevice(t *testing.T, m *Manager, fc *bleclock.FakeClock, a *bleadaptertest.Adapter, mac string, h bleadapter.Handle) {
	t.Helper()
	m.bleOn.Store(true)
	m.queue.SetBleOn(true)
	a.On("Connect", mac, true).Return(nil).Maybe()
	m.Connect(mac, true)
	fc.Advance(time.Millisecond)
	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtConnected, Device: mac, Handle: h})
	fc.Advance(time.Millisecond)
	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtServicesDiscovered, Device: mac, Handle: h})
	fc.Advance(time.Millisecond)
	fc.Advance(time.Millisecond)
}

func TestManager_ConnectWithNoAuthInitConfiguredReachesInitialized(t *testing.T) {
	a := bleadaptertest.New()
	m, fc := newTestManager(t, a)

	connectDevice(t, m, fc, a, testMAC, bleadapter.Handle(1))

	assert.True(t, m.Device(testMAC).Mask().Has(bledevice.StateInitialized))
}

func TestManager_ConnectDrivesConfiguredAuthThenInitTransactions(t *testing.T) {
	a := bleadaptertest.New()
	m, fc := newTestManager(t, a)

	var order []string
	authStep := bletxn.Step{
		Kind:     bletask.KindTxnAuth,
		Priority: bletask.DefaultPriority(bletask.KindTxnAuth),
		Hooks: bletask.Hooks{
			Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
				order = append(order, "auth")
				t.Succeed()
				return nil
			},
		},
	}
	initStep := bletxn.Step{
		Kind:     bletask.KindTxnInit,
		Priority: bletask.DefaultPriority(bletask.KindTxnInit),
		Hooks: bletask.Hooks{
			Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
				order = append(order, "init")
				t.Succeed()
				return nil
			},
		},
	}
	m.ConfigureAuthTransaction([]bletxn.Step{authStep})
	m.ConfigureInitTransaction([]bletxn.Step{initStep})

	connectDevice(t, m, fc, a, testMAC, bleadapter.Handle(2))
	// connectDevice's last Advance already ran the auth step, whose success
	// posted the init step's Enqueue.
	fc.Advance(time.Millisecond) // drains the init step's Enqueue, arms+executes it
	fc.Advance(time.Millisecond) // nothing left to run

	require.Equal(t, []string{"auth", "init"}, order)
	d := m.Device(testMAC)
	assert.True(t, d.Mask().Has(bledevice.StateAuthenticated))
	assert.True(t, d.Mask().Has(bledevice.StateInitialized))
}

func TestManager_RunOtaTransactionWritesChunksInOrderAndClearsOtaBit(t *testing.T) {
	a := bleadaptertest.New()
	a.On("WriteCharacteristic", bleadapter.Handle(4), "180a", "2a50", []byte{0x01}, bleadapter.WriteWithResponse).Return(nil)
	a.On("WriteCharacteristic", bleadapter.Handle(4), "180a", "2a50", []byte{0x02}, bleadapter.WriteWithResponse).Return(nil)
	m, fc := newTestManager(t, a)
	connectDevice(t, m, fc, a, testMAC, bleadapter.Handle(4))
	require.True(t, m.Device(testMAC).Mask().Has(bledevice.StateInitialized))

	var states []bool
	m.Dispatcher.StateChange.Push(stateChangeRecorder(func(e bleevent.StateChangeEvent) {
		states = append(states, bledevice.Mask(e.NewMask).Has(bledevice.StatePerformingOta))
	}))

	tx := m.RunOtaTransaction(testMAC, "180a", "2a50", [][]byte{{0x01}, {0x02}}, bleadapter.WriteWithResponse)
	require.NotNil(t, tx)
	fc.Advance(time.Millisecond) // arms+executes chunk 1

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicWritten, Device: testMAC, Handle: bleadapter.Handle(4), ServiceUUID: "180a", CharUUID: "2a50"})
	fc.Advance(time.Millisecond) // chunk 1 succeeds, posts chunk 2's Enqueue
	fc.Advance(time.Millisecond) // drains chunk 2's Enqueue, arms+executes it

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicWritten, Device: testMAC, Handle: bleadapter.Handle(4), ServiceUUID: "180a", CharUUID: "2a50"})
	fc.Advance(time.Millisecond) // chunk 2 succeeds, transaction completes

	a.AssertCalled(t, "WriteCharacteristic", bleadapter.Handle(4), "180a", "2a50", []byte{0x01}, bleadapter.WriteWithResponse)
	a.AssertCalled(t, "WriteCharacteristic", bleadapter.Handle(4), "180a", "2a50", []byte{0x02}, bleadapter.WriteWithResponse)
	assert.False(t, m.Device(testMAC).Mask().Has(bledevice.StatePerformingOta), "PERFORMING_OTA must clear once the transaction completes")
	require.NotEmpty(t, states)
	assert.True(t, states[0], "PERFORMING_OTA must be observable once the OTA starts")
}

func TestManager_SetNotifyDispatchesEnablingEventAndFailsCleanlyWhenInterrupted(t *testing.T) {
	a := bleadaptertest.New()
	a.On("SetNotify", bleadapter.Handle(6), "180d", "2a37", true).Return(nil)
	a.On("SetNotify", bleadapter.Handle(6), "180d", "2a37", false).Return(nil)
	a.On("Disconnect", bleadapter.Handle(6)).Return(nil)
	m, fc := newTestManager(t, a)
	m.setHandle(testMAC, bleadapter.Handle(6))
	m.queue.SetDeviceConnected(testMAC, true)

	var got []bleevent.ReadWriteEvent
	m.Dispatcher.ReadWrite.Push(readWriteRecorder(func(e bleevent.ReadWriteEvent) { got = append(got, e) }))

	ev := m.SetNotify(testMAC, "180d", "2a37", true)
	assert.False(t, ev.IsNull)
	fc.Advance(time.Millisecond)

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtNotifyStateChanged, Device: testMAC, ServiceUUID: "180d", CharUUID: "2a37"})
	fc.Advance(time.Millisecond)
	fc.Advance(time.Millisecond)

	require.Len(t, got, 1)
	assert.Equal(t, bleevent.TypeEnablingNotification, got[0].Type)
	assert.True(t, got[0].IsSuccess())

	// A second Notify task on the same characteristic, still EXECUTING when
	// a CRITICAL Disconnect is enqueued, gets interrupted rather than
	// resolving through its own OnNativeEvent branch - the OnTerminal
	// fallback must still report it.
	got = nil
	m.SetNotify(testMAC, "180d", "2a37", false)
	fc.Advance(time.Millisecond)
	disc := m.Disconnect(testMAC)
	assert.False(t, disc.IsNull)
	fc.Advance(time.Millisecond)
	fc.Advance(time.Millisecond)

	require.NotEmpty(t, got)
	assert.Equal(t, bleevent.TypeDisablingNotification, got[0].Type)
	assert.False(t, got[0].IsSuccess())
}

func TestManager_TurnBleOffDisconnectsConnectedDevicesAndCancelsTasksWithBleOffReason(t *testing.T) {
	a := bleadaptertest.New()
	a.On("ReadCharacteristic", bleadapter.Handle(8), "180d", "2a37").Return(nil)
	m, fc := newTestManager(t, a)
	m.bleOn.Store(true)
	m.queue.SetBleOn(true)
	m.setHandle(testMAC, bleadapter.Handle(8))
	m.queue.SetDeviceConnected(testMAC, true)

	var got []bleevent.ReadWriteEvent
	m.Dispatcher.ReadWrite.Push(readWriteRecorder(func(e bleevent.ReadWriteEvent) { got = append(got, e) }))
	var states []bleevent.StateChangeEvent
	m.Dispatcher.StateChange.Push(stateChangeRecorder(func(e bleevent.StateChangeEvent) { states = append(states, e) }))

	readEv := m.ReadCharacteristic(testMAC, "180d", "2a37")
	assert.False(t, readEv.IsNull)
	fc.Advance(time.Millisecond) // arms+executes the read

	offEv := m.TurnBleOff()
	assert.False(t, offEv.IsNull)
	fc.Advance(time.Millisecond) // interrupts the read, disconnects the device
	fc.Advance(time.Millisecond) // drains posted dispatches

	require.Len(t, got, 1)
	assert.Equal(t, bleevent.StatusFromFailure(bleevent.FailureCancelledFromBleTurningOff), got[0].Status,
		"a task preempted by BLE turning off must report CANCELLED_FROM_BLE_TURNING_OFF, not BUSY")

	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.True(t, bledevice.Mask(last.NewMask).Has(bledevice.StateBleDisconnected))
	assert.Equal(t, bleevent.IntentUnintentional, last.Intent)

	_, stillHandled := m.handleForDevice(testMAC)
	assert.False(t, stillHandled, "handle must be released when BLE turns off")
}

func TestManager_ForceReadTimeoutIssuesSyntheticNotificationAfterStall(t *testing.T) {
	a := bleadaptertest.New()
	a.On("SetNotify", bleadapter.Handle(10), "180d", "2a37", true).Return(nil)
	a.On("ReadCharacteristic", bleadapter.Handle(10), "180d", "2a37").Return(nil)

	cfg := bleconfig.DefaultConfig()
	cfg.ForceReadTimeout = 50 * time.Millisecond
	m := newManager(cfg, a, nil, blestore.NewMemStore())
	fc := bleclock.NewFakeClock(time.Unix(0, 0), m.tick)
	m.clock = fc
	m.Dispatcher = blelisten.New(fc)
	m.setHandle(testMAC, bleadapter.Handle(10))
	m.queue.SetDeviceConnected(testMAC, true)

	var notifications []bleevent.NotificationEvent
	m.Dispatcher.Notification.Push(notificationRecorder(func(e bleevent.NotificationEvent) { notifications = append(notifications, e) }))

	m.SetNotify(testMAC, "180d", "2a37", true)
	fc.Advance(time.Millisecond) // arms+executes the Notify task

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtNotifyStateChanged, Device: testMAC, ServiceUUID: "180d", CharUUID: "2a37"})
	fc.Advance(time.Millisecond) // Notify succeeds, posts the force-read task's Enqueue
	fc.Advance(time.Millisecond) // drains that Enqueue, starts the force-read countdown

	fc.Advance(60 * time.Millisecond) // elapses the 50ms window, issues the synthetic read

	a.AssertCalled(t, "ReadCharacteristic", bleadapter.Handle(10), "180d", "2a37")

	m.mailbox.Post(bleadapter.NativeEvent{Kind: bleadapter.EvtCharacteristicRead, Device: testMAC, ServiceUUID: "180d", CharUUID: "2a37", Data: []byte{0x09}})
	fc.Advance(time.Millisecond)
	fc.Advance(time.Millisecond)

	require.Len(t, notifications, 1)
	assert.Equal(t, bleevent.TypePseudoNotification, notifications[0].Type)
	assert.Equal(t, []byte{0x09}, notifications[0].Data)
}

// --- tiny recorder adapters implementing the blelisten listener interfaces ---

type connectRecorder func(device string, success bool)

func (f connectRecorder) OnConnect(device string, success bool) { f(device, success) }

type readWriteRecorder func(bleevent.ReadWriteEvent)

func (f readWriteRecorder) OnReadWrite(e bleevent.ReadWriteEvent) { f(e) }

type bondRecorder func(bleevent.BondEvent)

func (f bondRecorder) OnBond(e bleevent.BondEvent) { f(e) }

type stateChangeRecorder func(bleevent.StateChangeEvent)

func (f stateChangeRecorder) OnStateChange(e bleevent.StateChangeEvent) { f(e) }

type notificationRecorder func(bleevent.NotificationEvent)

func (f notificationRecorder) OnNotification(e bleevent.NotificationEvent) { f(e) }
