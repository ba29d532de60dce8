// Package blemanager wires every other pkg/ble* package into the single
// aggregate an application actually talks to (spec section 1's "Manager":
// owns the clock, queue, device table, adapter, and dispatcher, and is the
// sole surface applications call through). Every exported method is safe
// to call from any goroutine: mutating work is handed to the Clock's
// run_or_post so it only ever touches scheduler state from the update
// worker (spec section 4.1), the same discipline pkg/blequeue documents.
package blemanager

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/pkg/bleadapter"
	"github.com/srg/blecore/pkg/bleclock"
	"github.com/srg/blecore/pkg/bleconfig"
	"github.com/srg/blecore/pkg/bledevice"
	"github.com/srg/blecore/pkg/bleevent"
	"github.com/srg/blecore/pkg/blelisten"
	"github.com/srg/blecore/pkg/blequeue"
	"github.com/srg/blecore/pkg/blereconnect"
	"github.com/srg/blecore/pkg/blescan"
	"github.com/srg/blecore/pkg/blestore"
	"github.com/srg/blecore/pkg/bletask"
	"github.com/srg/blecore/pkg/bletxn"
)

// Clock is the subset of bleclock.Clock's behavior Manager depends on.
// bleclock.FakeClock satisfies it too, so tests can drive tick
// deterministically instead of racing a real ticker (the same
// decoupling pkg/blelisten.Poster uses for Dispatcher).
type Clock interface {
	RunOrPost(fn func())
	Start(ctx context.Context)
	Stop()
}

// Manager is the scheduler core: one Clock-driven worker, one Queue, one
// device table, and the listener Dispatcher applications subscribe to.
type Manager struct {
	cfg     *bleconfig.Config
	logger  *logrus.Logger
	adapter bleadapter.StackAdapter
	store   blestore.HistoricalStore

	clock      Clock
	queue      *blequeue.Queue
	mailbox    *bleadapter.Mailbox
	Dispatcher *blelisten.Dispatcher

	devices     *hashmap.Map[string, *bledevice.Device]
	reconnects  *hashmap.Map[string, *blereconnect.Controller]
	handles     *hashmap.Map[string, bleadapter.Handle]
	handleToMAC *hashmap.Map[bleadapter.Handle, string]
	txns        *hashmap.Map[string, *bletxn.Transaction]

	// authSteps/initSteps are the Transaction Composer sequences run
	// automatically once SERVICES_DISCOVERED fires (spec section 4.5);
	// nil means "no transaction configured" for that phase. Set these
	// before Start via ConfigureAuthTransaction/ConfigureInitTransaction -
	// like cfg, they're update-worker-only state, not safe to mutate
	// concurrently with a running Manager.
	authSteps []bletxn.Step
	initSteps []bletxn.Step

	// forceReads tracks the S5 force-read countdown per characteristic
	// currently subscribed with a configured ForceReadTimeout, keyed by
	// forceReadKey. Touched only from the update worker (tick, task hooks),
	// so it needs no lock of its own - the same discipline blequeue.Queue
	// documents for its own mutation methods.
	forceReads map[string]*forceReadState

	nextTaskID uint64
	bleOn      atomic.Bool
	lastTick   time.Time
}

// New creates a Manager. mailbox must be the same Mailbox the adapter was
// constructed with (pkg/bleadapter/goble.New takes one explicitly) so the
// NativeEvents it posts are the ones this Manager's tick drains; store is
// blestore.MemStore or a real persistence layer. This keeps blemanager
// itself stack-agnostic (spec section 6: "Stack Adapter, the only
// external coupling").
func New(cfg *bleconfig.Config, adapter bleadapter.StackAdapter, mailbox *bleadapter.Mailbox, store blestore.HistoricalStore) *Manager {
	m := newManager(cfg, adapter, mailbox, store)
	m.clock = bleclock.New(m.cfg.AutoUpdateRate, m.tick, m.logger)
	m.Dispatcher = blelisten.New(m.clock)
	return m
}

func newManager(cfg *bleconfig.Config, adapter bleadapter.StackAdapter, mailbox *bleadapter.Mailbox, store blestore.HistoricalStore) *Manager {
	if cfg == nil {
		cfg = bleconfig.DefaultConfig()
	}
	logger := cfg.NewLogger()
	if mailbox == nil {
		mailbox = bleadapter.NewMailbox(1024)
	}

	return &Manager{
		cfg:         cfg,
		logger:      logger,
		adapter:     adapter,
		store:       store,
		mailbox:     mailbox,
		queue:       blequeue.New(logger),
		devices:     hashmap.New[string, *bledevice.Device](),
		reconnects:  hashmap.New[string, *blereconnect.Controller](),
		handles:     hashmap.New[string, bleadapter.Handle](),
		handleToMAC: hashmap.New[bleadapter.Handle, string](),
		txns:        hashmap.New[string, *bletxn.Transaction](),
		forceReads:  make(map[string]*forceReadState),
	}
}

// ConfigureAuthTransaction/ConfigureInitTransaction set the step sequences
// driveAuthInit runs automatically once a device's services are discovered
// (spec section 4.5). Call before Start; passing nil steps (the default)
// means that phase is not configured and is skipped straight through to the
// next one.
func (m *Manager) ConfigureAuthTransaction(steps []bletxn.Step) { m.authSteps = steps }
func (m *Manager) ConfigureInitTransaction(steps []bletxn.Step) { m.initSteps = steps }

// Start launches the update worker. Call once.
func (m *Manager) Start(ctx context.Context) { m.clock.Start(ctx) }

// Stop halts the update worker, blocking until it has exited.
func (m *Manager) Stop() { m.clock.Stop() }

func (m *Manager) nextID() bletask.ID {
	return bletask.ID(atomic.AddUint64(&m.nextTaskID, 1))
}

// submit enqueues t from whatever goroutine called a public method,
// run_or_post'd onto the worker (spec section 4.1).
func (m *Manager) submit(t *bletask.Task) {
	m.clock.RunOrPost(func() { m.queue.Enqueue(t) })
}

func (m *Manager) reconnectController(mac string) *blereconnect.Controller {
	c, _ := m.reconnects.GetOrInsert(mac, blereconnect.NewController(blereconnect.Policy{
		ShortTermTimeout: m.cfg.ReconnectFilterShortTermTimeout,
		LongTermTimeout:  m.cfg.ReconnectFilterLongTermTimeout,
	}))
	return c
}

// Device returns the tracked Device for mac, creating it (in its zero,
// undiscovered state) if this is the first time mac has been seen.
func (m *Manager) Device(mac string) *bledevice.Device {
	d, _ := m.devices.GetOrInsert(mac, bledevice.New(bledevice.MAC(mac), m.deviceConfig()))
	return d
}

// deviceConfig projects the global configuration onto the per-device
// overrides spec section 3 describes ("Configuration (overrides from
// global)"): every new Device starts from the Manager's tunables rather
// than bledevice's own package defaults.
func (m *Manager) deviceConfig() bledevice.Config {
	return bledevice.Config{
		NForAverageRunningReadTime:  m.cfg.NForAverageRunningReadTime,
		NForAverageRunningWriteTime: m.cfg.NForAverageRunningWriteTime,
		ForceReadTimeout:            m.cfg.ForceReadTimeout,
		ReliableWriteBufferCap:      m.cfg.ReliableWriteBufferCap,
		GattWriteMTUOverhead:        m.cfg.GattWriteMTUOverhead,
	}
}

func (m *Manager) handleForDevice(mac string) (bleadapter.Handle, bool) {
	return m.handles.Get(mac)
}

func (m *Manager) setHandle(mac string, h bleadapter.Handle) {
	m.handles.Insert(mac, h)
	m.handleToMAC.Insert(h, mac)
}

func (m *Manager) clearHandle(mac string) {
	if h, ok := m.handles.Get(mac); ok {
		m.handleToMAC.Del(h)
	}
	m.handles.Del(mac)
}

// ---------------------------------------------------------------------
// Tick: the update worker's per-interval body (spec section 4.1/5).
// ---------------------------------------------------------------------

func (m *Manager) tick(now time.Time) {
	var dt time.Duration
	if !m.lastTick.IsZero() {
		dt = now.Sub(m.lastTick)
	}
	m.lastTick = now

	for _, e := range m.mailbox.Drain() {
		m.handleNativeEvent(now, e)
	}
	m.queue.UpdateExecuting(dt)
	m.queue.Advance(now, m.adapter)
}

// handleNativeEvent routes one NativeEvent. Events that resolve an
// in-flight Task go through queue.Dispatch so only the EXECUTING task for
// that device ever sees them (spec section 4.3); events with no
// corresponding task (advertisements, spontaneous disconnects,
// notifications) are handled directly here.
func (m *Manager) handleNativeEvent(now time.Time, e bleadapter.NativeEvent) {
	switch e.Kind {
	case bleadapter.EvtAdvertisement:
		m.handleAdvertisement(now, e)
		return
	case bleadapter.EvtNotification:
		m.handleNotification(now, e)
		return
	}

	consumed := m.queue.Dispatch(e)

	if e.Kind == bleadapter.EvtDisconnected && !consumed {
		m.handleUnsolicitedDisconnect(now, e)
	}
}

func (m *Manager) handleAdvertisement(now time.Time, e bleadapter.NativeEvent) {
	rec := blescan.Decode(blescan.Advertisement{
		Addr:             e.Device,
		ManufacturerData: e.Data,
		RSSI:             derefInt(e.RSSI),
	})
	d := m.Device(e.Device)
	scanRec := bledevice.ScanRecord{
		Raw:                rec.ManufacturerData,
		ManufacturerData:   rec.ManufacturerData,
		ManufacturerID:     rec.ManufacturerID,
		AdvertisedServices: rec.AdvertisedServices,
		TxPowerLevel:       rec.TxPowerLevel,
		At:                 now,
	}
	if ev, changed := d.Discover(scanRec, rec.RSSI, now); changed {
		m.Dispatcher.DispatchStateChange(ev)
	}
	m.Dispatcher.DispatchDiscovery(bleevent.DiscoveryEvent{Device: e.Device, Lifecycle: bleevent.LifecycleDiscovered, At: now})
}

func (m *Manager) handleNotification(now time.Time, e bleadapter.NativeEvent) {
	d := m.Device(e.Device)
	d.SetCachedValue(e.ServiceUUID, e.CharUUID, e.Data)
	m.resetForceRead(e.Device, e.ServiceUUID, e.CharUUID)
	m.Dispatcher.DispatchNotification(bleevent.NotificationEvent{
		Device: e.Device, ServiceUUID: e.ServiceUUID, CharUUID: e.CharUUID,
		Type: bleevent.TypeNotification, Data: e.Data, At: now,
	})
	go func() {
		_ = m.store.AppendSamples(context.Background(), []blestore.Sample{{
			Device: e.Device, CharUUID: e.CharUUID, Value: e.Data, At: now,
		}})
	}()
}

func (m *Manager) handleUnsolicitedDisconnect(now time.Time, e bleadapter.NativeEvent) {
	d := m.Device(e.Device)
	if ev, changed := d.UnexpectedDisconnect(now); changed {
		m.Dispatcher.DispatchStateChange(ev)
		if d.Mask().Has(bledevice.StateBleDisconnected) {
			m.persistDisconnectIntent(e.Device, bleevent.IntentUnintentional, now)
		}
	}
	m.queue.SetDeviceConnected(e.Device, false)
	m.queue.CancelDevice(e.Device, true)
	m.clearHandle(e.Device)

	rc := m.reconnectController(e.Device)
	rc.EnterShortTerm(now)
	m.Dispatcher.DispatchReconnectFailed(bleevent.ConnectFailEvent{Device: e.Device, Status: bleevent.FailureRogueDisconnect, At: now})
	m.scheduleReconnectAttempt(e.Device, true)
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// ---------------------------------------------------------------------
// Public application API (spec section 7). Every method returns a
// synchronous bleevent.Event; asynchronous outcomes reach the caller
// through Dispatcher listeners.
// ---------------------------------------------------------------------

// TurnBleOn / TurnBleOff toggle the adapter-level precondition
// blequeue.Queue.SetBleOn gates every task on.
func (m *Manager) TurnBleOn() bleevent.Event {
	t := bletask.New(0, bletask.KindTurnBleOn, bletask.PriorityCritical, "", time.Time{}, bletask.Hooks{
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			m.bleOn.Store(true)
			m.queue.SetBleOn(true)
			t.Succeed()
			return nil
		},
	})
	t.ID = m.nextID()
	m.submit(t)
	return bleevent.PendingEvent()
}

func (m *Manager) TurnBleOff() bleevent.Event {
	t := bletask.New(0, bletask.KindTurnBleOff, bletask.PriorityCritical, "", time.Time{}, bletask.Hooks{
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			m.disconnectAllForBleOff()
			m.bleOn.Store(false)
			m.queue.SetBleOn(false)
			t.Succeed()
			return nil
		},
	})
	t.ID = m.nextID()
	m.submit(t)
	return bleevent.PendingEvent()
}

// disconnectAllForBleOff force-disconnects every currently-handled device
// when the adapter turns off (spec S6): each drops straight to
// BLE_DISCONNECTED with intent UNINTENTIONAL and releases its handle. The
// one task that may have been EXECUTING for a device was already preempted
// generically when this TurnBleOff task was enqueued (blequeue.Queue's
// priority-interrupt path, tagged InterruptedBy=KindTurnBleOff so
// terminalFailure reports CANCELLED_FROM_BLE_TURNING_OFF instead of BUSY);
// this only needs to clear the rest of each device's queued work.
func (m *Manager) disconnectAllForBleOff() {
	var macs []string
	m.handles.Range(func(mac string, _ bleadapter.Handle) bool {
		macs = append(macs, mac)
		return true
	})

	now := time.Now()
	for _, mac := range macs {
		d := m.Device(mac)
		if ev, changed := d.Disconnect(bleevent.IntentUnintentional, now); changed {
			m.Dispatcher.DispatchStateChange(ev)
		}
		m.persistDisconnectIntent(mac, bleevent.IntentUnintentional, now)
		m.queue.SetDeviceConnected(mac, false)
		m.queue.CancelDevice(mac, false) // hard-cancelled: terminalFailure maps StateCancelled to CANCELLED_FROM_BLE_TURNING_OFF
		m.clearHandle(mac)
	}
}

// ResolveCrash submits the CRITICAL crash-resolver task (spec section
// 4.8): it asks the adapter to force-flush the native stack and waits
// for EvtCrashResolverComplete before resolving. It is not cancellable
// by an implicit BLE-off that it is itself resolving
// (bletask.DefaultIsCancellableBy denies KindTurnBleOff cancelling a
// KindCrashResolver already in flight).
func (m *Manager) ResolveCrash() bleevent.Event {
	t := bletask.New(0, bletask.KindCrashResolver, bletask.PriorityCritical, "", time.Now().Add(bletask.DefaultTimeout(bletask.KindCrashResolver)), bletask.Hooks{
		RequiresBleOn: true,
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			return adapter.ForceCrashResolverFlush()
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.Kind != bleadapter.EvtCrashResolverComplete {
				return false
			}
			t.Succeed()
			return true
		},
	})
	t.ID = m.nextID()
	m.submit(t)
	return bleevent.PendingEvent()
}

// StartScan begins scanning for advertisements, surfaced as
// EvtAdvertisement NativeEvents and decoded via pkg/blescan.
func (m *Manager) StartScan(params bleadapter.ScanParams) bleevent.Event {
	t := bletask.New(0, bletask.KindScan, bletask.PriorityMedium, "", time.Time{}, bletask.Hooks{
		RequiresBleOn: true,
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			if err := adapter.StartScan(params); err != nil {
				return err
			}
			t.Succeed()
			return nil
		},
	})
	t.ID = m.nextID()
	m.submit(t)
	return bleevent.PendingEvent()
}

func (m *Manager) StopScan() bleevent.Event {
	t := bletask.New(0, bletask.KindScan, bletask.PriorityMedium, "", time.Time{}, bletask.Hooks{
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			if err := adapter.StopScan(); err != nil {
				return err
			}
			t.Succeed()
			return nil
		},
	})
	t.ID = m.nextID()
	m.submit(t)
	return bleevent.PendingEvent()
}

// Connect issues a connect attempt, discovering services as part of the
// same Task (pkg/bleadapter/goble.Adapter.Connect posts both
// EvtConnected and EvtServicesDiscovered for one call), then marks the
// device reachable for every other task's RequiresConnection precondition.
func (m *Manager) Connect(mac string, autoConnect bool) bleevent.Event {
	d := m.Device(mac)

	t := bletask.New(0, bletask.KindConnect, bletask.PriorityHigh, mac, time.Now().Add(bletask.DefaultTimeout(bletask.KindConnect)), bletask.Hooks{
		RequiresBleOn: true,
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			d.BeginConnecting(time.Now())
			return adapter.Connect(mac, autoConnect)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			switch e.Kind {
			case bleadapter.EvtConnected:
				m.setHandle(mac, e.Handle)
				if ev, changed := d.ConnectSucceeded(time.Now()); changed {
					m.Dispatcher.DispatchStateChange(ev)
				}
				return false // still waiting for EvtServicesDiscovered
			case bleadapter.EvtServicesDiscovered:
				d.BeginDiscoveringServices(time.Now())
				if ev, changed := d.ServicesDiscovered(time.Now()); changed {
					m.Dispatcher.DispatchStateChange(ev)
				}
				m.queue.SetDeviceConnected(mac, true)
				m.reconnectController(mac).Reset()
				m.Dispatcher.DispatchConnect(mac, true)
				t.Succeed()
				m.driveAuthInit(mac)
				return true
			case bleadapter.EvtConnectFailed, bleadapter.EvtDisconnected:
				t.Fail(e.Failure())
				m.Dispatcher.DispatchConnect(mac, false)
				m.reconnectFromFailure(mac, e.Failure())
				return true
			default:
				return false
			}
		},
	})
	t.ID = m.nextID()
	t.Explicit = true
	t.OnTerminal(func(t *bletask.Task) {
		if kind, ok := terminalFailure(t); ok {
			m.Dispatcher.DispatchConnect(mac, false)
			m.reconnectFromFailure(mac, kind)
		}
	})
	m.submit(t)
	return bleevent.PendingEvent()
}

func (m *Manager) reconnectFromFailure(mac string, status bleevent.FailureKind) {
	rc := m.reconnectController(mac)
	out := rc.Decide(bleevent.ConnectFailEvent{Device: mac, Status: status}, time.Now())
	switch out.Decision {
	case blereconnect.DecisionRetryNow:
		m.Connect(mac, !out.FlipAutoConnect)
	case blereconnect.DecisionRetryAfterDelay:
		m.scheduleReconnectAttemptAfter(mac, out.RetryAfter)
	case blereconnect.DecisionGiveUp:
		m.Dispatcher.DispatchReconnectFailed(bleevent.ConnectFailEvent{Device: mac, Status: status, At: time.Now()})
		d := m.Device(mac)
		now := time.Now()
		if ev, changed := d.Disconnect(bleevent.IntentUnintentional, now); changed {
			m.Dispatcher.DispatchStateChange(ev)
		}
		m.persistDisconnectIntent(mac, bleevent.IntentUnintentional, now)
	}
}

// persistDisconnectIntent honors manage_last_disconnect_on_disk (spec
// section 3: "every transition into BLE_DISCONNECTED persists a
// ChangeIntent keyed by MAC"). Runs on a background goroutine like
// handleNotification's store write, since persistence must never block
// the update worker.
func (m *Manager) persistDisconnectIntent(mac string, intent bleevent.Intent, now time.Time) {
	if !m.cfg.ManageLastDisconnectOnDisk {
		return
	}
	go func() {
		ctx := context.Background()
		state, _, err := m.store.LoadDeviceState(ctx, mac)
		if err != nil {
			m.logger.WithError(err).WithField("device", mac).Warn("load device state for disconnect-intent persistence")
			return
		}
		state.LastDisconnectIntent = intent
		if err := m.store.SaveDeviceState(ctx, mac, state); err != nil {
			m.logger.WithError(err).WithField("device", mac).Warn("persist disconnect intent")
		}
	}()
}

func (m *Manager) scheduleReconnectAttempt(mac string, autoConnect bool) {
	m.scheduleReconnectAttemptAfter(mac, 0)
}

func (m *Manager) scheduleReconnectAttemptAfter(mac string, delay time.Duration) {
	if delay <= 0 {
		m.Connect(mac, true)
		return
	}
	time.AfterFunc(delay, func() { m.Connect(mac, true) })
}

// Disconnect issues an explicit disconnect, cancelling every other queued
// task for the device (spec section 5).
func (m *Manager) Disconnect(mac string) bleevent.Event {
	d := m.Device(mac)
	h, ok := m.handleForDevice(mac)
	if !ok {
		return bleevent.RejectedEvent(bleevent.FailureNotConnected)
	}

	t := bletask.New(0, bletask.KindDisconnect, bletask.PriorityCritical, mac, time.Now().Add(bletask.DefaultTimeout(bletask.KindDisconnect)), bletask.Hooks{
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			return adapter.Disconnect(h)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.Kind != bleadapter.EvtDisconnected {
				return false
			}
			now := time.Now()
			if ev, changed := d.Disconnect(bleevent.IntentIntentional, now); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			m.persistDisconnectIntent(mac, bleevent.IntentIntentional, now)
			m.queue.SetDeviceConnected(mac, false)
			m.clearHandle(mac)
			m.queue.CancelDevice(mac, true)
			t.Succeed()
			return true
		},
	})
	t.ID = m.nextID()
	t.Explicit = true
	t.OnTerminal(func(t *bletask.Task) {
		if _, ok := terminalFailure(t); !ok {
			return
		}
		// Even if the stack never confirms the disconnect, the device must
		// not be left straddling a stale handle (spec section 5: handles
		// release deterministically on every terminal path).
		now := time.Now()
		if ev, changed := d.Disconnect(bleevent.IntentIntentional, now); changed {
			m.Dispatcher.DispatchStateChange(ev)
		}
		m.persistDisconnectIntent(mac, bleevent.IntentIntentional, now)
		m.queue.SetDeviceConnected(mac, false)
		m.clearHandle(mac)
	})
	m.submit(t)
	return bleevent.PendingEvent()
}

// ReadCharacteristic issues a GATT read (spec section 4.2/7).
func (m *Manager) ReadCharacteristic(mac, serviceUUID, charUUID string) bleevent.Event {
	h, ok := m.handleForDevice(mac)
	if !ok {
		return bleevent.RejectedEvent(bleevent.FailureNotConnected)
	}
	start := time.Now()
	d := m.Device(mac)

	t := bletask.New(0, bletask.KindRead, bletask.PriorityMedium, mac, time.Now().Add(bletask.DefaultTimeout(bletask.KindRead)), bletask.Hooks{
		RequiresConnection: true,
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			return adapter.ReadCharacteristic(h, serviceUUID, charUUID)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.ServiceUUID != serviceUUID || e.CharUUID != charUUID {
				return false
			}
			switch e.Kind {
			case bleadapter.EvtCharacteristicRead:
				d.RecordReadTime(time.Since(start))
				d.SetCachedValue(serviceUUID, charUUID, e.Data)
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: bleevent.TypeRead, Status: bleevent.StatusSuccess, Data: e.Data,
					TimeTotal: time.Since(start), At: time.Now(),
				})
				t.Succeed()
				return true
			case bleadapter.EvtCharacteristicReadFailed:
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: bleevent.TypeRead, Status: bleevent.StatusFromFailure(e.Failure()), At: time.Now(),
				})
				t.Fail(e.Failure())
				return true
			default:
				return false
			}
		},
	})
	t.ID = m.nextID()
	t.Explicit = true
	t.Fingerprint = bletask.Fingerprint{ServiceUUID: serviceUUID, CharUUID: charUUID}
	t.OnTerminal(func(t *bletask.Task) {
		if kind, ok := terminalFailure(t); ok {
			m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
				Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
				Type: bleevent.TypeRead, Status: bleevent.StatusFromFailure(kind), At: time.Now(),
			})
		}
	})
	m.submit(t)
	return bleevent.PendingEvent()
}

// WriteCharacteristic issues a GATT write, honoring a reliable-write
// session opened via BeginReliableWrite if one is active for this device
// (spec section 4.2: "reliable write session buffers writes until
// execute/abort").
func (m *Manager) WriteCharacteristic(mac, serviceUUID, charUUID string, value []byte, wt bleadapter.WriteType) bleevent.Event {
	h, ok := m.handleForDevice(mac)
	if !ok {
		return bleevent.RejectedEvent(bleevent.FailureNotConnected)
	}
	start := time.Now()
	d := m.Device(mac)

	if d.ReliableWriteState() == bledevice.ReliableWriteOpen {
		if !d.QueueReliableWrite(value) {
			return bleevent.RejectedEvent(bleevent.FailureToSetValueOnTarget)
		}
	}

	t := bletask.New(0, bletask.KindWrite, bletask.PriorityMedium, mac, time.Now().Add(bletask.DefaultTimeout(bletask.KindWrite)), bletask.Hooks{
		RequiresConnection: true,
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			return adapter.WriteCharacteristic(h, serviceUUID, charUUID, value, wt)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.ServiceUUID != serviceUUID || e.CharUUID != charUUID {
				return false
			}
			switch e.Kind {
			case bleadapter.EvtCharacteristicWritten:
				d.RecordWriteTime(time.Since(start))
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: bleevent.TypeWrite, Status: bleevent.StatusSuccess, TimeTotal: time.Since(start), At: time.Now(),
				})
				t.Succeed()
				return true
			case bleadapter.EvtCharacteristicWriteFailed:
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: bleevent.TypeWrite, Status: bleevent.StatusFromFailure(e.Failure()), At: time.Now(),
				})
				t.Fail(e.Failure())
				return true
			default:
				return false
			}
		},
	})
	t.ID = m.nextID()
	t.Explicit = true
	t.Fingerprint = bletask.Fingerprint{ServiceUUID: serviceUUID, CharUUID: charUUID}
	t.OnTerminal(func(t *bletask.Task) {
		if kind, ok := terminalFailure(t); ok {
			m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
				Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
				Type: bleevent.TypeWrite, Status: bleevent.StatusFromFailure(kind), At: time.Now(),
			})
		}
	})
	m.submit(t)
	return bleevent.PendingEvent()
}

// SetNotify enables or disables notifications for a characteristic. When
// enabling with ForceReadTimeout configured, a successful enable arms a
// background countdown (spec section 6 `force_read_timeout`, S5) that
// issues a synthetic PSEUDO_NOTIFICATION read if no native notification
// resets it in time.
func (m *Manager) SetNotify(mac, serviceUUID, charUUID string, enabled bool) bleevent.Event {
	h, ok := m.handleForDevice(mac)
	if !ok {
		return bleevent.RejectedEvent(bleevent.FailureNotConnected)
	}
	d := m.Device(mac)
	rwType := bleevent.TypeDisablingNotification
	if enabled {
		rwType = bleevent.TypeEnablingNotification
	}

	t := bletask.New(0, bletask.KindNotify, bletask.PriorityMedium, mac, time.Now().Add(bletask.DefaultTimeout(bletask.KindNotify)), bletask.Hooks{
		RequiresConnection: true,
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			return adapter.SetNotify(h, serviceUUID, charUUID, enabled)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.ServiceUUID != serviceUUID || e.CharUUID != charUUID {
				return false
			}
			switch e.Kind {
			case bleadapter.EvtNotifyStateChanged:
				if enabled {
					d.SetNotifyState(serviceUUID, charUUID, bledevice.NotifyEnabled)
					if to := d.ForceReadTimeout(); to > 0 {
						m.armForceRead(mac, serviceUUID, charUUID, to)
					}
				} else {
					d.SetNotifyState(serviceUUID, charUUID, bledevice.NotifyDisabled)
					delete(m.forceReads, forceReadKey(mac, serviceUUID, charUUID))
				}
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: rwType, Status: bleevent.StatusSuccess, At: time.Now(),
				})
				t.Succeed()
				return true
			case bleadapter.EvtNotifyStateChangeFailed:
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: rwType, Status: bleevent.StatusFromFailure(e.Failure()), At: time.Now(),
				})
				t.Fail(e.Failure())
				return true
			default:
				return false
			}
		},
	})
	t.ID = m.nextID()
	t.Explicit = true
	t.Fingerprint = bletask.Fingerprint{ServiceUUID: serviceUUID, CharUUID: charUUID}
	t.OnTerminal(func(t *bletask.Task) {
		if kind, ok := terminalFailure(t); ok {
			m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
				Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
				Type: rwType, Status: bleevent.StatusFromFailure(kind), At: time.Now(),
			})
		}
	})
	m.submit(t)
	return bleevent.PendingEvent()
}

// forceReadState is the per-characteristic S5 countdown state: elapsed
// accumulates Update ticks while a notify subscription is live, fired
// latches once the synthetic read has been issued so a slow response
// doesn't retrigger it.
type forceReadState struct {
	elapsed time.Duration
	fired   bool
}

func forceReadKey(mac, serviceUUID, charUUID string) string {
	return mac + "/" + serviceUUID + "/" + charUUID
}

// resetForceRead clears a characteristic's force-read countdown, called
// whenever a real native notification arrives for it (spec S5: the
// synthetic read only fires after a notification-free window).
func (m *Manager) resetForceRead(mac, serviceUUID, charUUID string) {
	if st, ok := m.forceReads[forceReadKey(mac, serviceUUID, charUUID)]; ok {
		st.elapsed = 0
		st.fired = false
	}
}

// armForceRead starts the force_read_timeout countdown for a characteristic
// just subscribed to. It runs as a low-priority background Task whose
// Update hook counts elapsed EXECUTING time instead of making a stack call
// up front (spec section 9: Update "used for polling semantics, e.g. the
// S5 force-read-timeout"); once the window elapses it issues the read
// itself and reports the result as a NOTIFICATION event rather than a
// ReadWrite one, matching a real notification's shape.
func (m *Manager) armForceRead(mac, serviceUUID, charUUID string, timeout time.Duration) {
	key := forceReadKey(mac, serviceUUID, charUUID)
	st := &forceReadState{}
	m.forceReads[key] = st

	t := bletask.New(0, bletask.KindForceRead, bletask.PriorityLow, mac,
		time.Now().Add(timeout+bletask.DefaultTimeout(bletask.KindRead)), bletask.Hooks{
			RequiresConnection: true,
			Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
				return nil // just arms the countdown; Update drives the actual read
			},
			Update: func(t *bletask.Task, dt time.Duration) {
				if st.fired {
					return
				}
				st.elapsed += dt
				if st.elapsed < timeout {
					return
				}
				st.fired = true
				h, ok := m.handleForDevice(mac)
				if !ok {
					t.Fail(bleevent.FailureNotConnected)
					return
				}
				if err := m.adapter.ReadCharacteristic(h, serviceUUID, charUUID); err != nil {
					t.Fail(bleadapter.NormalizeError(err))
				}
			},
			OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
				if e.ServiceUUID != serviceUUID || e.CharUUID != charUUID {
					return false
				}
				switch e.Kind {
				case bleadapter.EvtCharacteristicRead:
					d := m.Device(mac)
					d.SetCachedValue(serviceUUID, charUUID, e.Data)
					m.Dispatcher.DispatchNotification(bleevent.NotificationEvent{
						Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
						Type: bleevent.TypePseudoNotification, Data: e.Data, At: time.Now(),
					})
					t.Succeed()
					return true
				case bleadapter.EvtCharacteristicReadFailed:
					t.Fail(e.Failure())
					return true
				default:
					return false
				}
			},
		})
	t.ID = m.nextID()
	t.OnTerminal(func(t *bletask.Task) { delete(m.forceReads, key) })
	m.submit(t)
}

// Bond issues an explicit bond request, using
// PriorityExplicitBondingOnly - spec section 3's narrow band reserved for
// application-initiated bond() calls.
func (m *Manager) Bond(mac string) bleevent.Event {
	d := m.Device(mac)
	t := bletask.New(0, bletask.KindBond, bletask.PriorityExplicitBondingOnly, mac, time.Now().Add(bletask.DefaultTimeout(bletask.KindBond)), bletask.Hooks{
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			d.BeginBonding(time.Now())
			return adapter.CreateBond(mac)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.Kind != bleadapter.EvtBondStateChanged {
				return false
			}
			if e.Err != nil {
				t.Fail(e.Failure())
				m.Dispatcher.DispatchBond(bleevent.BondEvent{Device: mac, Bonded: false, Failure: failurePtr(e.Failure()), At: time.Now()})
				return true
			}
			if ev, changed := d.Bonded(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			m.Dispatcher.DispatchBond(bleevent.BondEvent{Device: mac, Bonded: true, At: time.Now()})
			t.Succeed()
			return true
		},
	})
	t.ID = m.nextID()
	t.Explicit = true
	t.OnTerminal(func(t *bletask.Task) {
		if kind, ok := terminalFailure(t); ok {
			m.Dispatcher.DispatchBond(bleevent.BondEvent{Device: mac, Bonded: false, Failure: failurePtr(kind), At: time.Now()})
		}
	})
	m.submit(t)
	return bleevent.PendingEvent()
}

func (m *Manager) Unbond(mac string) bleevent.Event {
	d := m.Device(mac)
	t := bletask.New(0, bletask.KindUnbond, bletask.PriorityExplicitBondingOnly, mac, time.Now().Add(bletask.DefaultTimeout(bletask.KindUnbond)), bletask.Hooks{
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			return adapter.RemoveBond(mac)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.Kind != bleadapter.EvtBondStateChanged {
				return false
			}
			if e.Err != nil {
				t.Fail(e.Failure())
				m.Dispatcher.DispatchBond(bleevent.BondEvent{Device: mac, Bonded: true, Failure: failurePtr(e.Failure()), At: time.Now()})
				return true
			}
			if ev, changed := d.Unbonded(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			m.Dispatcher.DispatchBond(bleevent.BondEvent{Device: mac, Bonded: false, At: time.Now()})
			t.Succeed()
			return true
		},
	})
	t.ID = m.nextID()
	t.Explicit = true
	t.OnTerminal(func(t *bletask.Task) {
		if kind, ok := terminalFailure(t); ok {
			m.Dispatcher.DispatchBond(bleevent.BondEvent{Device: mac, Bonded: true, Failure: failurePtr(kind), At: time.Now()})
		}
	})
	m.submit(t)
	return bleevent.PendingEvent()
}

func failurePtr(f bleevent.FailureKind) *bleevent.FailureKind { return &f }

// terminalFailure derives a FailureKind for a task that resolved via a
// queue-driven terminal path - timeout, preemption, or cancellation -
// rather than through its own OnNativeEvent branch, so a caller always
// gets a follow-up event instead of silence (spec section 7: "every
// terminal state is converted to an event"). The second return is false
// for StateSucceeded/StateFailed, which the task's own OnNativeEvent
// branch already dispatched.
func terminalFailure(t *bletask.Task) (bleevent.FailureKind, bool) {
	switch t.State() {
	case bletask.StateTimedOut:
		return t.Failure(), true
	case bletask.StateCancelled:
		return bleevent.FailureCancelledFromBleTurningOff, true
	case bletask.StateSoftlyCancelled:
		return bleevent.FailureCancelledFromDisconnect, true
	case bletask.StateInterrupted:
		if t.InterruptedBy == bletask.KindTurnBleOff {
			return bleevent.FailureCancelledFromBleTurningOff, true
		}
		return bleevent.FailureBusy, true
	default:
		return "", false
	}
}

// RunAuthTransaction / RunInitTransaction run the Auth/Init Transaction
// Composer sequences (spec section 4.5) against a device. Each step runs at
// the priority its Step names; the transaction does not raise it.
func (m *Manager) RunAuthTransaction(mac string, steps []bletxn.Step) *bletxn.Transaction {
	return m.runTransaction(bletxn.KindAuth, mac, steps, nil)
}

func (m *Manager) RunInitTransaction(mac string, steps []bletxn.Step) *bletxn.Transaction {
	return m.runTransaction(bletxn.KindInit, mac, steps, nil)
}

// driveAuthInit runs the device's configured Auth/Init transactions back to
// back once services are discovered (spec section 4.5: "if an Auth
// transaction is configured it starts... Only then may Init start"). Either
// or both may be nil, in which case that phase is a no-op and the device
// proceeds straight through to the next one; a device with neither
// configured lands in INITIALIZED immediately, matching S1.
func (m *Manager) driveAuthInit(mac string) {
	d := m.Device(mac)
	startInit := func() {
		if m.initSteps == nil {
			if ev, changed := d.BeginInitializing(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			if ev, changed := d.Initialized(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			return
		}
		m.runTransaction(bletxn.KindInit, mac, m.initSteps, nil)
	}
	if m.authSteps == nil {
		startInit()
		return
	}
	m.runTransaction(bletxn.KindAuth, mac, m.authSteps, startInit)
}

// runTransaction drives one Transaction Composer sequence against a device
// (spec section 4.5). then, if non-nil, runs after the kind-specific
// success handling - used to chain Init onto a successful Auth without
// needing more than one OnSucceed registration per transaction.
func (m *Manager) runTransaction(kind bletxn.Kind, mac string, steps []bletxn.Step, then func()) *bletxn.Transaction {
	d := m.Device(mac)
	tx := bletxn.New(kind, mac, steps, m.nextID, m.submit)
	m.txns.Insert(fmt.Sprintf("%s:%s", mac, kind), tx)

	switch kind {
	case bletxn.KindAuth:
		if ev, changed := d.BeginAuthenticating(time.Now()); changed {
			m.Dispatcher.DispatchStateChange(ev)
		}
		tx.OnSucceed(func() {
			if ev, changed := d.Authenticated(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			if then != nil {
				then()
			}
		})
		tx.OnFail(func(bleevent.FailureKind) { m.reconnectFromFailure(mac, bleevent.FailureAuthenticationFailed) })
	case bletxn.KindInit:
		if ev, changed := d.BeginInitializing(time.Now()); changed {
			m.Dispatcher.DispatchStateChange(ev)
		}
		tx.OnSucceed(func() {
			if ev, changed := d.Initialized(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			if then != nil {
				then()
			}
		})
		tx.OnFail(func(bleevent.FailureKind) { m.reconnectFromFailure(mac, bleevent.FailureInitializationFailed) })
	case bletxn.KindOta:
		if ev, changed := d.BeginOta(time.Now()); changed {
			m.Dispatcher.DispatchStateChange(ev)
		}
		tx.OnSucceed(func() {
			if ev, changed := d.EndOta(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
			if then != nil {
				then()
			}
		})
		tx.OnFail(func(kind bleevent.FailureKind) {
			if ev, changed := d.EndOta(time.Now()); changed {
				m.Dispatcher.DispatchStateChange(ev)
			}
		})
	}
	tx.Start()
	return tx
}

// RunOtaTransaction performs a firmware update (spec section 4.6, S4): the
// device must already be INITIALIZED, and each chunk is written in order as
// its own Transaction step so a failed chunk aborts the whole update and
// clears PERFORMING_OTA rather than leaving it set. OTA chunk tasks carry
// no deadline (bletask.DefaultTimeout(KindTxnOta) is 0), so a chunk whose
// write never reports back is not timed out and PERFORMING_OTA stays set.
// Returns nil if the device isn't in a state an OTA can start from.
func (m *Manager) RunOtaTransaction(mac, serviceUUID, charUUID string, chunks [][]byte, wt bleadapter.WriteType) *bletxn.Transaction {
	d := m.Device(mac)
	if !d.Mask().Has(bledevice.StateInitialized) {
		return nil
	}
	h, ok := m.handleForDevice(mac)
	if !ok {
		return nil
	}

	steps := make([]bletxn.Step, len(chunks))
	for i, chunk := range chunks {
		steps[i] = bletxn.Step{
			Kind:     bletask.KindTxnOta,
			Priority: bletask.DefaultPriority(bletask.KindTxnOta),
			Hooks:    m.otaWriteHooks(mac, serviceUUID, charUUID, h, chunk, wt),
		}
	}
	return m.runTransaction(bletxn.KindOta, mac, steps, nil)
}

// otaWriteHooks builds one OTA chunk's Task hooks, mirroring
// WriteCharacteristic's Execute/OnNativeEvent shape but reporting TimeOta and
// only folding the timing into the device's running write average when
// include_ota_read_write_times_in_average is set (spec section 6).
func (m *Manager) otaWriteHooks(mac, serviceUUID, charUUID string, h bleadapter.Handle, chunk []byte, wt bleadapter.WriteType) bletask.Hooks {
	d := m.Device(mac)
	start := time.Now()
	return bletask.Hooks{
		RequiresConnection: true,
		Execute: func(t *bletask.Task, adapter bleadapter.StackAdapter) error {
			return adapter.WriteCharacteristic(h, serviceUUID, charUUID, chunk, wt)
		},
		OnNativeEvent: func(t *bletask.Task, e bleadapter.NativeEvent) bool {
			if e.ServiceUUID != serviceUUID || e.CharUUID != charUUID {
				return false
			}
			switch e.Kind {
			case bleadapter.EvtCharacteristicWritten:
				elapsed := time.Since(start)
				if m.cfg.IncludeOtaReadWriteTimesInAverage {
					d.RecordWriteTime(elapsed)
				}
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: bleevent.TypeWrite, Status: bleevent.StatusSuccess, TimeOta: elapsed, At: time.Now(),
				})
				t.Succeed()
				return true
			case bleadapter.EvtCharacteristicWriteFailed:
				m.Dispatcher.DispatchReadWrite(bleevent.ReadWriteEvent{
					Device: mac, ServiceUUID: serviceUUID, CharUUID: charUUID,
					Type: bleevent.TypeWrite, Status: bleevent.StatusFromFailure(e.Failure()), At: time.Now(),
				})
				t.Fail(e.Failure())
				return true
			default:
				return false
			}
		},
	}
}
