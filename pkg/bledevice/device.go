package bledevice

import (
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/blecore/pkg/bleevent"
)

// NotifyState is the lifecycle of a per-characteristic notification
// subscription (spec section 3).
type NotifyState int

const (
	NotifyDisabled NotifyState = iota
	NotifyEnabling
	NotifyEnabled
	NotifyDisabling
)

// ReliableWriteState is the lifecycle of a device's reliable-write session
// (spec section 3/9: modeled as an explicit sub-state, writes during the
// session queue into the session buffer until execute/abort).
type ReliableWriteState int

const (
	ReliableWriteNone ReliableWriteState = iota
	ReliableWriteOpen
	ReliableWriteCommitting
	ReliableWriteAborting
)

// ScanRecord is the parsed result of the most recent advertisement seen for
// this device (spec section 3: "last scan record").
type ScanRecord struct {
	Raw                []byte
	AdvertisedServices []string
	ManufacturerID     uint16
	ManufacturerData   []byte
	Flags              byte
	TxPowerLevel       *int
	At                 time.Time
}

// runningAverage keeps the last N samples (milliseconds) in a ring buffer
// and reports their mean, grounded on the teacher's
// mpmc.RichOverlappedRingBuffer usage for bounded, overwrite-on-full sample
// collection (internal/lua/lua_output_collector.go).
type runningAverage struct {
	buf mpmc.RichOverlappedRingBuffer[time.Duration]
	n   uint32
}

func newRunningAverage(n int) *runningAverage {
	if n <= 0 {
		n = 1
	}
	return &runningAverage{buf: mpmc.NewOverlappedRingBuffer[time.Duration](uint32(n)), n: uint32(n)}
}

func (r *runningAverage) add(d time.Duration) {
	_, _ = r.buf.EnqueueM(d)
}

// mean drains and reconstructs the buffer (mpmc exposes no peek-all), which
// is fine here: it only runs when a caller asks for the current average,
// not on the hot sampling path.
func (r *runningAverage) mean() time.Duration {
	var samples []time.Duration
	for !r.buf.IsEmpty() {
		v, err := r.buf.Dequeue()
		if err != nil {
			break
		}
		samples = append(samples, v)
	}
	var total time.Duration
	for _, s := range samples {
		total += s
		_, _ = r.buf.EnqueueM(s)
	}
	if len(samples) == 0 {
		return 0
	}
	return total / time.Duration(len(samples))
}

// reliableWriteSession buffers queued writes until execute/abort, backed by
// a byte-oriented ring buffer the way internal/ptyio/ptyio.go buffers PTY
// I/O - here the "session buffer" from spec section 9 is exactly that kind
// of bounded byte queue rather than a growable slice.
type reliableWriteSession struct {
	state ReliableWriteState
	buf   *ringbuffer.RingBuffer
}

func newReliableWriteSession(capacity int) *reliableWriteSession {
	return &reliableWriteSession{state: ReliableWriteNone, buf: ringbuffer.New(capacity)}
}

// Config holds the per-device overrides of global configuration (spec
// section 3: "Configuration (overrides from global)").
type Config struct {
	NForAverageRunningReadTime  int
	NForAverageRunningWriteTime int
	ForceReadTimeout            time.Duration
	ReliableWriteBufferCap      int
	GattWriteMTUOverhead        int
}

// DefaultConfig returns the package-wide defaults used when a Device has no
// override (spec section 6 configuration options).
func DefaultConfig() Config {
	return Config{
		NForAverageRunningReadTime:  10,
		NForAverageRunningWriteTime: 10,
		ReliableWriteBufferCap:      4096,
		GattWriteMTUOverhead:        3,
	}
}

// Device is the per-MAC aggregate: state bitmask, scan/RSSI data, GATT
// negotiation results, notify/reliable-write sub-state, reconnect
// bookkeeping, and per-characteristic cached values (spec section 3).
type Device struct {
	mu sync.RWMutex

	mac    MAC
	config Config

	mask Mask

	lastDiscoveryAt time.Time
	lastScanRecord  ScanRecord

	rssi         int
	readAverage  *runningAverage
	writeAverage *runningAverage

	mtu                int
	connectionPriority int
	phy                int

	notify map[string]NotifyState // keyed by "serviceUUID/charUUID"

	reliableWrite *reliableWriteSession

	reconnectAttempts   int
	lastFailure         bleevent.FailureKind
	nextPermittedAttempt time.Time

	cachedValues map[string][]byte // keyed by "serviceUUID/charUUID"

	overrideName        string
	lastDisconnectIntent bleevent.Intent
}

// New creates a Device in state UNDISCOVERED.
func New(mac MAC, cfg Config) *Device {
	return &Device{
		mac:           mac,
		config:        cfg,
		mask:          Mask(StateUndiscovered),
		rssi:          0,
		readAverage:   newRunningAverage(cfg.NForAverageRunningReadTime),
		writeAverage:  newRunningAverage(cfg.NForAverageRunningWriteTime),
		mtu:           23,
		notify:        make(map[string]NotifyState),
		reliableWrite: newReliableWriteSession(cfg.ReliableWriteBufferCap),
		cachedValues:  make(map[string][]byte),
	}
}

// MAC returns the device's address.
func (d *Device) MAC() MAC { return d.mac }

// Mask returns a snapshot of the current state bitmask.
func (d *Device) Mask() Mask {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mask
}

func charKey(serviceUUID, charUUID string) string { return serviceUUID + "/" + charUUID }

// transition applies a StateBit change and returns the StateChangeEvent to
// dispatch, or false if the mask didn't actually change (a transition that
// is a no-op never produces an event).
func (d *Device) transition(mutate func(Mask) Mask, intent bleevent.Intent, now time.Time) (bleevent.StateChangeEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.mask
	next := mutate(prev)
	if next == prev {
		return bleevent.StateChangeEvent{}, false
	}
	d.mask = next
	return bleevent.StateChangeEvent{
		Device:   d.mac.String(),
		PrevMask: uint64(prev),
		NewMask:  uint64(next),
		Intent:   intent,
		At:       now,
	}, true
}

// Discover moves an UNDISCOVERED/BLE_DISCONNECTED device into DISCOVERED
// and records the scan record and RSSI.
func (d *Device) Discover(rec ScanRecord, rssi int, now time.Time) (bleevent.StateChangeEvent, bool) {
	d.mu.Lock()
	d.lastDiscoveryAt = now
	d.lastScanRecord = rec
	d.rssi = rssi
	d.mu.Unlock()
	return d.transition(func(m Mask) Mask {
		return m.clear(StateUndiscovered).set(StateDiscovered).set(StateAdvertising)
	}, bleevent.IntentUnintentional, now)
}

// BeginConnecting moves the device into BLE_CONNECTING.
func (d *Device) BeginConnecting(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return transitionTo(m, StateBleConnecting, 0, 0)
	}, bleevent.IntentIntentional, now)
}

// ConnectSucceeded moves the device into BLE_CONNECTED and out of any
// connecting/reconnecting sub-phase.
func (d *Device) ConnectSucceeded(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return transitionTo(m, StateBleConnected, 0,
			StateReconnectingShortTerm|StateReconnectingLongTerm)
	}, bleevent.IntentIntentional, now)
}

// BeginDiscoveringServices moves the device into DISCOVERING_SERVICES.
func (d *Device) BeginDiscoveringServices(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask { return m.set(StateDiscoveringServices) }, bleevent.IntentIntentional, now)
}

// ServicesDiscovered marks SERVICES_DISCOVERED and clears the in-progress bit.
func (d *Device) ServicesDiscovered(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return m.clear(StateDiscoveringServices).set(StateServicesDiscovered)
	}, bleevent.IntentIntentional, now)
}

// BeginAuthenticating/Authenticated/BeginInitializing/Initialized follow the
// same clear-in-progress/set-reached pattern the transaction composer
// drives (spec section 4.5).
func (d *Device) BeginAuthenticating(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask { return m.set(StateAuthenticating) }, bleevent.IntentIntentional, now)
}

func (d *Device) Authenticated(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return m.clear(StateAuthenticating).set(StateAuthenticated)
	}, bleevent.IntentIntentional, now)
}

func (d *Device) BeginInitializing(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask { return m.set(StateInitializing) }, bleevent.IntentIntentional, now)
}

func (d *Device) Initialized(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return m.clear(StateInitializing).set(StateInitialized)
	}, bleevent.IntentIntentional, now)
}

// BeginOta/EndOta toggle PERFORMING_OTA, only meaningful while INITIALIZED
// (spec invariant: PERFORMING_OTA ⇒ INITIALIZED).
func (d *Device) BeginOta(now time.Time) (bleevent.StateChangeEvent, bool) {
	if !d.Mask().Has(StateInitialized) {
		return bleevent.StateChangeEvent{}, false
	}
	return d.transition(func(m Mask) Mask { return m.set(StatePerformingOta) }, bleevent.IntentIntentional, now)
}

func (d *Device) EndOta(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask { return m.clear(StatePerformingOta) }, bleevent.IntentIntentional, now)
}

// BeginBonding/Bonded/Unbonded mirror BONDING/BONDED/UNBONDED.
func (d *Device) BeginBonding(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask { return m.clear(StateUnbonded).set(StateBonding) }, bleevent.IntentIntentional, now)
}

func (d *Device) Bonded(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return m.clear(StateBonding).clear(StateUnbonded).set(StateBonded)
	}, bleevent.IntentIntentional, now)
}

func (d *Device) Unbonded(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return m.clear(StateBonding).clear(StateBonded).set(StateUnbonded)
	}, bleevent.IntentIntentional, now)
}

// UnexpectedDisconnect handles a stack-originated disconnect while
// CONNECTING_OVERALL or INITIALIZED was set: spec section 4.4 routes this
// to RECONNECTING_SHORT_TERM rather than straight to BLE_DISCONNECTED.
func (d *Device) UnexpectedDisconnect(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		wasActive := m.ConnectingOverall() || m.Has(StateInitialized)
		m = m.clear(StateBleConnected).clear(StateInitialized).clear(StateServicesDiscovered).
			clear(StateAuthenticated).clear(StateDiscoveringServices).
			clear(StateAuthenticating).clear(StateInitializing).clear(StatePerformingOta)
		if wasActive {
			return m.set(StateReconnectingShortTerm)
		}
		return m.set(StateBleDisconnected)
	}, bleevent.IntentUnintentional, now)
}

// EnterReconnectingLongTerm moves from RECONNECTING_SHORT_TERM (budget
// exhausted) into RECONNECTING_LONG_TERM.
func (d *Device) EnterReconnectingLongTerm(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return m.clear(StateReconnectingShortTerm).set(StateReconnectingLongTerm)
	}, bleevent.IntentUnintentional, now)
}

// Disconnect moves the device to BLE_DISCONNECTED, recording the intent the
// caller supplies (explicit app call vs. reconnect-window exhaustion).
func (d *Device) Disconnect(intent bleevent.Intent, now time.Time) (bleevent.StateChangeEvent, bool) {
	d.mu.Lock()
	d.lastDisconnectIntent = intent
	d.mu.Unlock()
	return d.transition(func(m Mask) Mask {
		return transitionTo(m, StateBleDisconnected, 0,
			StateReconnectingShortTerm|StateReconnectingLongTerm|StateInitialized|
				StateServicesDiscovered|StateAuthenticated|StateDiscoveringServices|
				StateAuthenticating|StateInitializing|StatePerformingOta)
	}, intent, now)
}

// Undiscover returns the device to UNDISCOVERED (spec section 3: "destroyed
// only by explicit undiscover").
func (d *Device) Undiscover(now time.Time) (bleevent.StateChangeEvent, bool) {
	return d.transition(func(m Mask) Mask {
		return Mask(StateUndiscovered)
	}, bleevent.IntentIntentional, now)
}

// LastDisconnectIntent returns the intent recorded by the most recent
// Disconnect call (spec section 3: persisted when
// manage_last_disconnect_on_disk is set).
func (d *Device) LastDisconnectIntent() bleevent.Intent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastDisconnectIntent
}

// RSSI returns the most recent RSSI sample.
func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// SetRSSI records a fresh RSSI sample (from an advertisement or a
// read_rssi task outcome).
func (d *Device) SetRSSI(rssi int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssi = rssi
}

// RecordReadTime/RecordWriteTime feed the N-sample running averages.
func (d *Device) RecordReadTime(dt time.Duration)  { d.readAverage.add(dt) }
func (d *Device) RecordWriteTime(dt time.Duration) { d.writeAverage.add(dt) }

// AverageReadTime/AverageWriteTime return the current running average.
func (d *Device) AverageReadTime() time.Duration  { return d.readAverage.mean() }
func (d *Device) AverageWriteTime() time.Duration { return d.writeAverage.mean() }

// MTU returns the negotiated MTU (default 23 per spec section 3).
func (d *Device) MTU() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mtu
}

// SetMTU records a negotiated MTU.
func (d *Device) SetMTU(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mtu = n
}

// EffectiveWritePayload is MTU - gatt_write_mtu_overhead (fixed at 3 per
// spec section 6), the usable write payload per spec section 3.
func (d *Device) EffectiveWritePayload() int {
	overhead := d.config.GattWriteMTUOverhead
	if overhead == 0 {
		overhead = 3
	}
	n := d.MTU() - overhead
	if n < 0 {
		return 0
	}
	return n
}

// NotifyState returns the subscription state for one characteristic.
func (d *Device) NotifyState(serviceUUID, charUUID string) NotifyState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.notify[charKey(serviceUUID, charUUID)]
}

// SetNotifyState updates the subscription state for one characteristic.
func (d *Device) SetNotifyState(serviceUUID, charUUID string, s NotifyState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify[charKey(serviceUUID, charUUID)] = s
}

// CachedValue returns the last known value for a characteristic, and
// whether one has ever been recorded.
func (d *Device) CachedValue(serviceUUID, charUUID string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.cachedValues[charKey(serviceUUID, charUUID)]
	return v, ok
}

// SetCachedValue records the latest observed value for a characteristic.
func (d *Device) SetCachedValue(serviceUUID, charUUID string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cachedValues[charKey(serviceUUID, charUUID)] = value
}

// ReliableWriteState returns the device's current reliable-write
// sub-state.
func (d *Device) ReliableWriteState() ReliableWriteState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reliableWrite.state
}

// BeginReliableWrite opens a new session, discarding any stale buffered
// bytes from a previous aborted session.
func (d *Device) BeginReliableWrite() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reliableWrite = newReliableWriteSession(d.config.ReliableWriteBufferCap)
	d.reliableWrite.state = ReliableWriteOpen
}

// QueueReliableWrite appends bytes to the open session's buffer. Returns
// false if the session isn't open or the buffer is full.
func (d *Device) QueueReliableWrite(b []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reliableWrite.state != ReliableWriteOpen {
		return false
	}
	n, err := d.reliableWrite.buf.Write(b)
	return err == nil && n == len(b)
}

// SetReliableWriteState transitions the session (execute -> COMMITTING,
// abort -> ABORTING, and back to NONE once the task resolves).
func (d *Device) SetReliableWriteState(s ReliableWriteState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reliableWrite.state = s
}

// ReconnectAttempts/LastFailure/NextPermittedAttempt expose reconnect
// bookkeeping to the Reconnect Controller.
func (d *Device) ReconnectAttempts() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reconnectAttempts
}

func (d *Device) IncrementReconnectAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnectAttempts++
	return d.reconnectAttempts
}

func (d *Device) ResetReconnectAttempts() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnectAttempts = 0
}

func (d *Device) SetLastFailure(f bleevent.FailureKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastFailure = f
}

func (d *Device) LastFailure() bleevent.FailureKind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastFailure
}

func (d *Device) SetNextPermittedAttempt(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextPermittedAttempt = t
}

func (d *Device) NextPermittedAttempt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nextPermittedAttempt
}

// LastScanRecord/LastDiscoveryAt expose the most recent advertisement seen.
func (d *Device) LastScanRecord() ScanRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastScanRecord
}

func (d *Device) LastDiscoveryAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastDiscoveryAt
}

// ConnectionPriority/SetConnectionPriority and Phy/SetPhy expose the
// negotiated link parameters (spec section 3).
func (d *Device) ConnectionPriority() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectionPriority
}

func (d *Device) SetConnectionPriority(p int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectionPriority = p
}

func (d *Device) Phy() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phy
}

func (d *Device) SetPhy(p int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phy = p
}

// ForceReadTimeout returns this device's configured force-read polling
// window (spec section 6 `force_read_timeout`): zero means the synthetic
// PSEUDO_NOTIFICATION read on a stalled subscription (S5) is disabled.
func (d *Device) ForceReadTimeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.ForceReadTimeout
}

// OverrideName/SetOverrideName back save_name_changes_to_disk.
func (d *Device) OverrideName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.overrideName
}

func (d *Device) SetOverrideName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrideName = name
}
