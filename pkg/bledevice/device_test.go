package bledevice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/pkg/bleevent"
)

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("aa:bb:cc:00:01:02")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:00:01:02", m.String())

	_, err = ParseMAC("not-a-mac")
	assert.Error(t, err)
}

func TestMask_ConnectingOverall(t *testing.T) {
	var m Mask
	m = m.set(StateDiscoveringServices)
	assert.True(t, m.ConnectingOverall())

	var idle Mask
	idle = idle.set(StateInitialized)
	assert.False(t, idle.ConnectingOverall())
}

func newTestDevice(t *testing.T) *Device {
	mac, err := ParseMAC("AA:BB:CC:00:01:02")
	require.NoError(t, err)
	return New(mac, DefaultConfig())
}

func TestDevice_HappyConnectSequence(t *testing.T) {
	d := newTestDevice(t)
	now := time.Now()

	_, changed := d.Discover(ScanRecord{}, -60, now)
	assert.True(t, changed)
	assert.True(t, d.Mask().Has(StateDiscovered))

	_, changed = d.BeginConnecting(now)
	assert.True(t, changed)
	assert.True(t, d.Mask().Has(StateBleConnecting))
	assert.False(t, d.Mask().Has(StateBleConnected))

	_, changed = d.ConnectSucceeded(now)
	assert.True(t, changed)
	assert.True(t, d.Mask().Has(StateBleConnected))
	assert.False(t, d.Mask().Has(StateBleConnecting))

	_, changed = d.BeginDiscoveringServices(now)
	assert.True(t, changed)

	_, changed = d.ServicesDiscovered(now)
	assert.True(t, changed)
	assert.True(t, d.Mask().Has(StateServicesDiscovered))
	assert.False(t, d.Mask().Has(StateDiscoveringServices))

	_, changed = d.Initialized(now)
	assert.True(t, changed)
	assert.True(t, d.Mask().Has(StateInitialized))
}

func TestDevice_ExclusiveConnectionGroup(t *testing.T) {
	d := newTestDevice(t)
	now := time.Now()
	d.BeginConnecting(now)
	d.ConnectSucceeded(now)

	m := d.Mask()
	count := 0
	for _, b := range []StateBit{StateBleConnected, StateBleConnecting, StateBleDisconnected} {
		if m.Has(b) {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDevice_UnexpectedDisconnectGoesToShortTermReconnect(t *testing.T) {
	d := newTestDevice(t)
	now := time.Now()
	d.BeginConnecting(now)
	d.ConnectSucceeded(now)
	d.BeginDiscoveringServices(now)
	d.ServicesDiscovered(now)
	d.Initialized(now)

	ev, changed := d.UnexpectedDisconnect(now)
	require.True(t, changed)
	assert.True(t, d.Mask().Has(StateReconnectingShortTerm))
	assert.False(t, d.Mask().Has(StateInitialized))
	assert.Equal(t, bleevent.IntentUnintentional, ev.Intent)
}

func TestDevice_OtaRequiresInitialized(t *testing.T) {
	d := newTestDevice(t)
	now := time.Now()
	_, changed := d.BeginOta(now)
	assert.False(t, changed, "OTA must not start before INITIALIZED")

	d.BeginConnecting(now)
	d.ConnectSucceeded(now)
	d.ServicesDiscovered(now)
	d.Initialized(now)

	_, changed = d.BeginOta(now)
	assert.True(t, changed)
	assert.True(t, d.Mask().Has(StatePerformingOta))
}

func TestDevice_RunningAverages(t *testing.T) {
	d := newTestDevice(t)
	d.RecordReadTime(10 * time.Millisecond)
	d.RecordReadTime(20 * time.Millisecond)
	d.RecordReadTime(30 * time.Millisecond)

	assert.Equal(t, 20*time.Millisecond, d.AverageReadTime())
}

func TestDevice_EffectiveWritePayload(t *testing.T) {
	d := newTestDevice(t)
	assert.Equal(t, 20, d.EffectiveWritePayload())
	d.SetMTU(185)
	assert.Equal(t, 182, d.EffectiveWritePayload())
}

func TestDevice_ReliableWriteSessionLifecycle(t *testing.T) {
	d := newTestDevice(t)
	assert.Equal(t, ReliableWriteNone, d.ReliableWriteState())

	d.BeginReliableWrite()
	assert.Equal(t, ReliableWriteOpen, d.ReliableWriteState())
	assert.True(t, d.QueueReliableWrite([]byte{1, 2, 3}))

	d.SetReliableWriteState(ReliableWriteCommitting)
	assert.False(t, d.QueueReliableWrite([]byte{4}), "writes after commit begins must be rejected")
}

func TestDevice_Disconnect_RecordsIntent(t *testing.T) {
	d := newTestDevice(t)
	now := time.Now()
	d.BeginConnecting(now)
	d.ConnectSucceeded(now)

	d.Disconnect(bleevent.IntentIntentional, now)
	assert.Equal(t, bleevent.IntentIntentional, d.LastDisconnectIntent())
	assert.True(t, d.Mask().Has(StateBleDisconnected))
}
