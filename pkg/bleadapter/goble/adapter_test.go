package goble

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/pkg/bleadapter"
)

func TestAdapter_DisconnectUnknownHandleReturnsErrNoSuchConnection(t *testing.T) {
	a := New(nil, bleadapter.NewMailbox(4))
	err := a.Disconnect(bleadapter.Handle(999))
	require.ErrorIs(t, err, bleadapter.ErrNoSuchConnection)
}

func TestAdapter_ReadCharacteristicUnknownHandle(t *testing.T) {
	a := New(nil, bleadapter.NewMailbox(4))
	err := a.ReadCharacteristic(bleadapter.Handle(1), "180d", "2a37")
	require.ErrorIs(t, err, bleadapter.ErrNoSuchConnection)
}

func TestAdapter_LookupCharMissingReturnsNotFound(t *testing.T) {
	a := New(nil, bleadapter.NewMailbox(4))
	gc := &gattConn{chars: map[string]*ble.Characteristic{}}
	_, err := a.lookupChar(gc, "180d", "2a37")
	assert.Error(t, err)
}

func TestAdapter_StopScanWithNoActiveScanIsNoOp(t *testing.T) {
	a := New(nil, bleadapter.NewMailbox(4))
	assert.NoError(t, a.StopScan())
}

func TestAdapter_ReliableWriteBeginThenAbortClearsSession(t *testing.T) {
	a := New(nil, bleadapter.NewMailbox(4))
	h := bleadapter.Handle(1)
	a.mu.Lock()
	gc := &gattConn{mac: "AA:BB:CC:00:01:02", chars: map[string]*ble.Characteristic{}}
	a.conns[h] = gc
	a.mu.Unlock()

	require.NoError(t, a.BeginReliableWrite(h))
	assert.True(t, gc.reliableWriteActive)

	require.NoError(t, a.AbortReliableWrite(h))
	assert.False(t, gc.reliableWriteActive)
	assert.Empty(t, gc.reliableWriteQueue)
}
