package blestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/pkg/bleevent"
)

func TestMemStore_AppendAndLoadHistory(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	err := s.AppendSamples(ctx, []Sample{
		{Device: "AA:BB:CC:00:01:02", CharUUID: "180d", Value: []byte{1}, At: time.Now()},
		{Device: "AA:BB:CC:00:01:02", CharUUID: "180d", Value: []byte{2}, At: time.Now()},
	})
	require.NoError(t, err)

	cur, err := s.LoadHistory(ctx, "AA:BB:CC:00:01:02", "180d")
	require.NoError(t, err)
	defer cur.Close()

	var got []byte
	for cur.Next(ctx) {
		got = append(got, cur.Sample().Value...)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []byte{1, 2}, got)
}

func TestMemStore_DeviceState_RoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, ok, err := s.LoadDeviceState(ctx, "AA:BB:CC:00:01:02")
	require.NoError(t, err)
	assert.False(t, ok)

	want := PersistedDeviceState{
		LastDisconnectIntent:    bleevent.IntentIntentional,
		OverrideName:            "My Device",
		HistoricalDataTableName: "hist_aabbcc",
	}
	require.NoError(t, s.SaveDeviceState(ctx, "AA:BB:CC:00:01:02", want))

	got, ok, err := s.LoadDeviceState(ctx, "AA:BB:CC:00:01:02")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestMemStore_LoadHistory_EmptyDevice(t *testing.T) {
	s := NewMemStore()
	cur, err := s.LoadHistory(context.Background(), "unknown", "180d")
	require.NoError(t, err)
	assert.False(t, cur.Next(context.Background()))
}
