package blescan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode_UsesLocalNameWhenPresent(t *testing.T) {
	rec := Decode(Advertisement{Addr: "AA:BB:CC:00:01:02", LocalName: "Widget", RSSI: -50, TxPowerLevel: 127})
	assert.Equal(t, "Widget", rec.Name)
	assert.Nil(t, rec.TxPowerLevel)
}

func TestDecode_RecoversNameFromManufacturerData(t *testing.T) {
	data := append([]byte{0x4C, 0x00}, []byte("MyGadget")...)
	rec := Decode(Advertisement{Addr: "AA:BB:CC:00:01:02", ManufacturerData: data})
	assert.Equal(t, "MyGadget", rec.Name)
	assert.Equal(t, uint16(0x004C), rec.ManufacturerID)
}

func TestDecode_TxPowerAvailable(t *testing.T) {
	rec := Decode(Advertisement{Addr: "x", TxPowerLevel: -12})
	if assert.NotNil(t, rec.TxPowerLevel) {
		assert.Equal(t, -12, *rec.TxPowerLevel)
	}
}
