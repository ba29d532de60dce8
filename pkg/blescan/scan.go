// Package blescan is the pure scan-record decoder (spec section 1: "a pure
// decoder used by the core but independently testable"). It has no
// dependency on any native stack type - callers adapt their stack's
// advertisement shape into the Advertisement struct below.
package blescan

import (
	"strings"
	"unicode"
)

// Advertisement is the raw shape a Stack Adapter hands the decoder: the
// union of fields go-ble (and most native stacks) expose per advertisement,
// grounded on internal/device/go-ble/advertisement.go's BLEAdvertisement
// wrapper.
type Advertisement struct {
	Addr             string
	LocalName        string
	ManufacturerData []byte
	ServiceData      map[string][]byte
	Services         []string
	OverflowService  []string
	SolicitedService []string
	TxPowerLevel     int // 127 means "not available", matching go-ble's convention
	Connectable      bool
	RSSI             int
}

// Record is the decoded, device-model-ready result (spec section 3: "last
// scan record (raw bytes + parsed advertised services, manufacturer data/id,
// flags, TX power)").
type Record struct {
	Addr               string
	Name               string
	AdvertisedServices []string
	ManufacturerID     uint16
	ManufacturerData   []byte
	TxPowerLevel       *int
	Connectable        bool
	RSSI               int
}

// Decode parses a raw Advertisement into a Record. When the advertisement
// carries no local name, it attempts to recover one from manufacturer data
// using the embedded-ASCII-run heuristic of pkg/device/ble_device.go's
// extractNameFromManufacturerData. No manufacturer-ID-specific formats are
// decoded.
func Decode(adv Advertisement) Record {
	rec := Record{
		Addr:               adv.Addr,
		Name:               adv.LocalName,
		AdvertisedServices: append([]string(nil), adv.Services...),
		ManufacturerData:   adv.ManufacturerData,
		Connectable:        adv.Connectable,
		RSSI:               adv.RSSI,
	}
	if adv.TxPowerLevel != 127 {
		tx := adv.TxPowerLevel
		rec.TxPowerLevel = &tx
	}
	if len(adv.ManufacturerData) >= 2 {
		rec.ManufacturerID = uint16(adv.ManufacturerData[0]) | uint16(adv.ManufacturerData[1])<<8
	}
	if rec.Name == "" {
		rec.Name = extractNameFromManufacturerData(adv.ManufacturerData)
	}
	return rec
}

func isReadableASCII(b byte) bool {
	return b >= 0x20 && b < 0x7F && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b)) || b == ' ' || b == '-' || b == '_')
}

func isValidDeviceName(name string) bool {
	hasLetter := false
	for _, r := range name {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	return hasLetter
}

// extractNameFromManufacturerData looks for an embedded ASCII run of at
// least 3 characters, the pattern pkg/device/ble_device.go's equivalent
// scans manufacturer data for when a device doesn't advertise a local name.
func extractNameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		var nameBytes []byte
		for j := i; j < len(data) && j < i+32; j++ {
			if !isReadableASCII(data[j]) {
				break
			}
			nameBytes = append(nameBytes, data[j])
		}
		if len(nameBytes) < 3 {
			continue
		}
		name := strings.TrimSpace(string(nameBytes))
		if len(name) >= 3 && isValidDeviceName(name) {
			return name
		}
	}
	return ""
}
