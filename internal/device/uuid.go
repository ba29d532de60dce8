package device

import "strings"

// NormalizeUUID converts a UUID string to the internal BLE library format (lowercase, no dashes,
// no "0x" prefix). A 128-bit UUID built on the Bluetooth SIG base UUID is shortened to its 16-bit form.
// Handles both standard UUID format (with dashes) and already normalized format (without dashes)
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, "00001000800000805f9b34fb") {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}
