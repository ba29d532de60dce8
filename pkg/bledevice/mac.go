// Package bledevice implements the per-device state machine (spec section
// 4.4): the state bitmask, its invariant-preserving transitions, and the
// Device aggregate holding everything keyed by one MAC address.
package bledevice

import (
	"fmt"
	"strconv"
	"strings"
)

// MAC is a 48-bit Bluetooth device address, stored normalized upper-case.
type MAC string

// ParseMAC validates and normalizes a MAC string of the form
// "XX:XX:XX:XX:XX:XX".
func ParseMAC(s string) (MAC, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("bledevice: invalid MAC %q: expected 6 colon-separated octets", s)
	}
	octets := make([]string, 6)
	for i, p := range parts {
		if len(p) != 2 {
			return "", fmt.Errorf("bledevice: invalid MAC %q: octet %q is not 2 hex digits", s, p)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return "", fmt.Errorf("bledevice: invalid MAC %q: %w", s, err)
		}
		octets[i] = fmt.Sprintf("%02X", v)
	}
	return MAC(strings.Join(octets, ":")), nil
}

// String renders the MAC as "XX:XX:XX:XX:XX:XX".
func (m MAC) String() string { return string(m) }

// Equal reports whether two MACs name the same address, ignoring case.
func (m MAC) Equal(other MAC) bool {
	return strings.EqualFold(string(m), string(other))
}
