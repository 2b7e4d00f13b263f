package ble

import (
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix completes 16- and 32-bit assigned numbers into the
// 128-bit Bluetooth base UUID.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID returns the canonical lowercase 128-bit form of a service or
// characteristic UUID. Short forms ("2a37", "0x2A37", "0000180d") are
// expanded against the Bluetooth base UUID. Unparseable input is returned
// lowercased and trimmed so it can still be compared verbatim.
func NormalizeUUID(s string) string {
	if u, ok := ParseUUID(s); ok {
		return u
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseUUID is NormalizeUUID that reports whether s was a valid UUID.
func ParseUUID(s string) (string, bool) {
	short := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	switch len(short) {
	case 4:
		short = "0000" + short + bluetoothBaseSuffix
	case 8:
		short = short + bluetoothBaseSuffix
	}
	u, err := uuid.Parse(short)
	if err != nil {
		return "", false
	}
	return u.String(), true
}

// SameUUID compares two UUIDs in any accepted form.
func SameUUID(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeUUID(a) == NormalizeUUID(b)
}
