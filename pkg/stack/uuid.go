package stack

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known UUIDs used by the BLE-MIDI peripheral.
const (
	MIDIServiceUUID        = "03b80e5a-ede8-4b33-a751-6ce34ec4c700"
	MIDICharacteristicUUID = "7772e5db-3868-4112-a1a9-f2669d106bf3"

	DeviceInformationUUID = "180a"
	ManufacturerNameUUID  = "2a29"
	ModelNumberUUID       = "2a24"
	SerialNumberUUID      = "2a25"
	FirmwareRevisionUUID  = "2a26"
	HardwareRevisionUUID  = "2a27"
	SoftwareRevisionUUID  = "2a28"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

var knownNames = map[string]string{
	NormalizeUUID(MIDIServiceUUID):        "MIDI Service",
	NormalizeUUID(MIDICharacteristicUUID): "MIDI I/O",
	DeviceInformationUUID:                 "Device Information",
	ManufacturerNameUUID:                  "Manufacturer Name String",
	ModelNumberUUID:                       "Model Number String",
	SerialNumberUUID:                      "Serial Number String",
	FirmwareRevisionUUID:                  "Firmware Revision String",
	HardwareRevisionUUID:                  "Hardware Revision String",
	SoftwareRevisionUUID:                  "Software Revision String",
}

// NormalizeUUID converts a UUID string to the internal lookup form: lowercase,
// no dashes, braces or 0x prefix. Full UUIDs on the Bluetooth SIG base are
// reduced to their 16-bit short form.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.Trim(s, "{}")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// ValidateUUID checks that s is a 16-bit, 32-bit or 128-bit UUID and returns
// its normalized form.
func ValidateUUID(s string) (string, error) {
	n := NormalizeUUID(s)
	switch len(n) {
	case 4, 8:
		for _, r := range n {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return "", fmt.Errorf("invalid UUID %q", s)
			}
		}
		return n, nil
	case 32:
		if _, err := uuid.Parse(n); err != nil {
			return "", fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return n, nil
	default:
		return "", fmt.Errorf("invalid UUID %q", s)
	}
}

// CanonicalUUID renders a UUID in dashed 128-bit form, expanding short UUIDs
// onto the Bluetooth SIG base.
func CanonicalUUID(s string) (string, error) {
	n, err := ValidateUUID(s)
	if err != nil {
		return "", err
	}
	switch len(n) {
	case 4:
		n = "0000" + n + sigBaseSuffix
	case 8:
		n = n + sigBaseSuffix
	}
	u, err := uuid.Parse(n)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}

// KnownName returns a human-readable name for UUIDs used by this module,
// or "" if unknown.
func KnownName(s string) string {
	return knownNames[NormalizeUUID(s)]
}

// SameUUID reports whether a and b denote the same UUID.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}
