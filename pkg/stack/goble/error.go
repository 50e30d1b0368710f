package goble

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBluetoothOff indicates the adapter is powered off or unavailable.
	ErrBluetoothOff = errors.New("bluetooth is off")
	// ErrPermission indicates the process may not open the host controller.
	ErrPermission = errors.New("bluetooth permission denied")
)

// NormalizeError maps known go-ble error strings to sentinel errors, wrapping
// the original to keep its context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
