package main

import (
	"errors"
	"fmt"

	"github.com/srg/blemidi/pkg/blemidi"
	"github.com/srg/blemidi/pkg/stack"
	"github.com/srg/blemidi/pkg/stack/goble"
)

// Command-level errors
var (
	// ErrUnknownBackend indicates --backend named no known stack.
	ErrUnknownBackend = errors.New("unknown backend")
)

// FormatUserError turns well-known failures into a hint the user can act on.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is off or unavailable; turn it on and retry"
	case errors.Is(err, goble.ErrPermission):
		return fmt.Sprintf("%v (on Linux run with CAP_NET_ADMIN or use --backend bluez)", err)
	case errors.Is(err, stack.ErrUnsupported):
		return fmt.Sprintf("%v (try a different --backend)", err)
	case errors.Is(err, blemidi.ErrStackInit):
		return fmt.Sprintf("could not start the peripheral: %v", err)
	default:
		return err.Error()
	}
}
