//go:build linux

package bluez

import (
	"fmt"

	"github.com/srg/blemidi/pkg/stack"
	"tinygo.org/x/bluetooth"
)

// parseUUID accepts any form stack.CanonicalUUID does.
func parseUUID(s string) (bluetooth.UUID, error) {
	canonical, err := stack.CanonicalUUID(s)
	if err != nil {
		return bluetooth.UUID{}, err
	}
	u, err := bluetooth.ParseUUID(canonical)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

func permissions(p stack.Property) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if p.Has(stack.PropRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(stack.PropWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(stack.PropWriteNR) {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(stack.PropNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}
