package blemidi

import (
	"time"

	"github.com/srg/blemidi/pkg/stack"
)

const (
	DefaultDeviceName    = "BLE-MIDI"
	DefaultMaxBufferSize = 64
	DefaultPushTimeout   = time.Second
	DefaultEventLogSize  = 32

	// AppearanceUnknown is the neutral GAP appearance value.
	AppearanceUnknown uint16 = 0x0000
)

// DefaultConnParams asks for the shortest interval (7.5 ms) with a 10 s
// supervision timeout, which keeps MIDI latency low.
var DefaultConnParams = stack.ConnParams{
	MinInterval: 6,
	MaxInterval: 6,
	Latency:     0,
	Timeout:     1000,
}

// Settings tunes the bridge. Zero fields fall back to the defaults above.
type Settings struct {
	// MaxBufferSize is the capacity of the receive queue and of the outgoing
	// transmission buffer, in bytes.
	MaxBufferSize int
	// PushTimeout bounds how long the stack goroutine waits for queue space
	// before dropping a received byte. Negative means wait until End.
	PushTimeout time.Duration
	// ConnParams is requested from every newly connected peer.
	ConnParams stack.ConnParams
	// EventLogSize is the number of lifecycle events kept for Events.
	EventLogSize uint32
	Appearance   uint16
}

// DefaultSettings returns the default bridge settings.
func DefaultSettings() *Settings {
	return &Settings{
		MaxBufferSize: DefaultMaxBufferSize,
		PushTimeout:   DefaultPushTimeout,
		ConnParams:    DefaultConnParams,
		EventLogSize:  DefaultEventLogSize,
		Appearance:    AppearanceUnknown,
	}
}

func (s *Settings) withDefaults() Settings {
	out := *DefaultSettings()
	if s == nil {
		return out
	}
	if s.MaxBufferSize > 0 {
		out.MaxBufferSize = s.MaxBufferSize
	}
	if s.PushTimeout != 0 {
		out.PushTimeout = s.PushTimeout
	}
	if s.ConnParams != (stack.ConnParams{}) {
		out.ConnParams = s.ConnParams
	}
	if s.EventLogSize > 0 {
		out.EventLogSize = s.EventLogSize
	}
	out.Appearance = s.Appearance
	return out
}

// DeviceInfo holds the Device Information Service strings. Vendor and Model
// are always published; the rest only when non-empty.
type DeviceInfo struct {
	Vendor           string
	Model            string
	Serial           string
	HardwareRevision string
	FirmwareRevision string
	SoftwareRevision string
}
