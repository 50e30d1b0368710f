// Package stack defines the capability surface a BLE peripheral stack must
// offer to host a BLE-MIDI service, together with the value types exchanged
// across it.
//
// Backends live in sub-packages: goble (github.com/go-ble/ble), bluez
// (tinygo.org/x/bluetooth on Linux) and memstack (in-process simulation).
// All callbacks registered with a Stack are invoked on the stack's own
// goroutines, never on the caller's.
package stack

import (
	"errors"
	"fmt"
	"strings"
)

// Property is a bit set of GATT characteristic capabilities.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNR
	PropNotify
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropRead, "read"},
	{PropWrite, "write"},
	{PropWriteNR, "write-without-response"},
	{PropNotify, "notify"},
}

// Has reports whether all bits of q are set in p.
func (p Property) Has(q Property) bool {
	return p&q == q
}

func (p Property) String() string {
	var parts []string
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, ",")
}

// AuthMode selects the security required before GATT access is granted.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthBond          // pairing with persisted bonding
)

func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthBond:
		return "bond"
	default:
		return fmt.Sprintf("AuthMode(%d)", int(m))
	}
}

// ConnInfo describes one active peer link as tracked by the stack.
// Interval, Timeout and Latency are in stack units (1.25 ms, 10 ms, events);
// zero means the backend cannot report the value.
type ConnInfo struct {
	Handle   uint16
	Address  string
	Interval uint16
	Timeout  uint16
	Latency  uint16
	MTU      int
}

// ConnParams is a connection-parameter update request, in stack units.
type ConnParams struct {
	MinInterval uint16 // 1.25 ms units
	MaxInterval uint16 // 1.25 ms units
	Latency     uint16 // connection events the peripheral may skip
	Timeout     uint16 // supervision timeout, 10 ms units
}

// WriteHandler receives values written by a peer into a characteristic.
// The value slice is only valid for the duration of the call.
type WriteHandler interface {
	OnWrite(conn ConnInfo, value []byte)
}

// WriteHandlerFunc adapts a function to WriteHandler.
type WriteHandlerFunc func(conn ConnInfo, value []byte)

func (f WriteHandlerFunc) OnWrite(conn ConnInfo, value []byte) { f(conn, value) }

// ServerHandler receives peer link lifecycle events. When OnConnect runs the
// new peer is already visible through PeerInfo; when OnDisconnect runs it is
// already gone.
type ServerHandler interface {
	OnConnect(conn ConnInfo)
	OnDisconnect(conn ConnInfo)
}

// Characteristic declares one GATT characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
	Value      []byte       // initial value; the only value for read-only characteristics
	OnWrite    WriteHandler // required when Properties include PropWrite or PropWriteNR
}

// Service declares one primary GATT service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Advertising configures the advertisement payload.
type Advertising struct {
	Name         string
	ServiceUUIDs []string
	Appearance   uint16
}

// Stack is the peripheral-role BLE stack driven by blemidi.
type Stack interface {
	// Init brings up the radio under the given device name. Failures are
	// reported once; callers do not retry.
	Init(deviceName string) error
	SetServerHandler(h ServerHandler)
	// AdvertiseOnDisconnect makes the stack resume advertising after a peer disconnects.
	AdvertiseOnDisconnect(enable bool)
	AddService(svc *Service) error
	SetSecurity(mode AuthMode) error
	StartAdvertising(adv Advertising) error
	StopAdvertising() error
	// Notify sets the characteristic value and notifies every subscribed peer.
	// With no subscribers it only updates the value.
	Notify(charUUID string, value []byte) error
	ConnectedCount() int
	// PeerInfo returns the index-th active connection, in connection order.
	PeerInfo(index int) (ConnInfo, error)
	UpdateConnParams(handle uint16, p ConnParams) error
	// Close stops advertising, removes services and releases the radio.
	Close() error
}

// Errors shared by all backends.
var (
	ErrNotInitialized = errors.New("stack not initialized")
	ErrNoSuchPeer     = errors.New("no such peer")
	ErrUnsupported    = errors.New("unsupported by backend")
	ErrUnknownChar    = errors.New("unknown characteristic")
)

// PeerIndexError reports an out-of-range PeerInfo index.
type PeerIndexError struct {
	Index int
	Count int
}

func (e *PeerIndexError) Error() string {
	return fmt.Sprintf("peer index %d out of range (%d connected)", e.Index, e.Count)
}

// Unwrap makes errors.Is(err, ErrNoSuchPeer) hold.
func (e *PeerIndexError) Unwrap() error {
	return ErrNoSuchPeer
}
