// Package bluez implements stack.Stack on tinygo.org/x/bluetooth, which talks
// to BlueZ over D-Bus. Unlike go-ble it receives connect and disconnect events
// from the adapter, so peers are tracked from the moment the link comes up.
//
// The backend is only built on Linux.
package bluez
