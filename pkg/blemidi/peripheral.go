package blemidi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateBegun
	stateEnded
)

// Peripheral owns the BLE-MIDI GATT setup on a stack.Stack and the receive
// queue. It is the only place where stack goroutines meet the poll loop.
type Peripheral struct {
	stack    stack.Stack
	settings Settings
	logger   *logrus.Logger
	info     DeviceInfo
	events   *EventLog

	mu        sync.Mutex // serializes Begin/End
	state     lifecycle
	begun     atomic.Bool // mirrors state == stateBegun for lock-free readers
	transport atomic.Pointer[Transport]
	queue     atomic.Pointer[ByteQueue]
}

// NewPeripheral creates an adapter over st. A nil settings uses
// DefaultSettings; a nil logger uses logrus.New().
func NewPeripheral(st stack.Stack, settings *Settings, logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	s := settings.withDefaults()
	return &Peripheral{
		stack:    st,
		settings: s,
		logger:   logger,
		events:   NewEventLog(s.EventLogSize),
	}
}

// SetDeviceInfo sets the optional Device Information strings published by
// the next Begin. Vendor and Model passed to Begin take precedence.
func (p *Peripheral) SetDeviceInfo(info DeviceInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
}

// Begin brings up the stack, registers the MIDI and Device Information
// services, requires bonding and starts advertising. A stack failure is
// returned wrapped in ErrStackInit and is not retried.
func (p *Peripheral) Begin(deviceName, vendorName, modelName string, t *Transport) error {
	if t == nil {
		return ErrNoTransport
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateBegun {
		return ErrAlreadyBegun
	}

	log := p.logger.WithField("name", deviceName)
	log.Debug("Initializing BLE stack")

	if err := p.stack.Init(deviceName); err != nil {
		return fmt.Errorf("%w: %w", ErrStackInit, err)
	}

	p.transport.Store(t)
	p.queue.Store(NewByteQueue(p.settings.MaxBufferSize, p.settings.PushTimeout))

	p.stack.SetServerHandler(&serverCallbacks{p: p})
	p.stack.AdvertiseOnDisconnect(true)

	midiService := &stack.Service{
		UUID: stack.MIDIServiceUUID,
		Characteristics: []*stack.Characteristic{{
			UUID:       stack.MIDICharacteristicUUID,
			Properties: stack.PropRead | stack.PropWrite | stack.PropWriteNR | stack.PropNotify,
			OnWrite:    &characteristicCallbacks{p: p},
		}},
	}

	info := p.info
	info.Vendor = vendorName
	info.Model = modelName
	disService := &stack.Service{UUID: stack.DeviceInformationUUID}
	for pair := deviceInfoFields(info).Oldest(); pair != nil; pair = pair.Next() {
		disService.Characteristics = append(disService.Characteristics, &stack.Characteristic{
			UUID:       pair.Key,
			Properties: stack.PropRead,
			Value:      []byte(pair.Value),
		})
	}

	if err := p.stack.AddService(midiService); err != nil {
		return p.abortBegin(fmt.Errorf("add MIDI service: %w", err))
	}
	if err := p.stack.AddService(disService); err != nil {
		return p.abortBegin(fmt.Errorf("add device information service: %w", err))
	}
	if err := p.stack.SetSecurity(stack.AuthBond); err != nil {
		return p.abortBegin(fmt.Errorf("set security: %w", err))
	}

	err := p.stack.StartAdvertising(stack.Advertising{
		Name:         deviceName,
		ServiceUUIDs: []string{midiService.UUID, disService.UUID},
		Appearance:   p.settings.Appearance,
	})
	if err != nil {
		return p.abortBegin(fmt.Errorf("start advertising: %w", err))
	}

	p.state = stateBegun
	p.begun.Store(true)
	log.WithFields(logrus.Fields{
		"vendor":      vendorName,
		"model":       modelName,
		"buffer_size": p.settings.MaxBufferSize,
	}).Info("BLE-MIDI peripheral advertising")
	return nil
}

// abortBegin releases what a failed Begin already set up. Called with p.mu held.
func (p *Peripheral) abortBegin(err error) error {
	if closeErr := p.stack.Close(); closeErr != nil {
		p.logger.WithError(closeErr).Debug("Stack close after failed begin")
	}
	if q := p.queue.Load(); q != nil {
		q.Close()
	}
	return fmt.Errorf("%w: %w", ErrStackInit, err)
}

// deviceInfoFields lists the DIS characteristics in publication order.
func deviceInfoFields(info DeviceInfo) *orderedmap.OrderedMap[string, string] {
	fields := orderedmap.New[string, string]()
	fields.Set(stack.ManufacturerNameUUID, info.Vendor)
	fields.Set(stack.ModelNumberUUID, info.Model)

	optional := []struct {
		uuid  string
		value string
	}{
		{stack.SerialNumberUUID, info.Serial},
		{stack.HardwareRevisionUUID, info.HardwareRevision},
		{stack.FirmwareRevisionUUID, info.FirmwareRevision},
		{stack.SoftwareRevisionUUID, info.SoftwareRevision},
	}
	for _, f := range optional {
		if f.value != "" {
			fields.Set(f.uuid, f.value)
		}
	}
	return fields
}

// End stops advertising, tears the stack down and closes the receive queue,
// releasing a stack goroutine blocked on a full queue. Bytes already queued
// remain pollable. End is idempotent; Begin may be called again afterwards.
func (p *Peripheral) End() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateBegun {
		return nil
	}
	p.state = stateEnded
	p.begun.Store(false)

	var errs []error
	if err := p.stack.StopAdvertising(); err != nil {
		errs = append(errs, fmt.Errorf("stop advertising: %w", err))
	}
	if q := p.queue.Load(); q != nil {
		q.Close()
	}
	if err := p.stack.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stack: %w", err))
	}

	p.logger.Info("BLE-MIDI peripheral stopped")
	return errors.Join(errs...)
}

// Begun reports whether Begin succeeded and End has not been called since.
func (p *Peripheral) Begun() bool {
	return p.begun.Load()
}

// Write sets the MIDI characteristic value and notifies every subscribed
// peer. With no peer connected it is a silent no-op.
func (p *Peripheral) Write(buf []byte) {
	if !p.begun.Load() {
		p.logger.Debug("Write while not begun ignored")
		return
	}
	if err := p.stack.Notify(stack.MIDICharacteristicUUID, buf); err != nil {
		p.logger.WithError(err).WithField("len", len(buf)).Debug("MIDI notify failed")
	}
}

// AvailableByte pops one received byte without blocking.
func (p *Peripheral) AvailableByte() (byte, bool) {
	q := p.queue.Load()
	if q == nil {
		return 0, false
	}
	return q.Pop()
}

// Add queues one received byte. It runs on the stack goroutine and may wait
// up to Settings.PushTimeout for the poll loop; on timeout the byte is lost.
func (p *Peripheral) Add(b byte) {
	q := p.queue.Load()
	if q == nil {
		return
	}
	if !q.Push(b) {
		p.logger.WithField("dropped", q.Stats().Dropped).Debug("Receive queue full, byte dropped")
	}
}

// ConnectionCount returns the number of connected peers; zero when not begun.
func (p *Peripheral) ConnectionCount() int {
	if !p.begun.Load() {
		return 0
	}
	return p.stack.ConnectedCount()
}

// PeerInfo returns the index-th connected peer.
func (p *Peripheral) PeerInfo(index int) (stack.ConnInfo, error) {
	if !p.begun.Load() {
		return stack.ConnInfo{}, ErrNotBegun
	}
	return p.stack.PeerInfo(index)
}

// UpdateConnectionParams requests new link parameters for the peer.
func (p *Peripheral) UpdateConnectionParams(handle uint16, params stack.ConnParams) error {
	if !p.begun.Load() {
		return ErrNotBegun
	}
	return p.stack.UpdateConnParams(handle, params)
}

// QueueStats returns receive queue counters; zero before Begin.
func (p *Peripheral) QueueStats() QueueStats {
	q := p.queue.Load()
	if q == nil {
		return QueueStats{}
	}
	return q.Stats()
}

// Events drains the lifecycle event log.
func (p *Peripheral) Events() []Event {
	return p.events.Drain()
}

// Settings returns the effective settings.
func (p *Peripheral) Settings() Settings {
	return p.settings
}

// peerByHandle looks the handle up in the stack's connection table.
func (p *Peripheral) peerByHandle(handle uint16) (stack.ConnInfo, bool) {
	n := p.stack.ConnectedCount()
	for i := 0; i < n; i++ {
		info, err := p.stack.PeerInfo(i)
		if err != nil {
			continue
		}
		if info.Handle == handle {
			return info, true
		}
	}
	return stack.ConnInfo{}, false
}
