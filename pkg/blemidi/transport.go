package blemidi

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blemidi/pkg/stack"
)

// Transport is the interface the MIDI layer programs against. It hides the
// Peripheral and the stack behind it.
type Transport struct {
	name       string
	info       DeviceInfo
	peripheral *Peripheral
	parser     Parser
	logger     *logrus.Logger

	hookMu         sync.RWMutex
	onConnected    func()
	onDisconnected func()

	txMu sync.Mutex
	tx   *ringbuffer.RingBuffer
}

// NewTransport creates a transport named name on top of p.
func NewTransport(name string, p *Peripheral, opts ...Option) *Transport {
	cfg := applyOptions(opts)
	t := &Transport{
		name:       name,
		info:       cfg.info,
		peripheral: p,
		parser:     cfg.parser,
		logger:     cfg.logger,
		tx:         ringbuffer.New(p.settings.MaxBufferSize),
	}
	if t.logger == nil {
		t.logger = p.logger
	}
	return t
}

// Name returns the advertised device name.
func (t *Transport) Name() string {
	return t.name
}

// Begin brings the peripheral up under the transport's name and device info.
func (t *Transport) Begin() error {
	t.peripheral.SetDeviceInfo(t.info)
	return t.peripheral.Begin(t.name, t.info.Vendor, t.info.Model, t)
}

// End tears the peripheral down.
func (t *Transport) End() error {
	return t.peripheral.End()
}

// OnConnected registers fn to run on every peer connect, replacing any
// previous registration. fn runs on the stack goroutine. Nil unregisters.
func (t *Transport) OnConnected(fn func()) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.onConnected = fn
}

// OnDisconnected registers fn to run on every peer disconnect, replacing any
// previous registration. fn runs on the stack goroutine. Nil unregisters.
func (t *Transport) OnDisconnected(fn func()) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.onDisconnected = fn
}

func (t *Transport) connected() {
	t.hookMu.RLock()
	fn := t.onConnected
	t.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (t *Transport) disconnected() {
	t.hookMu.RLock()
	fn := t.onDisconnected
	t.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Receive takes the full value of one characteristic write and feeds it to
// the parser, whose output lands in the receive queue.
func (t *Transport) Receive(buf []byte) {
	if len(buf) == 0 {
		return
	}
	t.parser.Parse(buf, t.peripheral.Add)
}

// Poll returns the next received byte without blocking.
func (t *Transport) Poll() (byte, bool) {
	return t.peripheral.AvailableByte()
}

// Write sends buf as one characteristic notification.
func (t *Transport) Write(buf []byte) {
	t.peripheral.Write(buf)
}

// BeginTransmission discards any unsent bytes and starts a new batch.
func (t *Transport) BeginTransmission() {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	t.tx.Reset()
}

// WriteByte appends b to the current batch, flushing first if the batch is
// already MaxBufferSize bytes long.
func (t *Transport) WriteByte(b byte) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()

	if t.tx.IsFull() {
		t.flushLocked()
	}
	_, err := t.tx.Write([]byte{b})
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return err
	}
	return nil
}

// EndTransmission sends the current batch as one notification.
func (t *Transport) EndTransmission() {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	t.flushLocked()
}

func (t *Transport) flushLocked() {
	n := t.tx.Length()
	if n == 0 {
		return
	}
	buf := make([]byte, n)
	n, err := t.tx.TryRead(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		t.logger.WithError(err).Debug("Transmission buffer read failed")
		return
	}
	t.peripheral.Write(buf[:n])
}

// ConnectionCount returns the number of connected peers.
func (t *Transport) ConnectionCount() int {
	return t.peripheral.ConnectionCount()
}

// PeerInfo returns the index-th connected peer.
func (t *Transport) PeerInfo(index int) (stack.ConnInfo, error) {
	return t.peripheral.PeerInfo(index)
}

// UpdateConnectionParams requests new link parameters for the peer.
func (t *Transport) UpdateConnectionParams(handle uint16, params stack.ConnParams) error {
	return t.peripheral.UpdateConnectionParams(handle, params)
}
