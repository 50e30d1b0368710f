package blemidi

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
)

// serverCallbacks forwards stack link events to the Peripheral.
type serverCallbacks struct {
	p *Peripheral
}

func (c *serverCallbacks) OnConnect(conn stack.ConnInfo) {
	c.p.onPeerConnected(conn)
}

func (c *serverCallbacks) OnDisconnect(conn stack.ConnInfo) {
	c.p.onPeerDisconnected(conn)
}

// characteristicCallbacks forwards MIDI characteristic writes to the Peripheral.
type characteristicCallbacks struct {
	p *Peripheral
}

func (c *characteristicCallbacks) OnWrite(_ stack.ConnInfo, value []byte) {
	if len(value) == 0 {
		return
	}
	c.p.onDataWritten(value)
}

// onPeerConnected notifies the transport, then asks the new peer for the
// low-latency parameters. The request runs whether or not a hook is set.
func (p *Peripheral) onPeerConnected(conn stack.ConnInfo) {
	p.events.Record(Event{Kind: EventConnected, Conn: conn, At: time.Now()})

	if t := p.transport.Load(); t != nil {
		t.connected()
	}

	handle := conn.Handle
	log := p.logger.WithFields(logrus.Fields{
		"handle":      handle,
		"address":     conn.Address,
		"connections": p.stack.ConnectedCount(),
	})
	log.Info("Peer connected")

	err := p.stack.UpdateConnParams(handle, p.settings.ConnParams)
	if err != nil {
		log.WithError(err).Debug("Connection parameter update not applied")
	}

	negotiated, ok := p.peerByHandle(handle)
	if !ok {
		// peer left while we were negotiating
		negotiated = conn
	}
	p.events.Record(Event{Kind: EventParamsUpdated, Conn: negotiated, At: time.Now(), Err: err})
	log.WithFields(logrus.Fields{
		"interval": negotiated.Interval,
		"timeout":  negotiated.Timeout,
		"latency":  negotiated.Latency,
	}).Debug("Connection parameters")
}

func (p *Peripheral) onPeerDisconnected(conn stack.ConnInfo) {
	p.events.Record(Event{Kind: EventDisconnected, Conn: conn, At: time.Now()})

	if t := p.transport.Load(); t != nil {
		t.disconnected()
	}

	p.logger.WithFields(logrus.Fields{
		"handle":      conn.Handle,
		"address":     conn.Address,
		"connections": p.stack.ConnectedCount(),
	}).Info("Peer disconnected")
}

// onDataWritten hands one characteristic write to the transport for parsing.
func (p *Peripheral) onDataWritten(value []byte) {
	if t := p.transport.Load(); t != nil {
		t.Receive(value)
	}
}
