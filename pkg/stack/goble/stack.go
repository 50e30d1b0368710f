// Package goble implements stack.Stack on github.com/go-ble/ble in the
// peripheral role.
//
// go-ble reports no link-layer connect events to a GATT server, so a peer is
// registered the first time it issues a GATT request (read, write or
// subscribe) and dropped when its connection's Disconnected channel closes.
package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/groutine"
	"github.com/srg/blemidi/pkg/stack"
)

// DeviceFactory creates the ble.Device (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

var _ stack.Stack = (*Stack)(nil)

type peer struct {
	info stack.ConnInfo
	conn ble.Conn
}

type charState struct {
	mu          sync.Mutex
	value       []byte
	subscribers map[uint16]ble.Notifier
}

// Stack is a go-ble backed peripheral stack.
type Stack struct {
	logger *logrus.Logger

	dev     ble.Device
	name    string
	handler atomic.Pointer[serverHandlerBox]

	advertiseOnDisconnect atomic.Bool
	security              stack.AuthMode

	// peers is keyed by remote address; order keeps handles in connection order.
	peers      *hashmap.Map[string, *peer]
	chars      *hashmap.Map[string, *charState]
	peerMu     sync.Mutex
	order      []string
	nextHandle uint16

	advMu     sync.Mutex
	adv       *stack.Advertising
	advCancel context.CancelFunc
	advDone   chan struct{}
}

type serverHandlerBox struct {
	h stack.ServerHandler
}

// New creates an uninitialized go-ble stack.
func New(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		logger: logger,
		peers:  hashmap.New[string, *peer](),
		chars:  hashmap.New[string, *charState](),
	}
}

// Init opens the host controller.
func (s *Stack) Init(deviceName string) error {
	dev, err := DeviceFactory()
	if err != nil {
		return NormalizeError(err)
	}
	s.dev = dev
	s.name = deviceName
	s.nextHandle = 1
	s.logger.WithField("name", deviceName).Debug("go-ble device opened")
	return nil
}

func (s *Stack) SetServerHandler(h stack.ServerHandler) {
	s.handler.Store(&serverHandlerBox{h: h})
}

func (s *Stack) AdvertiseOnDisconnect(enable bool) {
	s.advertiseOnDisconnect.Store(enable)
}

// AddService translates the declaration into a go-ble service.
func (s *Stack) AddService(svc *stack.Service) error {
	if s.dev == nil {
		return stack.ErrNotInitialized
	}

	suuid, err := ble.Parse(svc.UUID)
	if err != nil {
		return fmt.Errorf("service %s: %w", svc.UUID, err)
	}
	bs := ble.NewService(suuid)

	for _, decl := range svc.Characteristics {
		cuuid, err := ble.Parse(decl.UUID)
		if err != nil {
			return fmt.Errorf("characteristic %s: %w", decl.UUID, err)
		}
		c := bs.NewCharacteristic(cuuid)

		writable := decl.Properties.Has(stack.PropWrite) || decl.Properties.Has(stack.PropWriteNR)
		if !writable && !decl.Properties.Has(stack.PropNotify) {
			// static read-only value
			c.SetValue(decl.Value)
			continue
		}

		cs := &charState{
			value:       append([]byte(nil), decl.Value...),
			subscribers: make(map[uint16]ble.Notifier),
		}
		s.chars.Set(stack.NormalizeUUID(decl.UUID), cs)

		if decl.Properties.Has(stack.PropRead) {
			c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				s.track(req.Conn())
				cs.mu.Lock()
				v := append([]byte(nil), cs.value...)
				cs.mu.Unlock()
				if _, err := rsp.Write(v); err != nil {
					s.logger.WithError(err).Debug("go-ble read response failed")
				}
			}))
		}

		if writable {
			if decl.OnWrite == nil {
				return fmt.Errorf("characteristic %s: writable without a write handler", decl.UUID)
			}
			onWrite := decl.OnWrite
			c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				p := s.track(req.Conn())
				data := req.Data()
				cs.mu.Lock()
				cs.value = append(cs.value[:0], data...)
				cs.mu.Unlock()
				onWrite.OnWrite(p.info, data)
			}))
		}

		if decl.Properties.Has(stack.PropNotify) {
			c.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				p := s.track(req.Conn())
				cs.mu.Lock()
				cs.subscribers[p.info.Handle] = n
				cs.mu.Unlock()

				<-n.Context().Done()

				cs.mu.Lock()
				delete(cs.subscribers, p.info.Handle)
				cs.mu.Unlock()
			}))
		}
	}

	if err := s.dev.AddService(bs); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// SetSecurity records the requested mode. go-ble has no peripheral-side
// security API; pairing and bonding are enforced by the host stack when a
// central requests encryption.
func (s *Stack) SetSecurity(mode stack.AuthMode) error {
	s.security = mode
	s.logger.WithField("mode", mode).Debug("Security delegated to host stack")
	return nil
}

// StartAdvertising advertises the name and service UUIDs until StopAdvertising.
func (s *Stack) StartAdvertising(adv stack.Advertising) error {
	s.advMu.Lock()
	defer s.advMu.Unlock()

	if s.dev == nil {
		return stack.ErrNotInitialized
	}
	if adv.Name == "" {
		adv.Name = s.name
	}
	if adv.Appearance != 0 {
		s.logger.WithField("appearance", adv.Appearance).Debug("go-ble cannot advertise appearance, ignored")
	}

	s.adv = &adv
	return s.startAdvertisingLocked()
}

func (s *Stack) startAdvertisingLocked() error {
	if s.advDone != nil {
		select {
		case <-s.advDone:
		default:
			return nil // still running
		}
	}

	uuids := make([]ble.UUID, 0, len(s.adv.ServiceUUIDs))
	for _, u := range s.adv.ServiceUUIDs {
		parsed, err := ble.Parse(u)
		if err != nil {
			return fmt.Errorf("advertised service %s: %w", u, err)
		}
		uuids = append(uuids, parsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.advCancel = cancel
	s.advDone = done
	name := s.adv.Name
	dev := s.dev

	groutine.Go(ctx, "goble-advertise", func(ctx context.Context) {
		defer close(done)
		err := dev.AdvertiseNameAndServices(ctx, name, uuids...)
		if err != nil && ctx.Err() == nil {
			s.logger.WithError(NormalizeError(err)).Warn("Advertising stopped")
		}
	})
	return nil
}

// StopAdvertising cancels advertising and waits for it to wind down.
func (s *Stack) StopAdvertising() error {
	s.advMu.Lock()
	defer s.advMu.Unlock()

	s.adv = nil
	if s.advCancel == nil {
		return nil
	}
	s.advCancel()
	<-s.advDone
	s.advCancel = nil
	return nil
}

// Notify updates the value and pushes it to every subscriber.
func (s *Stack) Notify(charUUID string, value []byte) error {
	cs, ok := s.chars.Get(stack.NormalizeUUID(charUUID))
	if !ok {
		return fmt.Errorf("%w: %s", stack.ErrUnknownChar, charUUID)
	}

	cs.mu.Lock()
	cs.value = append(cs.value[:0], value...)
	subscribers := make([]ble.Notifier, 0, len(cs.subscribers))
	for _, n := range cs.subscribers {
		subscribers = append(subscribers, n)
	}
	cs.mu.Unlock()

	for _, n := range subscribers {
		if _, err := n.Write(value); err != nil {
			s.logger.WithError(err).Debug("Notification not delivered")
		}
	}
	return nil
}

func (s *Stack) ConnectedCount() int {
	return s.peers.Len()
}

// PeerInfo returns the index-th tracked peer.
func (s *Stack) PeerInfo(index int) (stack.ConnInfo, error) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if index < 0 || index >= len(s.order) {
		return stack.ConnInfo{}, &stack.PeerIndexError{Index: index, Count: len(s.order)}
	}
	p, ok := s.peers.Get(s.order[index])
	if !ok {
		return stack.ConnInfo{}, stack.ErrNoSuchPeer
	}
	return p.info, nil
}

// UpdateConnParams is not available: go-ble exposes no peripheral-initiated
// connection update.
func (s *Stack) UpdateConnParams(handle uint16, _ stack.ConnParams) error {
	return fmt.Errorf("connection update for handle %d: %w", handle, stack.ErrUnsupported)
}

// Close stops advertising, drops all services and stops the device.
func (s *Stack) Close() error {
	if err := s.StopAdvertising(); err != nil {
		return err
	}
	s.advMu.Lock()
	dev := s.dev
	s.dev = nil
	s.advMu.Unlock()
	if dev == nil {
		return nil
	}

	if err := dev.RemoveAllServices(); err != nil {
		s.logger.WithError(err).Debug("RemoveAllServices failed")
	}
	// chars is cleared in place so concurrent Notify calls never see a swap.
	var keys []string
	s.chars.Range(func(key string, _ *charState) bool {
		keys = append(keys, key)
		return true
	})
	for _, k := range keys {
		s.chars.Del(k)
	}
	s.dropPeers()
	return NormalizeError(dev.Stop())
}

// dropPeers forgets every tracked link without disconnect callbacks; their
// watchers find nothing to untrack once the device stops.
func (s *Stack) dropPeers() {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	for _, addr := range s.order {
		s.peers.Del(addr)
	}
	s.order = nil
}

// track registers conn on first sight, firing OnConnect, and arms a watcher
// that fires OnDisconnect when the link drops.
func (s *Stack) track(conn ble.Conn) *peer {
	addr := conn.RemoteAddr().String()
	if p, ok := s.peers.Get(addr); ok {
		return p
	}

	s.peerMu.Lock()
	if p, ok := s.peers.Get(addr); ok {
		s.peerMu.Unlock()
		return p
	}
	p := &peer{
		conn: conn,
		info: stack.ConnInfo{
			Handle:  s.nextHandle,
			Address: addr,
			MTU:     conn.TxMTU(),
		},
	}
	s.nextHandle++
	s.peers.Set(addr, p)
	s.order = append(s.order, addr)
	s.peerMu.Unlock()

	groutine.Go(context.Background(), "goble-peer-watch", func(ctx context.Context) {
		<-conn.Disconnected()
		s.untrack(p)
	})

	if box := s.handler.Load(); box != nil && box.h != nil {
		box.h.OnConnect(p.info)
	}
	return p
}

func (s *Stack) untrack(p *peer) {
	s.peerMu.Lock()
	if cur, ok := s.peers.Get(p.info.Address); !ok || cur != p {
		s.peerMu.Unlock()
		return
	}
	s.peers.Del(p.info.Address)
	for i, a := range s.order {
		if a == p.info.Address {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.peerMu.Unlock()

	if box := s.handler.Load(); box != nil && box.h != nil {
		box.h.OnDisconnect(p.info)
	}

	if s.advertiseOnDisconnect.Load() {
		s.advMu.Lock()
		if s.adv != nil && s.dev != nil {
			if err := s.startAdvertisingLocked(); err != nil {
				s.logger.WithError(err).Warn("Failed to resume advertising")
			}
		}
		s.advMu.Unlock()
	}
}
