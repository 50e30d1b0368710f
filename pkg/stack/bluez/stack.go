//go:build linux

package bluez

import (
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
	"tinygo.org/x/bluetooth"
)

// defaultMTU is reported for peers because BlueZ does not expose the
// negotiated ATT MTU through the adapter API.
const defaultMTU = 23

var _ stack.Stack = (*Stack)(nil)

// Stack is a BlueZ backed peripheral stack.
type Stack struct {
	logger  *logrus.Logger
	adapter *bluetooth.Adapter

	name        string
	initialized bool
	handler     stack.ServerHandler
	readvertise bool
	security    stack.AuthMode

	mu         sync.Mutex
	peers      *hashmap.Map[string, stack.ConnInfo]
	order      []string
	nextHandle uint16

	chars       *hashmap.Map[string, *bluetooth.Characteristic]
	adv         *bluetooth.Advertisement
	advertising bool
}

// New creates a stack bound to the default BlueZ adapter.
func New(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		logger:  logger,
		adapter: bluetooth.DefaultAdapter,
		peers:   hashmap.New[string, stack.ConnInfo](),
		chars:   hashmap.New[string, *bluetooth.Characteristic](),
	}
}

// Init enables the adapter and registers the connection handler.
func (s *Stack) Init(deviceName string) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		if connected {
			s.peerConnected(addr)
		} else {
			s.peerDisconnected(addr)
		}
	})

	s.mu.Lock()
	s.name = deviceName
	s.initialized = true
	s.nextHandle = 1
	s.mu.Unlock()
	return nil
}

func (s *Stack) SetServerHandler(h stack.ServerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Stack) AdvertiseOnDisconnect(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readvertise = enable
}

// AddService registers the service with BlueZ.
func (s *Stack) AddService(svc *stack.Service) error {
	if !s.isInitialized() {
		return stack.ErrNotInitialized
	}

	suuid, err := parseUUID(svc.UUID)
	if err != nil {
		return err
	}

	configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	handles := make(map[string]*bluetooth.Characteristic)
	for _, decl := range svc.Characteristics {
		cuuid, err := parseUUID(decl.UUID)
		if err != nil {
			return err
		}

		cfg := bluetooth.CharacteristicConfig{
			UUID:  cuuid,
			Value: append([]byte(nil), decl.Value...),
			Flags: permissions(decl.Properties),
		}

		if decl.Properties.Has(stack.PropWrite) || decl.Properties.Has(stack.PropWriteNR) {
			if decl.OnWrite == nil {
				return fmt.Errorf("characteristic %s: writable without a write handler", decl.UUID)
			}
			onWrite := decl.OnWrite
			cfg.WriteEvent = func(_ bluetooth.Connection, _ int, value []byte) {
				onWrite.OnWrite(s.writer(), value)
			}
		}

		if decl.Properties.Has(stack.PropNotify) {
			h := &bluetooth.Characteristic{}
			cfg.Handle = h
			handles[stack.NormalizeUUID(decl.UUID)] = h
		}
		configs = append(configs, cfg)
	}

	if err := s.adapter.AddService(&bluetooth.Service{UUID: suuid, Characteristics: configs}); err != nil {
		return fmt.Errorf("add service %s: %w", svc.UUID, err)
	}
	for k, h := range handles {
		s.chars.Set(k, h)
	}
	return nil
}

// SetSecurity records the requested mode; pairing is driven by the BlueZ agent.
func (s *Stack) SetSecurity(mode stack.AuthMode) error {
	s.mu.Lock()
	s.security = mode
	s.mu.Unlock()
	s.logger.WithField("mode", mode).Debug("Security delegated to BlueZ agent")
	return nil
}

// StartAdvertising configures and starts the default advertisement.
func (s *Stack) StartAdvertising(adv stack.Advertising) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return stack.ErrNotInitialized
	}
	if adv.Name == "" {
		adv.Name = s.name
	}
	if adv.Appearance != 0 {
		s.logger.WithField("appearance", adv.Appearance).Debug("Appearance is set by BlueZ main.conf, ignored")
	}

	uuids := make([]bluetooth.UUID, 0, len(adv.ServiceUUIDs))
	for _, u := range adv.ServiceUUIDs {
		parsed, err := parseUUID(u)
		if err != nil {
			return err
		}
		uuids = append(uuids, parsed)
	}

	if s.advertising {
		if err := s.adv.Stop(); err != nil {
			s.logger.WithError(err).Debug("Stop before reconfigure failed")
		}
		s.advertising = false
	}

	s.adv = s.adapter.DefaultAdvertisement()
	if err := s.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    adv.Name,
		ServiceUUIDs: uuids,
	}); err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := s.adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}
	s.advertising = true
	return nil
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAdvertisingLocked()
}

func (s *Stack) stopAdvertisingLocked() error {
	if !s.advertising {
		return nil
	}
	s.advertising = false
	return s.adv.Stop()
}

// Notify writes the value; BlueZ forwards it to subscribed centrals.
func (s *Stack) Notify(charUUID string, value []byte) error {
	h, ok := s.chars.Get(stack.NormalizeUUID(charUUID))
	if !ok {
		return fmt.Errorf("%w: %s", stack.ErrUnknownChar, charUUID)
	}
	if _, err := h.Write(value); err != nil {
		return fmt.Errorf("notify %s: %w", charUUID, err)
	}
	return nil
}

func (s *Stack) ConnectedCount() int {
	return s.peers.Len()
}

func (s *Stack) PeerInfo(index int) (stack.ConnInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.order) {
		return stack.ConnInfo{}, &stack.PeerIndexError{Index: index, Count: len(s.order)}
	}
	info, ok := s.peers.Get(s.order[index])
	if !ok {
		return stack.ConnInfo{}, stack.ErrNoSuchPeer
	}
	return info, nil
}

// UpdateConnParams is not available through the BlueZ D-Bus GATT API.
func (s *Stack) UpdateConnParams(handle uint16, _ stack.ConnParams) error {
	return fmt.Errorf("connection update for handle %d: %w", handle, stack.ErrUnsupported)
}

// Close stops advertising and forgets all peers. BlueZ keeps the adapter
// powered; registered services live until the process exits.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.stopAdvertisingLocked()
	s.initialized = false
	s.handler = nil
	// cleared in place: Notify and ConnectedCount read these maps without s.mu
	for _, addr := range s.order {
		s.peers.Del(addr)
	}
	s.order = nil
	var keys []string
	s.chars.Range(func(key string, _ *bluetooth.Characteristic) bool {
		keys = append(keys, key)
		return true
	})
	for _, k := range keys {
		s.chars.Del(k)
	}
	return err
}

func (s *Stack) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// writer picks the peer a write is attributed to. BlueZ does not identify the
// writing client, so the most recent connection is used.
func (s *Stack) writer() stack.ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return stack.ConnInfo{}
	}
	info, _ := s.peers.Get(s.order[len(s.order)-1])
	return info
}

func (s *Stack) peerConnected(addr string) {
	s.mu.Lock()
	if _, ok := s.peers.Get(addr); ok || !s.initialized {
		s.mu.Unlock()
		return
	}
	info := stack.ConnInfo{Handle: s.nextHandle, Address: addr, MTU: defaultMTU}
	s.nextHandle++
	s.peers.Set(addr, info)
	s.order = append(s.order, addr)
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h.OnConnect(info)
	}
}

func (s *Stack) peerDisconnected(addr string) {
	s.mu.Lock()
	info, ok := s.peers.Get(addr)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.peers.Del(addr)
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	h := s.handler
	resume := s.readvertise && s.adv != nil && s.initialized
	s.mu.Unlock()

	if h != nil {
		h.OnDisconnect(info)
	}

	if resume {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.advertising {
			// re-register; BlueZ may have dropped the instance on connect
			_ = s.adv.Stop()
		}
		if err := s.adv.Start(); err != nil {
			s.logger.WithError(err).Warn("Failed to resume advertising")
			return
		}
		s.advertising = true
	}
}
