package memstack

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
)

// Connect simulates a central connecting from address. The stack must be
// advertising. Advertising stops once MaxConnections peers are connected.
func (s *Stack) Connect(address string) (uint16, error) {
	s.mu.Lock()
	if !s.advertising {
		s.mu.Unlock()
		return 0, ErrNotAdvertising
	}

	handle := s.nextHandle
	s.nextHandle++
	p := &peer{
		info: stack.ConnInfo{
			Handle:   handle,
			Address:  address,
			Interval: DefaultInterval,
			Timeout:  DefaultTimeout,
			MTU:      DefaultMTU,
		},
		subscribed: make(map[string]bool),
	}
	s.peers.Set(handle, p)
	s.order = append(s.order, handle)
	if len(s.order) >= s.opts.MaxConnections {
		s.advertising = false
	}
	h := s.handler
	info := p.info
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"handle": handle, "address": address}).Debug("memstack: peer connected")
	if h != nil {
		h.OnConnect(info)
	}
	return handle, nil
}

// Disconnect simulates the peer with the given handle dropping the link.
func (s *Stack) Disconnect(handle uint16) error {
	s.mu.Lock()
	p, ok := s.peers.Get(handle)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: handle %d", stack.ErrNoSuchPeer, handle)
	}
	s.peers.Del(handle)
	for i, h := range s.order {
		if h == handle {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.advertiseOnDisconnect && s.initialized {
		s.advertising = true
	}
	h := s.handler
	info := p.info
	s.mu.Unlock()

	s.logger.WithField("handle", handle).Debug("memstack: peer disconnected")
	if h != nil {
		h.OnDisconnect(info)
	}
	return nil
}

// Subscribe enables notifications on charUUID for the peer.
func (s *Stack) Subscribe(handle uint16, charUUID string) error {
	return s.setSubscribed(handle, charUUID, true)
}

// Unsubscribe disables notifications on charUUID for the peer.
func (s *Stack) Unsubscribe(handle uint16, charUUID string) error {
	return s.setSubscribed(handle, charUUID, false)
}

func (s *Stack) setSubscribed(handle uint16, charUUID string, on bool) error {
	key := stack.NormalizeUUID(charUUID)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers.Get(handle)
	if !ok {
		return fmt.Errorf("%w: handle %d", stack.ErrNoSuchPeer, handle)
	}
	cs, ok := s.chars[key]
	if !ok {
		return fmt.Errorf("%w: %s", stack.ErrUnknownChar, charUUID)
	}
	if !cs.decl.Properties.Has(stack.PropNotify) {
		return ErrNotNotifiable
	}
	p.subscribed[key] = on
	return nil
}

// Write simulates the peer writing value into charUUID. The characteristic's
// write handler runs on the calling goroutine, which stands in for the stack
// context.
func (s *Stack) Write(handle uint16, charUUID string, value []byte) error {
	key := stack.NormalizeUUID(charUUID)

	s.mu.Lock()
	p, ok := s.peers.Get(handle)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: handle %d", stack.ErrNoSuchPeer, handle)
	}
	cs, ok := s.chars[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", stack.ErrUnknownChar, charUUID)
	}
	props := cs.decl.Properties
	if !props.Has(stack.PropWrite) && !props.Has(stack.PropWriteNR) {
		s.mu.Unlock()
		return ErrNotWritable
	}
	cs.value = append(cs.value[:0], value...)
	handler := cs.decl.OnWrite
	info := p.info
	s.mu.Unlock()

	handler.OnWrite(info, append([]byte(nil), value...))
	return nil
}

// Read returns the current value of charUUID as a peer would read it.
func (s *Stack) Read(charUUID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chars[stack.NormalizeUUID(charUUID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stack.ErrUnknownChar, charUUID)
	}
	if !cs.decl.Properties.Has(stack.PropRead) {
		return nil, fmt.Errorf("characteristic %s not readable", charUUID)
	}
	return append([]byte(nil), cs.value...), nil
}

// Notifications returns every notification delivered so far.
func (s *Stack) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// ParamRequests returns every connection-parameter update requested so far.
func (s *Stack) ParamRequests() []ParamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ParamRequest(nil), s.paramRequests...)
}

// Advertising reports whether the stack is advertising and with what payload.
func (s *Stack) Advertising() (stack.Advertising, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adv, s.advertising
}

// Security returns the configured authentication mode.
func (s *Stack) Security() stack.AuthMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.security
}

// Services returns the registered GATT services.
func (s *Stack) Services() []*stack.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*stack.Service(nil), s.services...)
}

// Name returns the device name passed to Init.
func (s *Stack) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}
