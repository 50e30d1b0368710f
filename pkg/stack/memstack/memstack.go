// Package memstack is an in-process BLE peripheral stack. It keeps the GATT
// database and connection table in memory and lets the caller play the part
// of one or more centrals: connect, subscribe, write, disconnect.
//
// It backs the test suites and the CLI loopback mode.
package memstack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
)

// Defaults applied to a freshly connected simulated peer.
const (
	DefaultInterval       = 24  // 30 ms
	DefaultTimeout        = 400 // 4 s
	DefaultMTU            = 23
	DefaultMaxConnections = 3
)

var (
	ErrNotAdvertising = errors.New("not advertising")
	ErrNotWritable    = errors.New("characteristic not writable")
	ErrNotNotifiable  = errors.New("characteristic does not support notify")
)

// Notification is one value delivered to a subscribed peer.
type Notification struct {
	Handle   uint16
	CharUUID string
	Value    []byte
}

type peer struct {
	info       stack.ConnInfo
	subscribed map[string]bool
}

type charState struct {
	decl  *stack.Characteristic
	value []byte
}

// Options configures a Stack. Zero values use the package defaults.
type Options struct {
	MaxConnections int
	InitError      error // returned by Init, to simulate radio failures
	Logger         *logrus.Logger
}

var _ stack.Stack = (*Stack)(nil)

// Stack implements stack.Stack in memory.
type Stack struct {
	logger *logrus.Logger
	opts   Options

	mu                    sync.Mutex
	name                  string
	initialized           bool
	handler               stack.ServerHandler
	advertiseOnDisconnect bool
	advertising           bool
	adv                   stack.Advertising
	security              stack.AuthMode
	services              []*stack.Service
	chars                 map[string]*charState
	order                 []uint16
	nextHandle            uint16
	notifications         []Notification
	paramRequests         []ParamRequest

	peers *hashmap.Map[uint16, *peer]
}

// ParamRequest records one UpdateConnParams call.
type ParamRequest struct {
	Handle uint16
	Params stack.ConnParams
}

// New creates a simulated stack.
func New(opts *Options) *Stack {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	logger := o.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Stack{
		logger: logger,
		opts:   o,
		chars:  make(map[string]*charState),
		peers:  hashmap.New[uint16, *peer](),
	}
}

// Init implements stack.Stack.
func (s *Stack) Init(deviceName string) error {
	if s.opts.InitError != nil {
		return s.opts.InitError
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = deviceName
	s.initialized = true
	s.nextHandle = 1
	s.logger.WithField("name", deviceName).Debug("memstack: initialized")
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
	s.advertiseOnDisconnect = enable
}

// AddService implements stack.Stack.
func (s *Stack) AddService(svc *stack.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return stack.ErrNotInitialized
	}
	for _, c := range svc.Characteristics {
		if c.Properties.Has(stack.PropWrite) || c.Properties.Has(stack.PropWriteNR) {
			if c.OnWrite == nil {
				return fmt.Errorf("characteristic %s: writable without a write handler", c.UUID)
			}
		}
		s.chars[stack.NormalizeUUID(c.UUID)] = &charState{
			decl:  c,
			value: append([]byte(nil), c.Value...),
		}
	}
	s.services = append(s.services, svc)
	return nil
}

func (s *Stack) SetSecurity(mode stack.AuthMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.security = mode
	return nil
}

// StartAdvertising implements stack.Stack.
func (s *Stack) StartAdvertising(adv stack.Advertising) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return stack.ErrNotInitialized
	}
	if adv.Name == "" {
		adv.Name = s.name
	}
	s.adv = adv
	s.advertising = true
	return nil
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertising = false
	return nil
}

// Notify implements stack.Stack.
func (s *Stack) Notify(charUUID string, value []byte) error {
	key := stack.NormalizeUUID(charUUID)

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chars[key]
	if !ok {
		return fmt.Errorf("%w: %s", stack.ErrUnknownChar, charUUID)
	}
	if !cs.decl.Properties.Has(stack.PropNotify) {
		return ErrNotNotifiable
	}
	cs.value = append(cs.value[:0], value...)

	for _, h := range s.order {
		p, ok := s.peers.Get(h)
		if !ok || !p.subscribed[key] {
			continue
		}
		s.notifications = append(s.notifications, Notification{
			Handle:   h,
			CharUUID: key,
			Value:    append([]byte(nil), value...),
		})
	}
	return nil
}

func (s *Stack) ConnectedCount() int {
	return s.peers.Len()
}

// PeerInfo implements stack.Stack.
func (s *Stack) PeerInfo(index int) (stack.ConnInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.order) {
		return stack.ConnInfo{}, &stack.PeerIndexError{Index: index, Count: len(s.order)}
	}
	p, ok := s.peers.Get(s.order[index])
	if !ok {
		return stack.ConnInfo{}, stack.ErrNoSuchPeer
	}
	return p.info, nil
}

// UpdateConnParams accepts the request as-is: the simulated central always
// settles on the maximum interval offered.
func (s *Stack) UpdateConnParams(handle uint16, params stack.ConnParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers.Get(handle)
	if !ok {
		return fmt.Errorf("%w: handle %d", stack.ErrNoSuchPeer, handle)
	}
	p.info.Interval = params.MaxInterval
	p.info.Timeout = params.Timeout
	p.info.Latency = params.Latency
	s.paramRequests = append(s.paramRequests, ParamRequest{Handle: handle, Params: params})
	return nil
}

// Close implements stack.Stack.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advertising = false
	s.services = nil
	s.chars = make(map[string]*charState)
	s.initialized = false
	// links die with the server; no disconnect callbacks are delivered
	for _, h := range s.order {
		s.peers.Del(h)
	}
	s.order = nil
	return nil
}
