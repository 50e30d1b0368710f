package blemidi

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
	"github.com/srg/blemidi/pkg/stack/memstack"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// PeripheralTestSuite drives a Transport/Peripheral pair over the in-memory stack.
type PeripheralTestSuite struct {
	suite.Suite

	logger     *logrus.Logger
	sim        *memstack.Stack
	transport  *Transport
	peripheral *Peripheral
}

func (s *PeripheralTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)

	s.sim = memstack.New(&memstack.Options{Logger: s.logger})
	s.transport, s.peripheral = NewInstance("Test-MIDI", s.sim,
		WithLogger(s.logger),
		WithDeviceInfo(DeviceInfo{Vendor: "Acme", Model: "Keys-49", FirmwareRevision: "1.2.0"}),
	)
}

func (s *PeripheralTestSuite) TearDownTest() {
	s.NoError(s.peripheral.End())
}

func (s *PeripheralTestSuite) begin() {
	s.Require().NoError(s.transport.Begin())
}

func (s *PeripheralTestSuite) connectSubscribed(addr string) uint16 {
	h, err := s.sim.Connect(addr)
	s.Require().NoError(err)
	s.Require().NoError(s.sim.Subscribe(h, stack.MIDICharacteristicUUID))
	return h
}

func (s *PeripheralTestSuite) pollAll() []byte {
	var out []byte
	for b, ok := s.transport.Poll(); ok; b, ok = s.transport.Poll() {
		out = append(out, b)
	}
	return out
}

func (s *PeripheralTestSuite) TestBeginRegistersGATTAndAdvertises() {
	// GOAL: Begin publishes the MIDI characteristic, the device information strings, bonding and advertising
	//
	// TEST SCENARIO: Begin → inspect simulated stack → services, properties, DIS values, security, advertisement
	s.begin()

	s.Equal("Test-MIDI", s.sim.Name())
	s.True(s.peripheral.Begun())

	services := s.sim.Services()
	s.Require().Len(services, 2)
	s.True(stack.SameUUID(stack.MIDIServiceUUID, services[0].UUID))
	s.Require().Len(services[0].Characteristics, 1)
	midi := services[0].Characteristics[0]
	s.True(stack.SameUUID(stack.MIDICharacteristicUUID, midi.UUID))
	s.Equal(stack.PropRead|stack.PropWrite|stack.PropWriteNR|stack.PropNotify, midi.Properties)

	dis := services[1]
	s.Equal(stack.DeviceInformationUUID, dis.UUID)
	var uuids []string
	for _, c := range dis.Characteristics {
		uuids = append(uuids, c.UUID)
		s.Equal(stack.PropRead, c.Properties)
	}
	s.Equal([]string{stack.ManufacturerNameUUID, stack.ModelNumberUUID, stack.FirmwareRevisionUUID}, uuids)

	vendor, err := s.sim.Read(stack.ManufacturerNameUUID)
	s.NoError(err)
	s.Equal("Acme", string(vendor))
	model, err := s.sim.Read(stack.ModelNumberUUID)
	s.NoError(err)
	s.Equal("Keys-49", string(model))

	s.Equal(stack.AuthBond, s.sim.Security())

	adv, advertising := s.sim.Advertising()
	s.True(advertising)
	s.Equal("Test-MIDI", adv.Name)
	s.Equal([]string{stack.MIDIServiceUUID, stack.DeviceInformationUUID}, adv.ServiceUUIDs)
	s.Equal(AppearanceUnknown, adv.Appearance)
}

func (s *PeripheralTestSuite) TestBeginTwice() {
	s.begin()
	s.ErrorIs(s.transport.Begin(), ErrAlreadyBegun)
}

func (s *PeripheralTestSuite) TestRoundTrip() {
	// GOAL: Bytes written by a peer come out of Poll byte-for-byte and in order
	//
	// TEST SCENARIO: connect → write [80 90 3C 7F] → four polls return the same bytes → fifth poll is empty
	s.begin()
	h := s.connectSubscribed("AA:BB:CC:DD:EE:01")

	s.Require().NoError(s.sim.Write(h, stack.MIDICharacteristicUUID, []byte{0x80, 0x90, 0x3C, 0x7F}))
	s.Equal([]byte{0x80, 0x90, 0x3C, 0x7F}, s.pollAll())

	_, ok := s.transport.Poll()
	s.False(ok)
}

func (s *PeripheralTestSuite) TestReceiveDirect() {
	s.begin()
	s.transport.Receive([]byte{0x80, 0x90, 0x3C, 0x7F})
	s.transport.Receive(nil)
	s.Equal([]byte{0x80, 0x90, 0x3C, 0x7F}, s.pollAll())
}

func (s *PeripheralTestSuite) TestEmptyWriteIgnored() {
	s.begin()
	h := s.connectSubscribed("peer")
	s.Require().NoError(s.sim.Write(h, stack.MIDICharacteristicUUID, []byte{}))
	s.Empty(s.pollAll())
}

func (s *PeripheralTestSuite) TestWriteReflectsValue() {
	// GOAL: An outgoing write becomes exactly one notification carrying the bytes
	//
	// TEST SCENARIO: one subscribed peer → Write [90 40 7F] → one notification + characteristic value updated
	s.begin()
	h := s.connectSubscribed("peer")

	s.transport.Write([]byte{0x90, 0x40, 0x7F})

	n := s.sim.Notifications()
	s.Require().Len(n, 1)
	s.Equal(h, n[0].Handle)
	s.Equal([]byte{0x90, 0x40, 0x7F}, n[0].Value)

	v, err := s.sim.Read(stack.MIDICharacteristicUUID)
	s.NoError(err)
	s.Equal([]byte{0x90, 0x40, 0x7F}, v)
}

func (s *PeripheralTestSuite) TestWriteWithoutPeersIsNoop() {
	s.begin()
	s.NotPanics(func() { s.transport.Write([]byte{0xF8}) })
	s.Empty(s.sim.Notifications())
}

func (s *PeripheralTestSuite) TestBeforeBegin() {
	s.NotPanics(func() { s.transport.Write([]byte{0xF8}) })
	_, ok := s.transport.Poll()
	s.False(ok)

	_, err := s.transport.PeerInfo(0)
	s.ErrorIs(err, ErrNotBegun)
	s.ErrorIs(s.transport.UpdateConnectionParams(1, DefaultConnParams), ErrNotBegun)
}

func (s *PeripheralTestSuite) TestConnectHookOncePerPeer() {
	// GOAL: The connected hook fires once per connect, with the peer already resolvable
	//
	// TEST SCENARIO: 3 peers connect → hook count 3 → each hook sees its own handle in the connection table
	s.begin()

	var mu sync.Mutex
	var seen []int
	s.transport.OnConnected(func() {
		mu.Lock()
		defer mu.Unlock()
		n := s.transport.ConnectionCount()
		_, err := s.transport.PeerInfo(n - 1)
		s.NoError(err)
		seen = append(seen, n)
	})

	var handles []uint16
	for _, addr := range []string{"peer-1", "peer-2", "peer-3"} {
		h, err := s.sim.Connect(addr)
		s.Require().NoError(err)
		handles = append(handles, h)
	}

	s.Equal([]int{1, 2, 3}, seen)
	for i, h := range handles {
		info, err := s.transport.PeerInfo(i)
		s.NoError(err)
		s.Equal(h, info.Handle)
	}
}

func (s *PeripheralTestSuite) TestDisconnectHookAndReadvertise() {
	// GOAL: Disconnect fires the hook once and advertising resumes so a new peer can connect
	//
	// TEST SCENARIO: max 1 connection → connect → disconnect → hook once → connect again succeeds
	s.sim = memstack.New(&memstack.Options{MaxConnections: 1, Logger: s.logger})
	s.transport, s.peripheral = NewInstance("Test-MIDI", s.sim, WithLogger(s.logger))
	s.begin()

	var connects, disconnects atomic.Int32
	s.transport.OnConnected(func() { connects.Add(1) })
	s.transport.OnDisconnected(func() { disconnects.Add(1) })

	h, err := s.sim.Connect("peer-1")
	s.Require().NoError(err)
	_, advertising := s.sim.Advertising()
	s.False(advertising)

	s.Require().NoError(s.sim.Disconnect(h))
	s.Equal(int32(1), disconnects.Load())
	s.Equal(0, s.transport.ConnectionCount())

	_, err = s.sim.Connect("peer-2")
	s.NoError(err)
	s.Equal(int32(2), connects.Load())
	s.Equal(int32(1), disconnects.Load())
}

func (s *PeripheralTestSuite) TestParamsNegotiatedWithoutHooks() {
	// GOAL: The parameter request runs on every connect even when no hook is registered
	//
	// TEST SCENARIO: no hooks → connect → one param request with defaults → negotiated values visible
	s.begin()
	h, err := s.sim.Connect("peer")
	s.Require().NoError(err)

	reqs := s.sim.ParamRequests()
	s.Require().Len(reqs, 1)
	s.Equal(h, reqs[0].Handle)
	s.Equal(DefaultConnParams, reqs[0].Params)

	info, err := s.transport.PeerInfo(0)
	s.NoError(err)
	s.Equal(uint16(6), info.Interval)
	s.Equal(uint16(1000), info.Timeout)
	s.Equal(uint16(0), info.Latency)
}

func (s *PeripheralTestSuite) TestEventsRecorded() {
	s.begin()
	h, err := s.sim.Connect("peer")
	s.Require().NoError(err)
	s.Require().NoError(s.sim.Disconnect(h))

	events := s.peripheral.Events()
	s.Require().Len(events, 3)
	s.Equal(EventConnected, events[0].Kind)
	s.Equal(EventParamsUpdated, events[1].Kind)
	s.Equal(uint16(6), events[1].Conn.Interval)
	s.NoError(events[1].Err)
	s.Equal(EventDisconnected, events[2].Kind)
	s.Equal(h, events[2].Conn.Handle)

	s.Empty(s.peripheral.Events(), "drained")
}

func (s *PeripheralTestSuite) TestTransmissionBatching() {
	s.begin()
	s.connectSubscribed("peer")

	s.transport.BeginTransmission()
	for _, b := range []byte{0x80, 0x80, 0x90, 0x3C, 0x7F} {
		s.NoError(s.transport.WriteByte(b))
	}
	s.Empty(s.sim.Notifications(), "nothing sent before EndTransmission")
	s.transport.EndTransmission()

	n := s.sim.Notifications()
	s.Require().Len(n, 1)
	s.Equal([]byte{0x80, 0x80, 0x90, 0x3C, 0x7F}, n[0].Value)

	s.transport.EndTransmission()
	s.Len(s.sim.Notifications(), 1, "empty batch sends nothing")
}

func (s *PeripheralTestSuite) TestTransmissionFlushesWhenFull() {
	s.sim = memstack.New(&memstack.Options{Logger: s.logger})
	s.transport, s.peripheral = NewInstance("Test-MIDI", s.sim,
		WithLogger(s.logger), WithSettings(&Settings{MaxBufferSize: 4}))
	s.begin()
	s.connectSubscribed("peer")

	s.transport.BeginTransmission()
	for i := 0; i < 6; i++ {
		s.NoError(s.transport.WriteByte(byte(i)))
	}
	s.transport.EndTransmission()

	n := s.sim.Notifications()
	s.Require().Len(n, 2)
	s.Equal([]byte{0, 1, 2, 3}, n[0].Value)
	s.Equal([]byte{4, 5}, n[1].Value)
}

func (s *PeripheralTestSuite) TestEndReleasesBlockedProducerAndAllowsRebegin() {
	// GOAL: End unblocks a stack goroutine stuck on a full queue, and the transport can begin again
	//
	// TEST SCENARIO: tiny queue with no deadline → writer blocks → End → writer returns → Begin succeeds
	s.sim = memstack.New(&memstack.Options{Logger: s.logger})
	s.transport, s.peripheral = NewInstance("Test-MIDI", s.sim,
		WithLogger(s.logger), WithSettings(&Settings{MaxBufferSize: 2, PushTimeout: -1}))
	s.begin()
	h := s.connectSubscribed("peer")

	done := make(chan error, 1)
	go func() {
		done <- s.sim.Write(h, stack.MIDICharacteristicUUID, []byte{1, 2, 3, 4})
	}()

	s.Eventually(func() bool { return s.peripheral.QueueStats().Len == 2 }, time.Second, time.Millisecond)
	s.NoError(s.peripheral.End())
	s.NoError(s.peripheral.End(), "End is idempotent")

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("stack goroutine still blocked after End")
	}

	s.Equal([]byte{1, 2}, s.pollAll(), "queued bytes stay readable after End")
	s.False(s.peripheral.Begun())

	s.begin()
	s.True(s.peripheral.Begun())
}

func (s *PeripheralTestSuite) TestDiagnosticsAfterEnd() {
	// GOAL: Once ended, the peripheral reports no links and refuses per-peer calls
	//
	// TEST SCENARIO: connect a peer → End → count 0, PeerInfo/UpdateConnectionParams return ErrNotBegun, Write sends nothing
	s.begin()
	h := s.connectSubscribed("aa")
	s.Require().Equal(1, s.transport.ConnectionCount())

	s.NoError(s.peripheral.End())

	s.Equal(0, s.transport.ConnectionCount())
	s.Equal(0, s.sim.ConnectedCount(), "stack connection table dropped on close")
	_, err := s.transport.PeerInfo(0)
	s.ErrorIs(err, ErrNotBegun)
	s.ErrorIs(s.transport.UpdateConnectionParams(h, DefaultConnParams), ErrNotBegun)

	before := len(s.sim.Notifications())
	s.transport.Write([]byte{0xF8})
	s.Len(s.sim.Notifications(), before)
}

func (s *PeripheralTestSuite) TestQueueOverflowDropsSilently() {
	s.sim = memstack.New(&memstack.Options{Logger: s.logger})
	s.transport, s.peripheral = NewInstance("Test-MIDI", s.sim,
		WithLogger(s.logger), WithSettings(&Settings{MaxBufferSize: 4, PushTimeout: time.Millisecond}))
	s.begin()
	h := s.connectSubscribed("peer")

	s.NoError(s.sim.Write(h, stack.MIDICharacteristicUUID, []byte{1, 2, 3, 4, 5, 6}))

	s.Equal([]byte{1, 2, 3, 4}, s.pollAll())
	s.Equal(int64(2), s.peripheral.QueueStats().Dropped)
}

func (s *PeripheralTestSuite) TestCustomParser() {
	// strip a one-byte header, like a BLE-MIDI packet header
	s.sim = memstack.New(&memstack.Options{Logger: s.logger})
	s.transport, s.peripheral = NewInstance("Test-MIDI", s.sim,
		WithLogger(s.logger),
		WithParser(ParserFunc(func(packet []byte, emit func(byte)) {
			for _, b := range packet[1:] {
				emit(b)
			}
		})))
	s.begin()
	h := s.connectSubscribed("peer")

	s.NoError(s.sim.Write(h, stack.MIDICharacteristicUUID, []byte{0x80, 0x90, 0x3C, 0x7F}))
	s.Equal([]byte{0x90, 0x3C, 0x7F}, s.pollAll())
}

func TestPeripheralTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralTestSuite))
}

// mockStack lets tests inject stack failures.
type mockStack struct {
	mock.Mock
}

func (m *mockStack) Init(name string) error             { return m.Called(name).Error(0) }
func (m *mockStack) SetServerHandler(stack.ServerHandler) {}
func (m *mockStack) AdvertiseOnDisconnect(bool)           {}
func (m *mockStack) AddService(svc *stack.Service) error {
	return m.Called(svc).Error(0)
}
func (m *mockStack) SetSecurity(mode stack.AuthMode) error { return m.Called(mode).Error(0) }
func (m *mockStack) StartAdvertising(adv stack.Advertising) error {
	return m.Called(adv).Error(0)
}
func (m *mockStack) StopAdvertising() error { return m.Called().Error(0) }
func (m *mockStack) Notify(uuid string, v []byte) error {
	return m.Called(uuid, v).Error(0)
}
func (m *mockStack) ConnectedCount() int { return m.Called().Int(0) }
func (m *mockStack) PeerInfo(i int) (stack.ConnInfo, error) {
	args := m.Called(i)
	return args.Get(0).(stack.ConnInfo), args.Error(1)
}
func (m *mockStack) UpdateConnParams(h uint16, p stack.ConnParams) error {
	return m.Called(h, p).Error(0)
}
func (m *mockStack) Close() error { return m.Called().Error(0) }

func TestBegin_StackInitFailure(t *testing.T) {
	radioErr := errors.New("adapter powered off")
	st := &mockStack{}
	st.On("Init", "Test-MIDI").Return(radioErr).Once()

	transport, peripheral := NewInstance("Test-MIDI", st)
	err := transport.Begin()

	if !errors.Is(err, ErrStackInit) || !errors.Is(err, radioErr) {
		t.Fatalf("expected ErrStackInit wrapping radio error, got %v", err)
	}
	if peripheral.Begun() {
		t.Fatal("peripheral must not be begun after failure")
	}
	_, ok := transport.Poll()
	if ok {
		t.Fatal("poll must be empty after failed begin")
	}
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "AddService", mock.Anything)
}

func TestBegin_AdvertisingFailureClosesStack(t *testing.T) {
	st := &mockStack{}
	st.On("Init", mock.Anything).Return(nil)
	st.On("AddService", mock.Anything).Return(nil).Twice()
	st.On("SetSecurity", stack.AuthBond).Return(nil)
	st.On("StartAdvertising", mock.Anything).Return(errors.New("busy"))
	st.On("Close").Return(nil).Once()

	transport, peripheral := NewInstance("", st)
	err := transport.Begin()

	if !errors.Is(err, ErrStackInit) {
		t.Fatalf("expected ErrStackInit, got %v", err)
	}
	if peripheral.Begun() {
		t.Fatal("peripheral must not be begun after failure")
	}
	if transport.Name() != DefaultDeviceName {
		t.Fatalf("expected default name, got %q", transport.Name())
	}
	if err := transport.UpdateConnectionParams(1, DefaultConnParams); !errors.Is(err, ErrNotBegun) {
		t.Fatalf("expected ErrNotBegun after failed begin, got %v", err)
	}
	// Notify has no expectation, so reaching the stack would panic.
	transport.Write([]byte{0xF8})
	st.AssertExpectations(t)
}

func TestBegin_ParamUpdateFailureIsNotFatal(t *testing.T) {
	st := &mockStack{}
	st.On("UpdateConnParams", uint16(7), DefaultConnParams).Return(stack.ErrUnsupported)
	st.On("ConnectedCount").Return(1)
	st.On("PeerInfo", 0).Return(stack.ConnInfo{Handle: 7, Address: "x"}, nil)

	p := NewPeripheral(st, nil, nil)
	tr := NewTransport("x", p)
	p.transport.Store(tr)

	var called bool
	tr.OnConnected(func() { called = true })
	p.onPeerConnected(stack.ConnInfo{Handle: 7, Address: "x"})

	if !called {
		t.Fatal("connected hook not called")
	}
	events := p.Events()
	if len(events) != 2 || !errors.Is(events[1].Err, stack.ErrUnsupported) {
		t.Fatalf("unexpected events %+v", events)
	}
	st.AssertExpectations(t)
}
