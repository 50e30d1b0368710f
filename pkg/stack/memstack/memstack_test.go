package memstack

import (
	"errors"
	"testing"

	"github.com/srg/blemidi/pkg/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	connects    []stack.ConnInfo
	disconnects []stack.ConnInfo
	countAtConn []int
	s           *Stack
}

func (h *recordingHandler) OnConnect(c stack.ConnInfo) {
	h.connects = append(h.connects, c)
	h.countAtConn = append(h.countAtConn, h.s.ConnectedCount())
}

func (h *recordingHandler) OnDisconnect(c stack.ConnInfo) {
	h.disconnects = append(h.disconnects, c)
}

func newAdvertisingStack(t *testing.T, opts *Options) (*Stack, *[][]byte) {
	t.Helper()

	s := New(opts)
	require.NoError(t, s.Init("test"))

	var written [][]byte
	require.NoError(t, s.AddService(&stack.Service{
		UUID: stack.MIDIServiceUUID,
		Characteristics: []*stack.Characteristic{{
			UUID:       stack.MIDICharacteristicUUID,
			Properties: stack.PropRead | stack.PropWrite | stack.PropWriteNR | stack.PropNotify,
			OnWrite: stack.WriteHandlerFunc(func(_ stack.ConnInfo, v []byte) {
				written = append(written, v)
			}),
		}},
	}))
	require.NoError(t, s.StartAdvertising(stack.Advertising{ServiceUUIDs: []string{stack.MIDIServiceUUID}}))
	return s, &written
}

func TestInitError(t *testing.T) {
	boom := errors.New("radio off")
	s := New(&Options{InitError: boom})
	assert.ErrorIs(t, s.Init("x"), boom)
}

func TestAddServiceRequiresInit(t *testing.T) {
	s := New(nil)
	assert.ErrorIs(t, s.AddService(&stack.Service{UUID: "180a"}), stack.ErrNotInitialized)
}

func TestAddServiceRejectsWritableWithoutHandler(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Init("x"))
	err := s.AddService(&stack.Service{
		UUID:            "1234",
		Characteristics: []*stack.Characteristic{{UUID: "5678", Properties: stack.PropWrite}},
	})
	assert.Error(t, err)
}

func TestConnectLifecycle(t *testing.T) {
	s, _ := newAdvertisingStack(t, &Options{MaxConnections: 1})
	h := &recordingHandler{s: s}
	s.SetServerHandler(h)
	s.AdvertiseOnDisconnect(true)

	handle, err := s.Connect("AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConnectedCount())
	assert.Equal(t, []int{1}, h.countAtConn, "peer must be visible when OnConnect runs")

	_, advertising := s.Advertising()
	assert.False(t, advertising, "advertising stops at max connections")

	_, err = s.Connect("AA:BB:CC:DD:EE:02")
	assert.ErrorIs(t, err, ErrNotAdvertising)

	require.NoError(t, s.Disconnect(handle))
	assert.Len(t, h.disconnects, 1)
	assert.Equal(t, 0, s.ConnectedCount())

	_, advertising = s.Advertising()
	assert.True(t, advertising, "advertising resumes after disconnect")

	_, err = s.Connect("AA:BB:CC:DD:EE:02")
	assert.NoError(t, err)
	assert.Len(t, h.connects, 2)

	assert.ErrorIs(t, s.Disconnect(999), stack.ErrNoSuchPeer)
}

func TestNoAdvertiseOnDisconnect(t *testing.T) {
	s, _ := newAdvertisingStack(t, &Options{MaxConnections: 1})
	handle, err := s.Connect("peer")
	require.NoError(t, err)
	require.NoError(t, s.Disconnect(handle))

	_, advertising := s.Advertising()
	assert.False(t, advertising)
}

func TestPeerInfoOrderAndParams(t *testing.T) {
	s, _ := newAdvertisingStack(t, nil)
	h1, err := s.Connect("one")
	require.NoError(t, err)
	h2, err := s.Connect("two")
	require.NoError(t, err)

	info, err := s.PeerInfo(1)
	require.NoError(t, err)
	assert.Equal(t, h2, info.Handle)
	assert.Equal(t, "two", info.Address)
	assert.Equal(t, uint16(DefaultInterval), info.Interval)

	_, err = s.PeerInfo(2)
	var idxErr *stack.PeerIndexError
	assert.ErrorAs(t, err, &idxErr)

	params := stack.ConnParams{MinInterval: 6, MaxInterval: 6, Latency: 0, Timeout: 1000}
	require.NoError(t, s.UpdateConnParams(h1, params))
	info, err = s.PeerInfo(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(6), info.Interval)
	assert.Equal(t, uint16(1000), info.Timeout)
	assert.Equal(t, []ParamRequest{{Handle: h1, Params: params}}, s.ParamRequests())

	assert.ErrorIs(t, s.UpdateConnParams(42, params), stack.ErrNoSuchPeer)
}

func TestWriteAndNotify(t *testing.T) {
	s, written := newAdvertisingStack(t, nil)
	h1, _ := s.Connect("one")
	h2, _ := s.Connect("two")

	require.NoError(t, s.Write(h1, stack.MIDICharacteristicUUID, []byte{0x80, 0x80, 0x90, 0x3C, 0x7F}))
	assert.Equal(t, [][]byte{{0x80, 0x80, 0x90, 0x3C, 0x7F}}, *written)

	// only h2 subscribes
	require.NoError(t, s.Subscribe(h2, stack.MIDICharacteristicUUID))
	require.NoError(t, s.Notify(stack.MIDICharacteristicUUID, []byte{0x90, 0x40, 0x7F}))

	n := s.Notifications()
	require.Len(t, n, 1)
	assert.Equal(t, h2, n[0].Handle)
	assert.Equal(t, []byte{0x90, 0x40, 0x7F}, n[0].Value)

	v, err := s.Read(stack.MIDICharacteristicUUID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x40, 0x7F}, v)

	require.NoError(t, s.Unsubscribe(h2, stack.MIDICharacteristicUUID))
	require.NoError(t, s.Notify(stack.MIDICharacteristicUUID, []byte{0x01}))
	assert.Len(t, s.Notifications(), 1)

	assert.ErrorIs(t, s.Notify("ffff", nil), stack.ErrUnknownChar)
	assert.ErrorIs(t, s.Write(99, stack.MIDICharacteristicUUID, nil), stack.ErrNoSuchPeer)
}

func TestClose(t *testing.T) {
	s, _ := newAdvertisingStack(t, nil)
	h, err := s.Connect("aa")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, 0, s.ConnectedCount())
	_, err = s.PeerInfo(0)
	assert.Error(t, err)
	assert.ErrorIs(t, s.Write(h, stack.MIDICharacteristicUUID, []byte{1}), stack.ErrNoSuchPeer)

	_, advertising := s.Advertising()
	assert.False(t, advertising)
	assert.Empty(t, s.Services())
	assert.ErrorIs(t, s.StartAdvertising(stack.Advertising{}), stack.ErrNotInitialized)
}
