package transport

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recHandler struct {
	connected chan int
	lost      chan int
	payloads  chan recPayload
	dropped   chan recPayload
}

type recPayload struct {
	fd      int
	payload []byte
}

func newRecHandler() *recHandler {
	return &recHandler{
		connected: make(chan int, 16),
		lost:      make(chan int, 16),
		payloads:  make(chan recPayload, 16),
		dropped:   make(chan recPayload, 16),
	}
}

func (h *recHandler) OnNewConnection(fd int)  { h.connected <- fd }
func (h *recHandler) OnLostConnection(fd int) { h.lost <- fd }
func (h *recHandler) OnPayload(fd int, payload []byte) {
	h.payloads <- recPayload{fd, payload}
}
func (h *recHandler) OnDroppedPayload(fd int, payload []byte) {
	h.dropped <- recPayload{fd, payload}
}

func waitInt(t *testing.T, ch chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return 0
	}
}

func waitPayload(t *testing.T, ch chan recPayload) recPayload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payload")
		return recPayload{}
	}
}

func startEndpoint(t *testing.T) (*Endpoint, *recHandler) {
	t.Helper()
	ep, err := Listen(0)
	require.NoError(t, err)
	h := newRecHandler()
	ep.Start(h)
	t.Cleanup(func() { ep.Shutdown() })
	return ep, h
}

func TestConnectAndExchange(t *testing.T) {
	a, ha := startEndpoint(t)
	b, hb := startEndpoint(t)

	node := NodeAddress{{Host: "127.0.0.1", Port: b.Port()}}
	fd, err := a.Connect(node)
	require.NoError(t, err)

	require.Equal(t, fd, waitInt(t, ha.connected))
	bfd := waitInt(t, hb.connected)

	// A -> B, whole-payload framing.
	msg := []byte("hello across the wire")
	require.NoError(t, a.Send(fd, msg))
	got := waitPayload(t, hb.payloads)
	assert.Equal(t, bfd, got.fd)
	assert.Equal(t, msg, got.payload)

	// B -> A on the accepted side.
	require.NoError(t, b.Send(bfd, []byte("pong")))
	back := waitPayload(t, ha.payloads)
	assert.Equal(t, fd, back.fd)
	assert.Equal(t, []byte("pong"), back.payload)
}

func TestConnectTriesAddressesInOrder(t *testing.T) {
	a, ha := startEndpoint(t)
	b, hb := startEndpoint(t)

	// First address is dead; the dial falls through to the live one.
	node := NodeAddress{
		{Host: "127.0.0.1", Port: 1}, // nothing listens there
		{Host: "127.0.0.1", Port: b.Port()},
	}
	fd, err := a.Connect(node)
	require.NoError(t, err)

	require.Equal(t, fd, waitInt(t, ha.connected))
	waitInt(t, hb.connected)
}

func TestConnectFailureReportsLost(t *testing.T) {
	a, ha := startEndpoint(t)

	fd, err := a.Connect(NodeAddress{{Host: "127.0.0.1", Port: 1}})
	require.NoError(t, err)

	assert.Equal(t, fd, waitInt(t, ha.lost))
}

func TestConnectEmptyNodeFails(t *testing.T) {
	a, _ := startEndpoint(t)
	_, err := a.Connect(nil)
	assert.Error(t, err)
}

func TestCloseConnNotifiesPeer(t *testing.T) {
	a, ha := startEndpoint(t)
	b, hb := startEndpoint(t)

	fd, err := a.Connect(NodeAddress{{Host: "127.0.0.1", Port: b.Port()}})
	require.NoError(t, err)
	waitInt(t, ha.connected)
	bfd := waitInt(t, hb.connected)

	a.CloseConn(fd)
	assert.Equal(t, fd, waitInt(t, ha.lost))
	assert.Equal(t, bfd, waitInt(t, hb.lost))
}

func TestSendUnknownConnection(t *testing.T) {
	a, _ := startEndpoint(t)
	assert.Error(t, a.Send(12345, []byte("nope")))
}

func TestSendOversizedPayload(t *testing.T) {
	a, ha := startEndpoint(t)
	b, _ := startEndpoint(t)

	fd, err := a.Connect(NodeAddress{{Host: "127.0.0.1", Port: b.Port()}})
	require.NoError(t, err)
	waitInt(t, ha.connected)

	assert.Error(t, a.Send(fd, make([]byte, MaxPayload+1)))
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	a, ha := startEndpoint(t)

	var peers []*recHandler
	for i := 0; i < 3; i++ {
		_, h := func() (*Endpoint, *recHandler) {
			ep, err := Listen(0)
			require.NoError(t, err)
			hh := newRecHandler()
			ep.Start(hh)
			t.Cleanup(func() { ep.Shutdown() })
			_, err = a.Connect(NodeAddress{{Host: "127.0.0.1", Port: ep.Port()}})
			require.NoError(t, err)
			waitInt(t, ha.connected)
			return ep, hh
		}()
		peers = append(peers, h)
	}

	msg := []byte("to everyone")
	a.Broadcast(msg)

	for i, h := range peers {
		got := waitPayload(t, h.payloads)
		assert.True(t, bytes.Equal(msg, got.payload), fmt.Sprintf("peer %d", i))
	}
}

func TestShutdownIdempotent(t *testing.T) {
	ep, err := Listen(0)
	require.NoError(t, err)
	ep.Start(newRecHandler())

	require.NoError(t, ep.Shutdown())
	require.NoError(t, ep.Shutdown())
}

func TestLargeFrameRoundTrip(t *testing.T) {
	a, ha := startEndpoint(t)
	b, hb := startEndpoint(t)

	fd, err := a.Connect(NodeAddress{{Host: "127.0.0.1", Port: b.Port()}})
	require.NoError(t, err)
	waitInt(t, ha.connected)
	waitInt(t, hb.connected)

	msg := make([]byte, 256*1024)
	for i := range msg {
		msg[i] = byte(i)
	}
	require.NoError(t, a.Send(fd, msg))

	got := waitPayload(t, hb.payloads)
	assert.Equal(t, msg, got.payload)
}
