package discovery

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RAttab/slick-network/transport"
)

func testNode() transport.NodeAddress {
	return transport.NodeAddress{
		{Host: "10.1.2.3", Port: 18888},
		{Host: "fe80::1", Port: 18888},
	}
}

func TestInitRoundTrip(t *testing.T) {
	id := uuid.New()
	payload := encodeInit(Version, id, testNode())

	d := newDecoder(payload)
	require.Equal(t, msgInit, d.u8())
	msg := decodeInit(d)
	require.NoError(t, d.err)
	assert.Zero(t, d.remaining())

	assert.Equal(t, uint32(Version), msg.version)
	assert.Equal(t, id, msg.nodeID)
	assert.Equal(t, testNode(), msg.node)
}

func TestKeysRoundTrip(t *testing.T) {
	items := []keyItem{
		{key: "db", id: uuid.New(), addrs: testNode(), ttlMs: 60_000},
		{key: "cache", id: uuid.New(), addrs: testNode()[:1], ttlMs: 0},
	}
	d := newDecoder(encodeKeys(items))
	require.Equal(t, msgKeys, d.u8())
	got := decodeKeys(d)
	require.NoError(t, d.err)
	assert.Equal(t, items, got)
}

func TestQueryRoundTrip(t *testing.T) {
	keys := []string{"db", "cache", ""}
	d := newDecoder(encodeQuery(keys))
	require.Equal(t, msgQuery, d.u8())
	got := decodeQuery(d)
	require.NoError(t, d.err)
	assert.Equal(t, keys, got)
}

func TestNodesRoundTrip(t *testing.T) {
	items := []nodeItem{
		{id: uuid.New(), addrs: testNode(), ttlMs: 1},
		{id: uuid.New(), addrs: testNode(), ttlMs: 1 << 31},
	}
	d := newDecoder(encodeNodes(items))
	require.Equal(t, msgNodes, d.u8())
	got := decodeNodes(d)
	require.NoError(t, d.err)
	assert.Equal(t, items, got)
}

func TestFetchRoundTrip(t *testing.T) {
	items := []fetchItem{{key: "db", id: uuid.New()}}
	d := newDecoder(encodeFetch(items))
	require.Equal(t, msgFetch, d.u8())
	got := decodeFetch(d)
	require.NoError(t, d.err)
	assert.Equal(t, items, got)
}

func TestDataRoundTrip(t *testing.T) {
	items := []dataItem{
		{key: "db", id: uuid.New(), payload: []byte("10.0.0.4:5432")},
		{key: "blob", id: uuid.New(), payload: make([]byte, 4096)},
	}
	d := newDecoder(encodeData(items))
	require.Equal(t, msgData, d.u8())
	got := decodeData(d)
	require.NoError(t, d.err)
	assert.Equal(t, items, got)
}

func TestBatchedMessagesDecodeBackToBack(t *testing.T) {
	// One payload, several messages: decoders must consume exactly one
	// message each and leave the rest.
	var payload []byte
	payload = append(payload, encodeKeys([]keyItem{{key: "a", id: uuid.New(), addrs: testNode(), ttlMs: 5}})...)
	payload = append(payload, encodeQuery([]string{"b"})...)
	payload = append(payload, encodeNodes([]nodeItem{{id: uuid.New(), addrs: testNode(), ttlMs: 5}})...)

	d := newDecoder(payload)

	require.Equal(t, msgKeys, d.u8())
	keys := decodeKeys(d)
	require.NoError(t, d.err)
	assert.Len(t, keys, 1)

	require.Equal(t, msgQuery, d.u8())
	query := decodeQuery(d)
	require.NoError(t, d.err)
	assert.Equal(t, []string{"b"}, query)

	require.Equal(t, msgNodes, d.u8())
	nodes := decodeNodes(d)
	require.NoError(t, d.err)
	assert.Len(t, nodes, 1)

	assert.Zero(t, d.remaining())
}

func TestDecoderTruncation(t *testing.T) {
	full := encodeKeys([]keyItem{{key: "db", id: uuid.New(), addrs: testNode(), ttlMs: 60_000}})

	// Every possible truncation point must error, never panic.
	for cut := 1; cut < len(full); cut++ {
		d := newDecoder(full[:cut])
		d.u8()
		decodeKeys(d)
		if d.remaining() == 0 && d.err == nil {
			t.Fatalf("truncation at %d decoded cleanly", cut)
		}
	}
}

func TestDecoderStickyError(t *testing.T) {
	d := newDecoder([]byte{0x01})
	d.u32() // fails: only one byte
	require.Error(t, d.err)
	first := d.err

	// Further reads return zero values and keep the first error.
	assert.Zero(t, d.u8())
	assert.Empty(t, d.str())
	assert.Equal(t, first, d.err)
}

func TestDecoderRejectsOversizedPayloadLength(t *testing.T) {
	var e encoder
	e.u8(msgData)
	e.u16(1)
	e.str("k")
	e.uuid(uuid.New())
	e.u32(uint32(transport.MaxPayload + 1)) // length prefix with no body

	d := newDecoder(e.buf.Bytes())
	d.u8()
	decodeData(d)
	assert.Error(t, d.err)
}
