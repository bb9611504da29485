package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/RAttab/slick-network/transport"
)

// Wire envelope: every message is a one-byte type tag followed by a
// type-specific body, and a single endpoint payload may carry several
// messages back to back. All integers are big-endian.
//
//	Init
//	+-----+---------+------+----------+
//	| tag | version | UUID | NodeAddr |
//	+-----+---------+------+----------+
//	(bytes) tag 1, version 4, UUID 16
//
//	Keys                              Nodes
//	+-----+-------+-------------+     +-----+-------+------------+
//	| tag | count | KeyItem ... |     | tag | count | NodeItem...|
//	+-----+-------+-------------+     +-----+-------+------------+
//
//	KeyItem  = key(str) UUID NodeAddr ttl_ms(4)
//	NodeItem = UUID NodeAddr ttl_ms(4)
//
//	Query = tag count key(str)...
//	Fetch = tag count (key(str) UUID)...
//	Data  = tag count (key(str) UUID payload)...
//
//	str      = len(2) bytes          payload  = len(4) bytes
//	Addr     = hostlen(1) host port(2)
//	NodeAddr = count(1) Addr...
const (
	msgInit byte = iota + 1
	msgKeys
	msgQuery
	msgNodes
	msgFetch
	msgData
)

// Version of the discovery protocol spoken by this engine. An Init carrying
// any other version closes the connection.
const Version = 1

type initMsg struct {
	version uint32
	nodeID  uuid.UUID
	node    transport.NodeAddress
}

type keyItem struct {
	key   string
	id    uuid.UUID
	addrs transport.NodeAddress
	ttlMs uint32
}

type nodeItem struct {
	id    uuid.UUID
	addrs transport.NodeAddress
	ttlMs uint32
}

type fetchItem struct {
	key string
	id  uuid.UUID
}

type dataItem struct {
	key     string
	id      uuid.UUID
	payload []byte
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v byte)   { e.buf.WriteByte(v) }
func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) uuid(id uuid.UUID) { e.buf.Write(id[:]) }

func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) payload(p []byte) {
	e.u32(uint32(len(p)))
	e.buf.Write(p)
}

func (e *encoder) addr(a transport.Address) {
	e.u8(uint8(len(a.Host)))
	e.buf.WriteString(a.Host)
	e.u16(a.Port)
}

func (e *encoder) nodeAddr(n transport.NodeAddress) {
	e.u8(uint8(len(n)))
	for _, a := range n {
		e.addr(a)
	}
}

func encodeInit(version uint32, id uuid.UUID, node transport.NodeAddress) []byte {
	var e encoder
	e.u8(msgInit)
	e.u32(version)
	e.uuid(id)
	e.nodeAddr(node)
	return e.buf.Bytes()
}

func encodeKeys(items []keyItem) []byte {
	var e encoder
	e.u8(msgKeys)
	e.u16(uint16(len(items)))
	for _, it := range items {
		e.str(it.key)
		e.uuid(it.id)
		e.nodeAddr(it.addrs)
		e.u32(it.ttlMs)
	}
	return e.buf.Bytes()
}

func encodeQuery(keys []string) []byte {
	var e encoder
	e.u8(msgQuery)
	e.u16(uint16(len(keys)))
	for _, k := range keys {
		e.str(k)
	}
	return e.buf.Bytes()
}

func encodeNodes(items []nodeItem) []byte {
	var e encoder
	e.u8(msgNodes)
	e.u16(uint16(len(items)))
	for _, it := range items {
		e.uuid(it.id)
		e.nodeAddr(it.addrs)
		e.u32(it.ttlMs)
	}
	return e.buf.Bytes()
}

func encodeFetch(items []fetchItem) []byte {
	var e encoder
	e.u8(msgFetch)
	e.u16(uint16(len(items)))
	for _, it := range items {
		e.str(it.key)
		e.uuid(it.id)
	}
	return e.buf.Bytes()
}

func encodeData(items []dataItem) []byte {
	var e encoder
	e.u8(msgData)
	e.u16(uint16(len(items)))
	for _, it := range items {
		e.str(it.key)
		e.uuid(it.id)
		e.payload(it.payload)
	}
	return e.buf.Bytes()
}

// decoder consumes a payload with a sticky error: after the first failure
// every read returns zero values and err stays set.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(payload []byte) *decoder {
	return &decoder{buf: payload}
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.remaining() < n {
		d.fail("truncated message: want %d bytes, have %d", n, d.remaining())
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) uuid() uuid.UUID {
	var id uuid.UUID
	b := d.take(16)
	if b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) str() string {
	n := int(d.u16())
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) payload() []byte {
	n := int(d.u32())
	if n > transport.MaxPayload {
		d.fail("payload length %d exceeds limit", n)
		return nil
	}
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) addr() transport.Address {
	n := int(d.u8())
	host := d.take(n)
	port := d.u16()
	if d.err != nil {
		return transport.Address{}
	}
	return transport.Address{Host: string(host), Port: port}
}

func (d *decoder) nodeAddr() transport.NodeAddress {
	n := int(d.u8())
	if d.err != nil {
		return nil
	}
	node := make(transport.NodeAddress, 0, n)
	for i := 0; i < n; i++ {
		node = append(node, d.addr())
	}
	if d.err != nil {
		return nil
	}
	return node
}

func decodeInit(d *decoder) initMsg {
	return initMsg{
		version: d.u32(),
		nodeID:  d.uuid(),
		node:    d.nodeAddr(),
	}
}

func decodeKeys(d *decoder) []keyItem {
	n := int(d.u16())
	items := make([]keyItem, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		items = append(items, keyItem{
			key:   d.str(),
			id:    d.uuid(),
			addrs: d.nodeAddr(),
			ttlMs: d.u32(),
		})
	}
	return items
}

func decodeQuery(d *decoder) []string {
	n := int(d.u16())
	keys := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		keys = append(keys, d.str())
	}
	return keys
}

func decodeNodes(d *decoder) []nodeItem {
	n := int(d.u16())
	items := make([]nodeItem, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		items = append(items, nodeItem{
			id:    d.uuid(),
			addrs: d.nodeAddr(),
			ttlMs: d.u32(),
		})
	}
	return items
}

func decodeFetch(d *decoder) []fetchItem {
	n := int(d.u16())
	items := make([]fetchItem, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		items = append(items, fetchItem{key: d.str(), id: d.uuid()})
	}
	return items
}

func decodeData(d *decoder) []dataItem {
	n := int(d.u16())
	items := make([]dataItem, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		items = append(items, dataItem{
			key:     d.str(),
			id:      d.uuid(),
			payload: d.payload(),
		})
	}
	return items
}
