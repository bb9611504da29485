package discovery

import (
	"time"

	"github.com/google/uuid"

	"github.com/RAttab/slick-network/logger"
	"github.com/RAttab/slick-network/transport"
)

// onConnect runs for both accepted and established outbound connections.
// Outbound connections already have a connState from connect; accepted ones
// get theirs here. Either way the handshake opens with our Init.
func (e *Engine) onConnect(fd int) {
	conn := e.connections[fd]
	if conn == nil {
		conn = e.newConn(fd, false)
	}
	e.sendTo(fd, encodeInit(Version, e.myID, e.myNode))
}

// newConn allocates the connState and puts the connection on probation.
func (e *Engine) newConn(fd int, isFetch bool) *connState {
	conn := &connState{fd: fd, id: e.nextConnID, isFetch: isFetch}
	e.nextConnID++
	e.connections[fd] = conn
	e.connExpiration = append(e.connExpiration, connExpItem{
		fd:   fd,
		id:   conn.id,
		time: e.clock.Now().Add(e.connExpThresh),
	})
	return conn
}

// connect opens an outbound connection. The dial completes in the
// background; failures surface later as a lost-connection event.
func (e *Engine) connect(node transport.NodeAddress, isFetch bool) *connState {
	fd, err := e.endpoint.Connect(node)
	if err != nil {
		logger.S().Debugw("connect failed", "node", node.String(), "err", err)
		return nil
	}
	return e.newConn(fd, isFetch)
}

// onDisconnect tears down engine state for a connection. Idempotent: it
// runs both for engine-initiated closes and for the endpoint's
// lost-connection callback.
func (e *Engine) onDisconnect(fd int) {
	conn := e.connections[fd]
	if conn == nil {
		return
	}
	delete(e.connections, fd)
	if other, ok := e.connectedNodes[conn.nodeID]; ok && other == fd {
		delete(e.connectedNodes, conn.nodeID)
	}
	e.edges.remove(fd)
}

// disconnect closes a connection the engine no longer wants.
func (e *Engine) disconnect(fd int) {
	e.endpoint.CloseConn(fd)
	e.onDisconnect(fd)
}

func (e *Engine) protoError(fd int, reason string) {
	logger.S().Debugw("protocol error", "fd", fd, "reason", reason)
	if e.mets != nil {
		e.mets.ProtocolErrors.Inc()
	}
	e.disconnect(fd)
}

// onPayload decodes and dispatches every message in the payload. A decode
// failure or an out-of-order Init is a protocol error and closes the
// connection; messages already dispatched stay applied.
func (e *Engine) onPayload(fd int, payload []byte) {
	conn := e.connections[fd]
	if conn == nil {
		return
	}
	if e.mets != nil {
		e.mets.MessagesIn.Inc()
	}

	d := newDecoder(payload)
	for d.err == nil && d.remaining() > 0 {
		tag := d.u8()
		if d.err != nil {
			break
		}
		if !conn.initialized() && tag != msgInit {
			e.protoError(fd, "message before init")
			return
		}

		switch tag {
		case msgInit:
			msg := decodeInit(d)
			if d.err != nil {
				break
			}
			if !e.onInit(conn, msg) {
				return
			}
		case msgKeys:
			items := decodeKeys(d)
			if d.err != nil {
				break
			}
			e.onKeys(items)
		case msgQuery:
			keys := decodeQuery(d)
			if d.err != nil {
				break
			}
			e.onQuery(conn, keys)
		case msgNodes:
			items := decodeNodes(d)
			if d.err != nil {
				break
			}
			e.onNodes(items)
		case msgFetch:
			items := decodeFetch(d)
			if d.err != nil {
				break
			}
			e.onFetch(conn, items)
		case msgData:
			items := decodeData(d)
			if d.err != nil {
				break
			}
			e.onData(items)
		default:
			d.fail("unknown message tag %d", tag)
		}
	}

	if d.err != nil {
		e.protoError(fd, d.err.Error())
	}
}

// onInit completes the handshake. Returns false when the connection was
// closed (error, self-connection or duplicate peer).
func (e *Engine) onInit(conn *connState, msg initMsg) bool {
	if conn.initialized() {
		e.protoError(conn.fd, "duplicate init")
		return false
	}
	if msg.version != Version {
		e.protoError(conn.fd, "incompatible protocol version")
		return false
	}
	if msg.nodeID == e.myID {
		// Connected to ourselves, typically through a seed entry.
		e.disconnect(conn.fd)
		return false
	}

	if otherFD, ok := e.connectedNodes[msg.nodeID]; ok {
		other := e.connections[otherFD]
		if other != nil {
			// Two sockets to the same peer: keep the older one.
			if conn.id > other.id {
				e.disconnect(conn.fd)
				return false
			}
			e.disconnect(otherFD)
		}
	}

	conn.version = msg.version
	conn.nodeID = msg.nodeID
	e.connectedNodes[msg.nodeID] = conn.fd
	e.upsertNode(msg.nodeID, msg.node, e.ttl)

	logger.S().Debugw("peer initialized",
		"fd", conn.fd, "peer", msg.nodeID.String(), "fetch", conn.isFetch)

	if conn.isFetch {
		e.flushFetches(conn)
	} else {
		e.edges.insert(conn.fd)
		e.sendInitKeys(conn.fd)
		e.sendInitNodes(conn.fd)
		e.sendInitQueries(conn.fd)
	}
	return true
}

// upsertNode records a peer advertisement, extending the TTL of a known one.
func (e *Engine) upsertNode(id uuid.UUID, addrs transport.NodeAddress, ttl time.Duration) {
	if id == e.myID {
		return
	}
	now := e.clock.Now()
	if it := e.nodes.get(id); it != nil {
		it.setTTL(ttl, now)
		return
	}
	e.nodes.insert(item{id: id, addrs: addrs, expiration: now.Add(ttl)})
}

// onKeys records key advertisements. A new advertisement under a watched
// key triggers a fetch of its value; a zero TTL is an eviction hint from a
// retract and drops the advertisement with a lost notification.
func (e *Engine) onKeys(items []keyItem) {
	now := e.clock.Now()
	for _, adv := range items {
		if adv.ttlMs == 0 {
			e.evictKey(adv.key, adv.id)
			continue
		}

		if d, ok := e.data[adv.key]; ok && d.id == adv.id {
			// Our own advertisement relayed back to us.
			continue
		}

		ttl := time.Duration(adv.ttlMs) * time.Millisecond
		set := e.keys[adv.key]
		if set == nil {
			set = &itemSet{}
			e.keys[adv.key] = set
		}
		if it := set.get(adv.id); it != nil {
			it.setTTL(ttl, now)
			continue
		}

		set.insert(item{id: adv.id, addrs: adv.addrs, expiration: now.Add(ttl)})
		if len(e.watches[adv.key]) > 0 {
			e.sendFetch(adv.key, adv.id, adv.addrs)
		}
	}
}

// evictKey handles a ttl=0 advertisement: the publisher retracted the value.
func (e *Engine) evictKey(key string, keyID uuid.UUID) {
	e.dropFetch(key, keyID)
	set := e.keys[key]
	if set == nil || !set.remove(keyID) {
		return
	}
	if set.len() == 0 {
		delete(e.keys, key)
	}
	e.notifyLost(key, keyID)
}

// onQuery answers with every advertisement we hold for the requested keys,
// our own published values included.
func (e *Engine) onQuery(conn *connState, qkeys []string) {
	now := e.clock.Now()
	var reply []keyItem
	for _, key := range qkeys {
		if d, ok := e.data[key]; ok {
			reply = append(reply, keyItem{
				key:   key,
				id:    d.id,
				addrs: e.myNode,
				ttlMs: ttlMillis(e.ttl),
			})
		}
		if set := e.keys[key]; set != nil {
			for i := 0; i < set.len(); i++ {
				it := set.at(i)
				ttl := it.ttl(now)
				if ttl == 0 {
					continue
				}
				reply = append(reply, keyItem{
					key:   key,
					id:    it.id,
					addrs: it.addrs,
					ttlMs: ttlMillis(ttl),
				})
			}
		}
	}
	if len(reply) > 0 {
		e.sendTo(conn.fd, encodeKeys(reply))
	}
}

// onNodes records peer advertisements and opportunistically dials new
// peers while the edge set is below target.
func (e *Engine) onNodes(items []nodeItem) {
	for _, adv := range items {
		if adv.id == e.myID {
			continue
		}
		known := e.nodes.get(adv.id) != nil
		e.upsertNode(adv.id, adv.addrs, time.Duration(adv.ttlMs)*time.Millisecond)

		if !known && e.edges.len() < edgeTarget {
			if _, connected := e.connectedNodes[adv.id]; !connected {
				e.connect(adv.addrs, false)
			}
		}
	}
}

// onFetch serves values we published. Requests for anything else are
// ignored; the peer retries elsewhere.
func (e *Engine) onFetch(conn *connState, items []fetchItem) {
	var reply []dataItem
	for _, req := range items {
		if d, ok := e.data[req.key]; ok && d.id == req.id {
			reply = append(reply, dataItem{key: req.key, id: d.id, payload: d.payload})
		}
	}
	if len(reply) > 0 {
		e.sendTo(conn.fd, encodeData(reply))
	}
}

// onData resolves outstanding fetches and hands payloads to the watches.
// Payloads are not cached: a watch registered later re-fetches the value.
func (e *Engine) onData(items []dataItem) {
	for _, d := range items {
		e.dropFetch(d.key, d.id)
		for handle, fn := range e.watches[d.key] {
			e.invokeWatch(handle, fn, true, d.key, d.id, d.payload)
		}
	}
}

// dropFetch removes a pending fetch and its expiration record.
func (e *Engine) dropFetch(key string, keyID uuid.UUID) {
	m := e.fetches[key]
	if m == nil {
		return
	}
	if _, ok := m[keyID]; !ok {
		return
	}
	delete(m, keyID)
	if len(m) == 0 {
		delete(e.fetches, key)
	}

	kept := e.fetchExpiration[:0]
	for _, exp := range e.fetchExpiration {
		if exp.key != key || exp.keyID != keyID {
			kept = append(kept, exp)
		}
	}
	e.fetchExpiration = kept
}

// sendFetch requests the value behind (key, keyID) from the advertising
// node, reusing an initialized connection to it when one exists. No-op if
// the fetch is already in flight.
func (e *Engine) sendFetch(key string, keyID uuid.UUID, node transport.NodeAddress) {
	if _, ok := e.fetches[key][keyID]; ok {
		return
	}

	f := &fetch{node: node, delay: time.Millisecond}
	if e.fetches[key] == nil {
		e.fetches[key] = make(map[uuid.UUID]*fetch)
	}
	e.fetches[key][keyID] = f
	e.fetchExpiration = append(e.fetchExpiration, fetchExp{
		key:        key,
		keyID:      keyID,
		expiration: e.clock.Now().Add(f.delay),
	})

	e.issueFetch(key, keyID, f)
}

// issueFetch sends the Fetch message, opening a fetch socket if no
// initialized connection to the node exists yet.
func (e *Engine) issueFetch(key string, keyID uuid.UUID, f *fetch) {
	for fd, conn := range e.connections {
		if !conn.initialized() {
			continue
		}
		it := e.nodes.get(conn.nodeID)
		if it != nil && it.addrs.Overlaps(f.node) {
			e.sendTo(fd, encodeFetch([]fetchItem{{key: key, id: keyID}}))
			return
		}
	}

	conn := e.connect(f.node, true)
	if conn != nil {
		conn.fetch(key, keyID)
	}
}

// flushFetches sends the queued requests of a fetch socket once its
// handshake completes, and renews its probation so it is reaped after the
// short-lived window.
func (e *Engine) flushFetches(conn *connState) {
	if len(conn.pendingFetch) > 0 {
		e.sendTo(conn.fd, encodeFetch(conn.pendingFetch))
		conn.pendingFetch = nil
	}
	e.connExpiration = append(e.connExpiration, connExpItem{
		fd:   conn.fd,
		id:   conn.id,
		time: e.clock.Now().Add(e.connExpThresh),
	})
}

// sendInitKeys advertises everything we know: our own published values and
// every relayed advertisement.
func (e *Engine) sendInitKeys(fd int) {
	now := e.clock.Now()
	var items []keyItem
	for key, d := range e.data {
		items = append(items, keyItem{
			key:   key,
			id:    d.id,
			addrs: e.myNode,
			ttlMs: ttlMillis(e.ttl),
		})
	}
	for key, set := range e.keys {
		for i := 0; i < set.len(); i++ {
			it := set.at(i)
			ttl := it.ttl(now)
			if ttl == 0 {
				continue
			}
			items = append(items, keyItem{
				key:   key,
				id:    it.id,
				addrs: it.addrs,
				ttlMs: ttlMillis(ttl),
			})
		}
	}
	if len(items) > 0 {
		e.sendTo(fd, encodeKeys(items))
	}
}

// sendInitNodes shares our view of the cluster, ourselves included.
func (e *Engine) sendInitNodes(fd int) {
	now := e.clock.Now()
	items := []nodeItem{{
		id:    e.myID,
		addrs: e.myNode,
		ttlMs: ttlMillis(e.ttl),
	}}
	for i := 0; i < e.nodes.len(); i++ {
		it := e.nodes.at(i)
		ttl := it.ttl(now)
		if ttl == 0 {
			continue
		}
		items = append(items, nodeItem{
			id:    it.id,
			addrs: it.addrs,
			ttlMs: ttlMillis(ttl),
		})
	}
	e.sendTo(fd, encodeNodes(items))
}

// sendInitQueries asks for every key we watch.
func (e *Engine) sendInitQueries(fd int) {
	if len(e.watches) == 0 {
		return
	}
	keys := make([]string, 0, len(e.watches))
	for key := range e.watches {
		keys = append(keys, key)
	}
	e.sendTo(fd, encodeQuery(keys))
}

// notifyLost fires the lost notification on every watch of the key.
func (e *Engine) notifyLost(key string, keyID uuid.UUID) {
	for handle, fn := range e.watches[key] {
		e.invokeWatch(handle, fn, false, key, keyID, nil)
	}
}

// invokeWatch shields the engine from misbehaving callbacks.
func (e *Engine) invokeWatch(handle WatchHandle, fn WatchFn, found bool, key string, keyID uuid.UUID, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.S().Errorw("watch callback panicked",
				"key", key, "handle", handle, "panic", r)
		}
	}()
	fn(found, key, keyID, payload)
}

func (e *Engine) sendTo(fd int, payload []byte) {
	if err := e.endpoint.Send(fd, payload); err != nil {
		logger.S().Debugw("send failed", "fd", fd, "err", err)
	}
}

// broadcastEdges sends a message over every initialized gossip edge.
func (e *Engine) broadcastEdges(payload []byte) {
	for i := 0; i < e.edges.len(); i++ {
		fd := e.edges.at(i)
		if conn := e.connections[fd]; conn != nil && conn.initialized() {
			e.sendTo(fd, payload)
		}
	}
}
