package discovery

import (
	"github.com/google/uuid"
)

// The facade is safe to call from any goroutine, including from watch
// callbacks running on the engine itself: every operation is enqueued and
// executed on the run goroutine in submission order.

// Discover registers a watch on key. The callback immediately receives any
// locally published value, a fetch is issued for every advertisement we
// already hold, and the key is queried across all edges.
func (e *Engine) Discover(key string, handle WatchHandle, fn WatchFn) {
	e.enqueue(func() {
		if e.watches[key] == nil {
			e.watches[key] = make(map[WatchHandle]WatchFn)
		}
		e.watches[key][handle] = fn

		if d, ok := e.data[key]; ok {
			e.invokeWatch(handle, fn, true, key, d.id, d.payload)
		}
		if set := e.keys[key]; set != nil {
			for i := 0; i < set.len(); i++ {
				it := set.at(i)
				e.sendFetch(key, it.id, it.addrs)
			}
		}
		e.broadcastEdges(encodeQuery([]string{key}))
	})
}

// Forget removes a watch. Dropping the last watch on a key discards the
// key's advertisements and cancels its in-flight fetches; fresh gossip
// rebuilds them if anyone subscribes again.
func (e *Engine) Forget(key string, handle WatchHandle) {
	e.enqueue(func() {
		watches := e.watches[key]
		if watches == nil {
			return
		}
		delete(watches, handle)
		if len(watches) > 0 {
			return
		}

		delete(e.watches, key)
		delete(e.keys, key)
		if _, ok := e.fetches[key]; ok {
			delete(e.fetches, key)
			kept := e.fetchExpiration[:0]
			for _, exp := range e.fetchExpiration {
				if exp.key != key {
					kept = append(kept, exp)
				}
			}
			e.fetchExpiration = kept
		}
	})
}

// Lost signals that a watch's copy of the value behind (key, keyID) is no
// longer usable; the engine re-fetches it if it is still advertised.
func (e *Engine) Lost(key string, keyID uuid.UUID) {
	e.enqueue(func() {
		set := e.keys[key]
		if set == nil {
			return
		}
		if it := set.get(keyID); it != nil {
			e.sendFetch(key, keyID, it.addrs)
		}
	})
}

// Publish stores a value under key with a fresh UUID and advertises it on
// every edge. Publishing over an existing key replaces the value.
func (e *Engine) Publish(key string, payload []byte) {
	e.enqueue(func() {
		d := dataRec{id: uuid.New(), payload: payload}
		e.data[key] = d
		e.broadcastEdges(encodeKeys([]keyItem{{
			key:   key,
			id:    d.id,
			addrs: e.myNode,
			ttlMs: ttlMillis(e.ttl),
		}}))
	})
}

// Retract withdraws a published value and advertises a zero TTL so peers
// evict it ahead of expiration.
func (e *Engine) Retract(key string) {
	e.enqueue(func() {
		d, ok := e.data[key]
		if !ok {
			return
		}
		delete(e.data, key)
		e.broadcastEdges(encodeKeys([]keyItem{{
			key:   key,
			id:    d.id,
			addrs: e.myNode,
			ttlMs: 0,
		}}))
	})
}
