package discovery

import (
	"time"

	"github.com/RAttab/slick-network/logger"
	"github.com/RAttab/slick-network/transport"
)

// onTimer is the maintenance tick: expiration sweeps first, then the
// topology shaping that keeps the gossip mesh alive and stirred.
func (e *Engine) onTimer() {
	now := e.clock.Now()

	e.expireConns(now)
	e.expireKeys(now)
	e.expireNodes(now)
	e.expireFetches(now)

	e.randomDisconnect()
	e.randomConnect()
	e.seedConnect()
	e.republish()

	e.updateMetrics()
}

// expireConns reaps connections whose probation lapsed: handshakes that
// never completed and fetch sockets past their short-lived window. Stale
// queue entries (closed or replaced connections) are dropped silently.
func (e *Engine) expireConns(now time.Time) {
	for len(e.connExpiration) > 0 && !e.connExpiration[0].time.After(now) {
		exp := e.connExpiration[0]
		e.connExpiration = e.connExpiration[1:]

		conn := e.connections[exp.fd]
		if conn == nil || conn.id != exp.id {
			continue
		}
		if conn.initialized() && conn.isFetch {
			// A fetch socket's probation restarts when its requests are
			// flushed; only its latest queue entry reaps it.
			renewed := false
			for _, later := range e.connExpiration {
				if later.fd == exp.fd && later.id == exp.id {
					renewed = true
					break
				}
			}
			if renewed {
				continue
			}
		}
		if !conn.initialized() || conn.isFetch {
			logger.S().Debugw("probation expired", "fd", exp.fd, "fetch", conn.isFetch)
			e.disconnect(exp.fd)
		}
	}
}

// expireKeys sweeps lapsed advertisements and tells the watches.
func (e *Engine) expireKeys(now time.Time) {
	for key, set := range e.keys {
		removed := set.expire(now)
		for _, it := range removed {
			e.dropFetch(key, it.id)
			e.notifyLost(key, it.id)
		}
		if set.len() == 0 {
			delete(e.keys, key)
		}
	}
}

func (e *Engine) expireNodes(now time.Time) {
	e.nodes.expire(now)
}

// expireFetches retries due fetches with doubled backoff against whatever
// node currently advertises the key, and gives up with a lost notification
// once nothing does.
func (e *Engine) expireFetches(now time.Time) {
	for len(e.fetchExpiration) > 0 && !e.fetchExpiration[0].expiration.After(now) {
		exp := e.fetchExpiration[0]
		e.fetchExpiration = e.fetchExpiration[1:]

		f := e.fetches[exp.key][exp.keyID]
		if f == nil {
			continue
		}

		var it *item
		if set := e.keys[exp.key]; set != nil {
			it = set.get(exp.keyID)
		}
		if it == nil {
			delete(e.fetches[exp.key], exp.keyID)
			if len(e.fetches[exp.key]) == 0 {
				delete(e.fetches, exp.key)
			}
			e.notifyLost(exp.key, exp.keyID)
			continue
		}

		f.delay *= 2
		if f.delay > maxFetchDelay {
			f.delay = maxFetchDelay
		}
		f.node = it.addrs
		e.fetchExpiration = append(e.fetchExpiration, fetchExp{
			key:        exp.key,
			keyID:      exp.keyID,
			expiration: now.Add(f.delay),
		})
		e.issueFetch(exp.key, exp.keyID, f)

		if e.mets != nil {
			e.mets.FetchRetries.Inc()
		}
	}
}

// randomDisconnect drops a random edge when the set is oversized, and
// occasionally even when it is not. The churn keeps the topology from
// freezing into a partition-prone shape.
func (e *Engine) randomDisconnect() {
	if e.edges.len() == 0 {
		return
	}
	if e.edges.len() <= edgeTarget && e.rng.Intn(8) != 0 {
		return
	}
	fd := e.edges.at(e.rng.Intn(e.edges.len()))
	logger.S().Debugw("random disconnect", "fd", fd)
	e.disconnect(fd)
}

// randomConnect grows the edge set toward the target from the known-node
// table.
func (e *Engine) randomConnect() {
	if e.edges.len() >= edgeTarget || e.nodes.len() == 0 {
		return
	}
	// A handful of probes; the table may be mostly connected already.
	for probe := 0; probe < 4; probe++ {
		it := e.nodes.at(e.rng.Intn(e.nodes.len()))
		if _, connected := e.connectedNodes[it.id]; connected {
			continue
		}
		logger.S().Debugw("random connect", "node", it.addrs.String())
		e.connect(it.addrs, false)
		return
	}
}

// seedConnect redials the static seeds whenever the node has no edges at
// all. Duplicates resolve during the handshake.
func (e *Engine) seedConnect() {
	if e.edges.len() > 0 {
		return
	}
	for _, addr := range e.seeds {
		e.connect(transport.NodeAddress{addr}, false)
	}
}

// republish refreshes the TTL of our own advertisements on every edge.
func (e *Engine) republish() {
	if len(e.data) == 0 || e.edges.len() == 0 {
		return
	}
	items := make([]keyItem, 0, len(e.data))
	for key, d := range e.data {
		items = append(items, keyItem{
			key:   key,
			id:    d.id,
			addrs: e.myNode,
			ttlMs: ttlMillis(e.ttl),
		})
	}
	e.broadcastEdges(encodeKeys(items))
}

func (e *Engine) updateMetrics() {
	if e.mets == nil {
		return
	}
	e.mets.Edges.Set(float64(e.edges.len()))
	e.mets.Connections.Set(float64(len(e.connections)))
	e.mets.KnownNodes.Set(float64(e.nodes.len()))

	total := 0
	for _, set := range e.keys {
		total += set.len()
	}
	e.mets.KnownKeys.Set(float64(total))
}
