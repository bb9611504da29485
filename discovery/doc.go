// Package discovery implements a decentralized service-discovery fabric.
//
// Each node publishes small payloads under string keys, watches keys it
// cares about, and learns about other nodes and their keys by gossiping
// over a partial mesh seeded from a static address list. There is no
// central registry and no strong consistency: a published value becomes
// visible across a connected cluster within a few gossip periods.
//
// The engine is a single-goroutine state machine. Network callbacks and
// facade calls are funneled through one command queue, and timer ticks fire
// on the same goroutine, so every table has exactly one writer and the
// engine itself needs no locks.
//
// State held per node:
//
//	nodes    - known peers (UUID -> addresses, TTL)
//	keys     - known advertisements per key (UUID -> addresses, TTL)
//	data     - locally published values
//	watches  - local subscriptions per key
//	fetches  - outstanding value requests with retry backoff
//
// Values are fetched on demand and are never cached: the engine gossips
// metadata only, and each watch triggers its own fetch of the payload.
package discovery
