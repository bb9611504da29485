package discovery

import (
	"time"

	"github.com/google/uuid"
)

// connState is the engine's view of one endpoint connection.
//
// Connection tokens handed out by the endpoint may in principle be reused
// across endpoint restarts, so every connState also carries its own
// monotonically increasing id; stale queue entries are matched against both.
type connState struct {
	fd int
	id uint64

	nodeID  uuid.UUID
	version uint32

	// isFetch marks a short-lived outbound opened only to retrieve
	// values. Fetch sockets never join the gossip edge set and are
	// closed once their probation lapses.
	isFetch      bool
	pendingFetch []fetchItem
}

func (c *connState) initialized() bool { return c.version != 0 }

// fetch queues a value request to be flushed once the handshake completes.
func (c *connState) fetch(key string, keyID uuid.UUID) {
	c.isFetch = true
	c.pendingFetch = append(c.pendingFetch, fetchItem{key: key, id: keyID})
}

// connExpItem puts a connection on probation: if it has not completed its
// handshake by the deadline (or is a fetch socket, which is short-lived by
// construction) it is force-closed by the maintenance sweep.
type connExpItem struct {
	fd   int
	id   uint64
	time time.Time
}
