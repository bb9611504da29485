package discovery

import (
	"bytes"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/RAttab/slick-network/transport"
)

// item is an advertised record for either a node or a key value: who owns
// the UUID, where the owner is reachable, and when the advertisement lapses.
type item struct {
	id         uuid.UUID
	addrs      transport.NodeAddress
	expiration time.Time
}

// ttl returns the remaining lifetime, zero if lapsed.
func (it *item) ttl(now time.Time) time.Duration {
	if !it.expiration.After(now) {
		return 0
	}
	return it.expiration.Sub(now)
}

// setTTL extends the expiration. The TTL of an advertisement only ever
// grows from fresh gossip; a shorter TTL is ignored.
func (it *item) setTTL(ttl time.Duration, now time.Time) {
	if ttl > it.ttl(now) {
		it.expiration = now.Add(ttl)
	}
}

// ttlMillis converts a TTL to the wire's u32 milliseconds, saturating.
func ttlMillis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

func uuidLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// itemSet keeps items unique by id and ordered by id.
type itemSet struct {
	items []item
}

func (s *itemSet) len() int { return len(s.items) }

func (s *itemSet) at(i int) *item { return &s.items[i] }

// search returns the insertion index for id.
func (s *itemSet) search(id uuid.UUID) int {
	return sort.Search(len(s.items), func(i int) bool {
		return !uuidLess(s.items[i].id, id)
	})
}

// get returns the item with the given id, nil if absent.
func (s *itemSet) get(id uuid.UUID) *item {
	i := s.search(id)
	if i < len(s.items) && s.items[i].id == id {
		return &s.items[i]
	}
	return nil
}

// insert adds the item, keeping order. Returns false if the id exists.
func (s *itemSet) insert(it item) bool {
	i := s.search(it.id)
	if i < len(s.items) && s.items[i].id == it.id {
		return false
	}
	s.items = append(s.items, item{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	return true
}

// remove deletes the item with the given id. Returns false if absent.
func (s *itemSet) remove(id uuid.UUID) bool {
	i := s.search(id)
	if i >= len(s.items) || s.items[i].id != id {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// expire removes every lapsed item and returns the removed ones.
func (s *itemSet) expire(now time.Time) []item {
	var removed []item
	kept := s.items[:0]
	for _, it := range s.items {
		if it.expiration.After(now) {
			kept = append(kept, it)
		} else {
			removed = append(removed, it)
		}
	}
	s.items = kept
	return removed
}

// dataRec is a locally published value. The id is assigned at publish time
// and changes on every republish of the key.
type dataRec struct {
	id      uuid.UUID
	payload []byte
}

// WatchHandle identifies a single watch on a key. Handles are chosen by
// the caller and must be unique within a key.
type WatchHandle uint64

// WatchFn is the watch callback: found=true delivers a fetched payload,
// found=false signals that the advertisement behind keyID was lost.
// Callbacks run on the engine goroutine; panics are recovered and logged.
type WatchFn func(found bool, key string, keyID uuid.UUID, payload []byte)

// fetch is an in-flight value request. delay doubles on every retry.
type fetch struct {
	node  transport.NodeAddress
	delay time.Duration
}

// fetchExp schedules the retry of a pending fetch.
type fetchExp struct {
	key        string
	keyID      uuid.UUID
	expiration time.Time
}

// intSet keeps fds unique and ordered, with index access for random picks.
type intSet struct {
	vals []int
}

func (s *intSet) len() int { return len(s.vals) }

func (s *intSet) at(i int) int { return s.vals[i] }

func (s *intSet) contains(v int) bool {
	i := sort.SearchInts(s.vals, v)
	return i < len(s.vals) && s.vals[i] == v
}

func (s *intSet) insert(v int) {
	i := sort.SearchInts(s.vals, v)
	if i < len(s.vals) && s.vals[i] == v {
		return
	}
	s.vals = append(s.vals, 0)
	copy(s.vals[i+1:], s.vals[i:])
	s.vals[i] = v
}

func (s *intSet) remove(v int) {
	i := sort.SearchInts(s.vals, v)
	if i >= len(s.vals) || s.vals[i] != v {
		return
	}
	s.vals = append(s.vals[:i], s.vals[i+1:]...)
}
