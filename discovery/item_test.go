package discovery

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemSetOrderedUnique(t *testing.T) {
	var s itemSet
	now := time.Now()

	ids := make([]uuid.UUID, 16)
	for i := range ids {
		ids[i] = uuid.New()
		require.True(t, s.insert(item{id: ids[i], expiration: now.Add(time.Hour)}))
	}

	// Re-inserting is a no-op.
	assert.False(t, s.insert(item{id: ids[0]}))
	assert.Equal(t, len(ids), s.len())

	// Items come out ordered by id.
	for i := 1; i < s.len(); i++ {
		assert.True(t, uuidLess(s.at(i-1).id, s.at(i).id))
	}

	for _, id := range ids {
		require.NotNil(t, s.get(id))
	}
	assert.Nil(t, s.get(uuid.New()))

	assert.True(t, s.remove(ids[3]))
	assert.False(t, s.remove(ids[3]))
	assert.Nil(t, s.get(ids[3]))
	assert.Equal(t, len(ids)-1, s.len())
}

func TestItemSetExpire(t *testing.T) {
	var s itemSet
	now := time.Now()

	live := uuid.New()
	dead := uuid.New()
	s.insert(item{id: live, expiration: now.Add(time.Hour)})
	s.insert(item{id: dead, expiration: now.Add(-time.Second)})

	removed := s.expire(now)
	require.Len(t, removed, 1)
	assert.Equal(t, dead, removed[0].id)
	assert.NotNil(t, s.get(live))
	assert.Nil(t, s.get(dead))
}

func TestItemTTLMonotonic(t *testing.T) {
	now := time.Now()
	it := item{id: uuid.New(), expiration: now.Add(time.Hour)}

	// Shorter TTL never shrinks the expiration.
	it.setTTL(time.Minute, now)
	assert.Equal(t, now.Add(time.Hour), it.expiration)

	it.setTTL(2*time.Hour, now)
	assert.Equal(t, now.Add(2*time.Hour), it.expiration)

	assert.Equal(t, 2*time.Hour, it.ttl(now))
	assert.Equal(t, time.Duration(0), it.ttl(now.Add(3*time.Hour)))
}

func TestTTLMillisSaturates(t *testing.T) {
	assert.Equal(t, uint32(0), ttlMillis(-time.Second))
	assert.Equal(t, uint32(1000), ttlMillis(time.Second))
	assert.Equal(t, uint32(0xffffffff), ttlMillis(100*24*time.Hour))
}

func TestIntSet(t *testing.T) {
	var s intSet
	for _, v := range []int{5, 1, 3, 1} {
		s.insert(v)
	}
	assert.Equal(t, 3, s.len())
	assert.Equal(t, []int{1, 3, 5}, s.vals)
	assert.True(t, s.contains(3))

	s.remove(3)
	s.remove(3)
	assert.False(t, s.contains(3))
	assert.Equal(t, 2, s.len())
}
