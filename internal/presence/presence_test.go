package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCounts(t *testing.T) {
	m := NewMemoryStore()
	m.Announce("producer", "room1")
	m.Announce("producer", "room1")
	m.Announce("consumer", "room2")

	snap := m.Snapshot()
	assert.Equal(t, map[string]map[string]int{
		"producer": {"room1": 2},
		"consumer": {"room2": 1},
	}, snap)

	got, err := m.Lookup(context.Background(), "producer", "room1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{LocalInstance: 2}, got)

	m.Withdraw("producer", "room1")
	m.Withdraw("producer", "room1")
	m.Withdraw("consumer", "room2")
	assert.Empty(t, m.Snapshot())

	got, err = m.Lookup(context.Background(), "producer", "room1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreNeverNegative(t *testing.T) {
	m := NewMemoryStore()
	m.Withdraw("producer", "ghost")
	m.Announce("producer", "ghost")
	assert.Equal(t, 1, m.Snapshot()["producer"]["ghost"])
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMemoryStore()
	m.Announce("producer", "a")
	snap := m.Snapshot()
	snap["producer"]["a"] = 99
	assert.Equal(t, 1, m.Snapshot()["producer"]["a"])
}

func TestNewWithoutAddrIsMemory(t *testing.T) {
	s, err := New("", "", 0, 0)
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
	assert.NoError(t, s.Close())
}

func TestRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis connection failed")
}

func TestRedisKey(t *testing.T) {
	assert.Equal(t, "rfbrelay:waiting:producer:room1", redisKey("producer", "room1"))
}
