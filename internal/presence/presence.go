// Package presence keeps an advisory index of match keys that currently have
// a waiting endpoint, so operators of several relay instances can tell which
// instance a client must reach. Pairing never consults it.
package presence

import (
	"context"
	"sync"
)

// Store records waiting keys per role.
type Store interface {
	Announce(role, key string)
	Withdraw(role, key string)
	// Snapshot returns role -> key -> waiting count for this instance.
	Snapshot() map[string]map[string]int
	// Lookup returns instance -> waiting count for role and key.
	Lookup(ctx context.Context, role, key string) (map[string]int64, error)
	Close() error
}

// LocalInstance is the instance name MemoryStore reports from Lookup.
const LocalInstance = "local"

// MemoryStore is the single instance Store.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]map[string]int)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Announce(role, key string) { m.add(role, key, 1) }
func (m *MemoryStore) Withdraw(role, key string) { m.add(role, key, -1) }

// add applies delta and returns the resulting count.
func (m *MemoryStore) add(role, key string, delta int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.counts[role]
	if keys == nil {
		keys = make(map[string]int)
		m.counts[role] = keys
	}
	n := keys[key] + delta
	if n <= 0 {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.counts, role)
		}
		return 0
	}
	keys[key] = n
	return n
}

func (m *MemoryStore) count(role, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[role][key]
}

func (m *MemoryStore) Snapshot() map[string]map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]int, len(m.counts))
	for role, keys := range m.counts {
		cp := make(map[string]int, len(keys))
		for k, v := range keys {
			cp[k] = v
		}
		out[role] = cp
	}
	return out
}

func (m *MemoryStore) Lookup(_ context.Context, role, key string) (map[string]int64, error) {
	out := map[string]int64{}
	if n := m.count(role, key); n > 0 {
		out[LocalInstance] = int64(n)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
