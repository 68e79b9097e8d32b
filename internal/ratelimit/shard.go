package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// shard is a single partition of the sharded map.
type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// shardedMap is a concurrent map split into fixed shards to reduce lock contention.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	var m shardedMap[V]
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return &m
}

func (m *shardedMap[V]) getShard(key string) *shard[V] {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// update runs fn with the shard locked. fn receives the current value and
// whether it exists, and returns the value to store and whether to keep it.
func (m *shardedMap[V]) update(key string, fn func(v V, ok bool) (V, bool)) {
	s := m.getShard(key)
	s.mu.Lock()
	v, ok := s.items[key]
	nv, keep := fn(v, ok)
	if keep {
		s.items[key] = nv
	} else if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()
}

// deleteFunc removes all entries for which fn returns true.
func (m *shardedMap[V]) deleteFunc(fn func(key string, v V) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// len returns the total number of entries.
func (m *shardedMap[V]) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
