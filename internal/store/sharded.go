// internal/store/sharded.go
package store

import (
	"hash/fnv"
	"sync"
)

// shardCount is fixed at a power of two so shard selection is a mask.
const shardCount = 32

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// shardedMap spreads keys over independently locked maps so concurrent
// request handlers do not serialize on one mutex. The Update method gives
// per-key atomic read-modify-write under the shard lock, which is what the
// idempotency check-and-set and the rate-window increment need.
type shardedMap[V any] struct {
	shards [shardCount]*shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	sm := &shardedMap[V]{}
	for i := range sm.shards {
		sm.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return sm
}

func (sm *shardedMap[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return sm.shards[h.Sum32()&(shardCount-1)]
}

func (sm *shardedMap[V]) Get(key string) (V, bool) {
	s := sm.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (sm *shardedMap[V]) Set(key string, value V) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// Update applies fn to the current value under the shard write lock. fn
// receives the existing value (zero if absent) and whether it was present,
// and returns the new value and whether to keep it.
func (sm *shardedMap[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	next, keep := fn(v, ok)
	if keep {
		s.m[key] = next
	} else if ok {
		delete(s.m, key)
	}
}

func (sm *shardedMap[V]) Delete(key string) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Retain drops every entry for which keep returns false and reports how many
// were removed.
func (sm *shardedMap[V]) Retain(keep func(key string, v V) bool) int {
	removed := 0
	for _, s := range sm.shards {
		s.mu.Lock()
		for k, v := range s.m {
			if !keep(k, v) {
				delete(s.m, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Range calls fn for every entry. Each shard is read-locked for the duration
// of its traversal.
func (sm *shardedMap[V]) Range(fn func(key string, v V)) {
	for _, s := range sm.shards {
		s.mu.RLock()
		for k, v := range s.m {
			fn(k, v)
		}
		s.mu.RUnlock()
	}
}

func (sm *shardedMap[V]) Len() int {
	n := 0
	for _, s := range sm.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
