// Package syncutil provides keyed locking primitives used to serialize
// per-escrow operations.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory
// regardless of how many keys are seen, at the cost of occasional false
// sharing between keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock
// function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// TryLock attempts to acquire the mutex for the given key without
// blocking. On success it returns an unlock function and true; when the
// shard is already held it returns nil and false. Used to enforce at
// most one in-flight state-changing operation per escrow id: the loser
// is rejected, never queued behind a transaction it has not seen.
func (s *ShardedMutex) TryLock(key string) (func(), bool) {
	mu := s.shard(key)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
