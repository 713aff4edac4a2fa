package escrow

import (
	"github.com/workdrop/escrowd/internal/syncutil"
)

// shardedLocker adapts syncutil.ShardedMutex to the gateway's keyed
// single-flight gate.
type shardedLocker struct {
	mu syncutil.ShardedMutex
}

func newShardedLocker() *shardedLocker {
	return &shardedLocker{}
}

func (l *shardedLocker) TryLock(key string) (func(), bool) {
	return l.mu.TryLock(key)
}
