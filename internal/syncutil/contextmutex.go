// Package syncutil holds the small locking primitives the analysis cycle
// relies on: a single-holder Gate for "one cycle at a time" and a
// context-aware sharded mutex for per-user serialization.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Callers can give up if their context is cancelled while waiting.
// Distinct keys may share a shard, so never hold two keys at once.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext blocks until key's shard is free or ctx is done. On success
// the caller must invoke the returned unlock exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardIdx(key)]

	select {
	case <-ch:
		return releaser(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's shard only if it is free right now.
func (m *ContextShardedMutex) TryLock(key string) (func(), bool) {
	m.init()
	ch := m.shards[shardIdx(key)]

	select {
	case <-ch:
		return releaser(ch), true
	default:
		return nil, false
	}
}

func releaser(ch chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { ch <- struct{}{} }) }
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
