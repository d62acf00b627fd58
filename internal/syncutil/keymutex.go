// Package syncutil provides keyed locking primitives used to serialize
// settlement operations per contract.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// KeyMutex provides a fixed-size pool of channel-based mutexes keyed by
// string. Callers waiting to acquire a lock can bail out when their
// context is cancelled, so a stuck settlement cannot pile up request
// handlers behind it.
//
// Two keys may hash to the same shard; that only over-serializes, it
// never under-serializes.
type KeyMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing
// select{} with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyMutex creates a new keyed mutex pool.
func NewKeyMutex() *KeyMutex {
	m := &KeyMutex{}
	m.init()
	return m
}

func (m *KeyMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key, respecting context
// cancellation. On success it returns an unlock function and nil error;
// the caller MUST call the unlock function when done. On cancellation it
// returns nil and the context error.
func (m *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
