// Package syncutil provides in-process coordination helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock when shards <= 0.
const DefaultShards = 256

// KeyLock serializes work per string key using a fixed pool of channel
// mutexes, so memory stays bounded however many keys are seen. Keys that
// hash to the same shard contend with each other.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock pool with the given number of shards.
func NewKeyLock(shards int) *KeyLock {
	if shards <= 0 {
		shards = DefaultShards
	}
	l := &KeyLock{shards: make([]chan struct{}, shards)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until key's shard is free or ctx ends. On success the caller
// must call the returned unlock exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	ch := l.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes key's shard only if it is free right now.
func (l *KeyLock) TryLock(key string) (unlock func(), ok bool) {
	ch := l.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (l *KeyLock) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}
