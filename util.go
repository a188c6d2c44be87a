package flashlog

import (
	"sync"
	"sync/atomic"
)

// Cursors register and release from many goroutines. The ID space is
// split over shards, each with its own lock.

const readerShardCount = 32
const readerShardMask = readerShardCount - 1

// readerTracker tracks open cursors.
type readerTracker struct {
	next   atomic.Uint64
	count  atomic.Int64
	shards [readerShardCount]readerShard
}

type readerShard struct {
	mu    sync.Mutex
	items map[uint64]struct{}
}

func newReaderTracker() *readerTracker {
	rt := &readerTracker{}
	for i := range rt.shards {
		rt.shards[i].items = make(map[uint64]struct{})
	}
	return rt
}

func (rt *readerTracker) shard(id uint64) *readerShard {
	return &rt.shards[id&readerShardMask]
}

// Register allocates an ID and marks it active.
func (rt *readerTracker) Register() uint64 {
	id := rt.next.Add(1)
	rt.Add(id)
	return id
}

func (rt *readerTracker) Add(id uint64) {
	sh := rt.shard(id)
	sh.mu.Lock()
	if _, ok := sh.items[id]; !ok {
		sh.items[id] = struct{}{}
		rt.count.Add(1)
	}
	sh.mu.Unlock()
}

// Remove reports whether id was active.
func (rt *readerTracker) Remove(id uint64) bool {
	sh := rt.shard(id)
	sh.mu.Lock()
	_, exists := sh.items[id]
	if exists {
		delete(sh.items, id)
		rt.count.Add(-1)
	}
	sh.mu.Unlock()
	return exists
}

func (rt *readerTracker) HasAny() bool {
	for i := range rt.shards {
		sh := &rt.shards[i]
		sh.mu.Lock()
		if len(sh.items) > 0 {
			sh.mu.Unlock()
			return true
		}
		sh.mu.Unlock()
	}
	return false
}

func (rt *readerTracker) Contains(id uint64) bool {
	sh := rt.shard(id)
	sh.mu.Lock()
	_, exists := sh.items[id]
	sh.mu.Unlock()
	return exists
}

func (rt *readerTracker) Count() int64 {
	return rt.count.Load()
}
