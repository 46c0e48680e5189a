package epochslab

import (
	"hash/fnv"
	"math/bits"
	"runtime"
	"sync"
)

// FrontCacheDepth bounds how many released handles one shard stashes per
// size class.
const FrontCacheDepth = 16

type frontEntry struct {
	h     Handle
	data  []byte
	epoch EpochID
	era   uint64
}

type frontShard struct {
	mu      sync.Mutex
	perKind [][]frontEntry // class index -> stack of stashed entries
}

// FrontCache is an optional decorator that short-circuits allocate/release
// pairs: Release stashes the still-claimed handle in a contention-sharded
// stack, and a later Allocate for the same size class and epoch hands it
// straight back without touching the allocator's hot path. Purely a latency
// optimization; correctness is unchanged when it is bypassed.
//
// Entries are keyed by (epoch, era). A stashed handle whose epoch has moved
// on (closed, or its ring slot reactivated under a new era) is flushed to
// the real Release path instead of being handed out, so the cache can never
// resurrect an allocation into a lifetime it does not belong to. Note that a
// stashed handle keeps its slot claimed: call Flush before closing an epoch
// whose allocations went through the cache.
type FrontCache struct {
	alloc  *Allocator
	shards []frontShard
	mask   uint64
}

// NewFrontCache wraps a with a sharded front cache. Shard count defaults to
// GOMAXPROCS rounded up to a power of two.
func NewFrontCache(a *Allocator) *FrontCache {
	n := 1 << bits.Len(uint(runtime.GOMAXPROCS(0)-1))
	if n < 1 {
		n = 1
	}
	fc := &FrontCache{
		alloc:  a,
		shards: make([]frontShard, n),
		mask:   uint64(n - 1),
	}
	for i := range fc.shards {
		fc.shards[i].perKind = make([][]frontEntry, len(a.classes))
	}
	return fc
}

// Allocate serves from the shard stash when a compatible entry exists, else
// falls through to the allocator.
func (fc *FrontCache) Allocate(size uint32, epoch EpochID) ([]byte, Handle, error) {
	ci := fc.alloc.SizeClassFor(size)
	if ci < 0 {
		return nil, NilHandle, ErrInvalidSize
	}
	era, err := fc.alloc.EpochEra(epoch)
	if err != nil {
		return nil, NilHandle, err
	}

	shard := &fc.shards[shardID()&fc.mask]
	shard.mu.Lock()
	stack := shard.perKind[ci]
	for n := len(stack); n > 0; n = len(stack) {
		e := stack[n-1]
		stack = stack[:n-1]
		shard.perKind[ci] = stack
		if e.epoch == epoch && e.era == era {
			shard.mu.Unlock()
			return e.data, e.h, nil
		}
		// Stale epoch or era: hand the slot back for real.
		shard.mu.Unlock()
		fc.alloc.Release(e.h)
		shard.mu.Lock()
		stack = shard.perKind[ci]
	}
	shard.mu.Unlock()

	return fc.alloc.Allocate(size, epoch)
}

// Release stashes the handle for reuse when its epoch is still active and
// the shard has room; otherwise it releases through the allocator.
func (fc *FrontCache) Release(h Handle) bool {
	slabID, gen, slot, class, ok := unpackHandle(h)
	if !ok || int(class) >= len(fc.alloc.classes) {
		return false
	}
	s := fc.alloc.registry.validate(slabID, gen)
	if s == nil || s.classIndex != class || slot >= s.capacity {
		return false
	}

	epoch := s.epochIndex.Load()
	if fc.alloc.epochs[epoch].state.Load() != epochActive {
		return fc.alloc.Release(h)
	}
	era := s.era.Load()

	shard := &fc.shards[shardID()&fc.mask]
	shard.mu.Lock()
	if len(shard.perKind[class]) < FrontCacheDepth {
		shard.perKind[class] = append(shard.perKind[class], frontEntry{
			h:     h,
			data:  s.slot(slot),
			epoch: epoch,
			era:   era,
		})
		shard.mu.Unlock()
		return true
	}
	shard.mu.Unlock()
	return fc.alloc.Release(h)
}

// Flush releases every stashed handle back to the allocator.
func (fc *FrontCache) Flush() {
	for i := range fc.shards {
		shard := &fc.shards[i]
		shard.mu.Lock()
		drained := make([]Handle, 0, 8)
		for ci, stack := range shard.perKind {
			for _, e := range stack {
				drained = append(drained, e.h)
			}
			shard.perKind[ci] = stack[:0]
		}
		shard.mu.Unlock()
		for _, h := range drained {
			fc.alloc.Release(h)
		}
	}
}

// shardID derives a stable shard index for the calling goroutine by hashing
// its stack trace; cheap enough for the fallback path and free of runtime
// internals.
func shardID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	h := fnv.New64a()
	h.Write(buf[:n])
	return h.Sum64()
}
