package epochslab

import (
	"sync"
	"sync/atomic"
)

// registryChunkBits sizes the fixed chunks of the two-level id table.
const registryChunkBits = 10

const registryChunkSize = 1 << registryChunkBits

type registryEntry struct {
	ptr atomic.Pointer[slab]
	gen atomic.Uint32 // 24-bit space, zero reserved for the nil handle
}

type registryChunk [registryChunkSize]registryEntry

// handleRegistry is the single source of truth for whether a handle still
// refers to a live incarnation of a slab. It maps a compact slab id to the
// slab's current header pointer and a generation counter that is bumped every
// time the slab is reused from the cache, so handles minted against a prior
// incarnation fail validation instead of aliasing new data.
//
// The table grows monotonically and entries never move: growth appends a
// fixed-size chunk and swaps a copied directory slice, so validate can run
// lock-free against a consistent snapshot. Growth is a cold path, taken once
// per new slab.
type handleRegistry struct {
	mu      sync.Mutex
	dir     atomic.Pointer[[]*registryChunk]
	next    uint32
	freeIDs []uint32
}

// allocateID reuses a freed id if available, else bump-allocates, growing the
// chunk directory as needed. Returns the id and its starting generation.
func (r *handleRegistry) allocateID() (id, gen uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.freeIDs); n > 0 {
		id = r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
	} else {
		if r.next > maxSlabID {
			return 0, 0, false
		}
		id = r.next
		r.next++
	}

	dir := r.dir.Load()
	need := int(id>>registryChunkBits) + 1
	if dir == nil || len(*dir) < need {
		var grown []*registryChunk
		if dir != nil {
			grown = append(grown, *dir...)
		}
		for len(grown) < need {
			grown = append(grown, new(registryChunk))
		}
		r.dir.Store(&grown)
		dir = &grown
	}

	e := r.entry(dir, id)
	gen = e.gen.Load()
	if gen == 0 {
		gen = 1
		e.gen.Store(gen)
	}
	return id, gen, true
}

// releaseID returns an id to the free pool. Only used at teardown; during
// normal operation ids stay bound to their slab for the allocator's lifetime.
func (r *handleRegistry) releaseID(id uint32) {
	r.mu.Lock()
	r.freeIDs = append(r.freeIDs, id)
	r.mu.Unlock()
}

// publish installs s as the current slab for id with release ordering, so a
// thread that later observes the pointer observes a fully initialized slab.
func (r *handleRegistry) publish(id uint32, s *slab) {
	r.entry(r.dir.Load(), id).ptr.Store(s)
}

// retract nulls the pointer for id, after which every handle against it fails
// validation. Teardown only.
func (r *handleRegistry) retract(id uint32) {
	r.entry(r.dir.Load(), id).ptr.Store(nil)
}

// bumpGeneration invalidates all outstanding handles for id. Called exactly
// when a cached slab is popped for reuse, before any new handle is minted.
// Wraps within the 24-bit space skipping zero.
func (r *handleRegistry) bumpGeneration(id uint32) uint32 {
	e := r.entry(r.dir.Load(), id)
	gen := (e.gen.Load() + 1) & generationMask
	if gen == 0 {
		gen = 1
	}
	e.gen.Store(gen)
	return gen
}

// validate returns the slab for id iff gen matches its current generation.
// The pointer is acquire-loaded before the generation: a non-nil answer is
// safe to dereference because slabs are recycled, never destroyed, while the
// allocator is alive.
func (r *handleRegistry) validate(id, gen uint32) *slab {
	dir := r.dir.Load()
	if dir == nil || int(id>>registryChunkBits) >= len(*dir) {
		return nil
	}
	e := r.entry(dir, id)
	s := e.ptr.Load()
	if s == nil {
		return nil
	}
	if e.gen.Load() != gen {
		return nil
	}
	return s
}

func (r *handleRegistry) entry(dir *[]*registryChunk, id uint32) *registryEntry {
	return &(*dir)[id>>registryChunkBits][id&(registryChunkSize-1)]
}
