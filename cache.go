package epochslab

import "sync"

// cacheRecord pairs a slab header with its registry id. The id is carried in
// the record rather than re-read from the slab later: once the reclamation
// hint has been issued the page contents are gone, and keeping every field
// the pop path needs off-page makes that ordering impossible to get wrong.
type cacheRecord struct {
	s  *slab
	id uint32
}

type overflowNode struct {
	rec  cacheRecord
	next *overflowNode
}

// slabCache is the per-size-class pool of recycled, emptied slabs feeding the
// slow allocation path. A bounded array holds the common case; beyond its
// capacity slabs go to an unbounded overflow list so they stay mapped and
// tracked rather than leaked (stale handles may name them indefinitely).
//
// The cache mutex is its own lock domain, never held across the class mutex
// or any syscall: reclamation hints are issued by the caller after push
// returns.
type slabCache struct {
	mu       sync.Mutex
	records  []cacheRecord
	capacity int
	overflow *overflowNode
	overflen int
}

func newSlabCache(capacity int) slabCache {
	return slabCache{
		records:  make([]cacheRecord, 0, capacity),
		capacity: capacity,
	}
}

// push stores an emptied slab that is already unlinked from all lists.
// Returns true when it landed in the bounded array, false for overflow.
func (c *slabCache) push(s *slab) bool {
	rec := cacheRecord{s: s, id: s.id}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) < c.capacity {
		s.cacheState = slabCached
		c.records = append(c.records, rec)
		return true
	}
	s.cacheState = slabOverflowed
	c.overflow = &overflowNode{rec: rec, next: c.overflow}
	c.overflen++
	return false
}

// pop prefers the bounded array, falling back to the overflow list. The
// caller owns the returned slab exclusively and must bump its registry
// generation and reinitialize the header before publishing it anywhere.
func (c *slabCache) pop() (cacheRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.records); n > 0 {
		rec := c.records[n-1]
		c.records = c.records[:n-1]
		return rec, true
	}
	if c.overflow != nil {
		rec := c.overflow.rec
		c.overflow = c.overflow.next
		c.overflen--
		return rec, true
	}
	return cacheRecord{}, false
}

// occupancy reports (array, overflow) population for stats.
func (c *slabCache) occupancy() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records), c.overflen
}

// drain empties the cache for teardown.
func (c *slabCache) drain() []cacheRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.records
	c.records = nil
	for n := c.overflow; n != nil; n = n.next {
		out = append(out, n.rec)
	}
	c.overflow = nil
	c.overflen = 0
	return out
}
