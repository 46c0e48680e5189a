package epochslab

import (
	"math/bits"
	"sync/atomic"
)

// List membership within a size class. Guarded by the class mutex.
const (
	listPartial = iota
	listFull
	listNone
)

// Cache lifecycle state. Guarded by the cache mutex (or the class mutex
// during the unlink-to-push handoff window).
const (
	slabActive = iota
	slabCached
	slabOverflowed
)

// slab is the header for one page of same-size slots. The header lives off
// the page: the page itself is pure slot data obtained from the PageSource,
// so a reclamation hint may zero it without touching any metadata.
//
// Bitmap population and freeCount always agree: every claim/release pairs a
// bit CAS with a counter step and reports the pre-transition count, which is
// how full/empty edges are detected exactly once.
type slab struct {
	prev, next *slab // intrusive links, class mutex

	data       []byte
	id         uint32 // registry id, immutable after creation
	generation uint32 // copy of the registry generation, written before publication
	objectSize uint32
	capacity   uint32
	classIndex uint32

	freeCount atomic.Uint32
	bitmap    []atomic.Uint32

	listID     int // class mutex
	cacheState int

	// Owning epoch ring index and era stamp. Written under the class mutex
	// when the slab is bound to an epoch, read lock-free on the fast path.
	epochIndex atomic.Uint32
	era        atomic.Uint64
}

func newSlabHeader(data []byte, id, objectSize, capacity, classIndex uint32) *slab {
	s := &slab{
		data:       data,
		id:         id,
		objectSize: objectSize,
		capacity:   capacity,
		classIndex: classIndex,
		bitmap:     make([]atomic.Uint32, (capacity+31)/32),
		listID:     listNone,
		cacheState: slabActive,
	}
	s.freeCount.Store(capacity)
	return s
}

// reinit prepares a slab popped from the cache for a new incarnation. The
// page contents are assumed gone (the reclamation hint may have zeroed them).
func (s *slab) reinit() {
	s.prev, s.next = nil, nil
	s.listID = listNone
	s.cacheState = slabActive
	s.freeCount.Store(s.capacity)
	for i := range s.bitmap {
		s.bitmap[i].Store(0)
	}
}

// slot returns the byte range backing slot i.
func (s *slab) slot(i uint32) []byte {
	off := i * s.objectSize
	return s.data[off : off+s.objectSize : off+s.objectSize]
}

// claim finds a free slot, CAS-sets its bit and returns the slot index along
// with the pre-decrement free count (prevFree == 1 means this claim filled
// the slab, prevFree == capacity means it was empty). Returns ok == false
// only when every slot is taken.
//
// Losing a CAS means another thread raced for the same word; the word is
// simply re-read. Contention is resolved here, never by a lock.
func (s *slab) claim() (slot, prevFree uint32, ok bool) {
	words := uint32(len(s.bitmap))
	for w := uint32(0); w < words; w++ {
		for {
			x := s.bitmap[w].Load()
			if x == ^uint32(0) {
				break
			}
			freeMask := ^x
			if w == words-1 {
				// Mask bits past capacity so it need not be a multiple of 32.
				if valid := s.capacity - w*32; valid < 32 {
					freeMask &= uint32(1)<<valid - 1
					if freeMask == 0 {
						break
					}
				}
			}
			bit := uint32(bits.TrailingZeros32(freeMask))
			if s.bitmap[w].CompareAndSwap(x, x|uint32(1)<<bit) {
				prev := s.freeCount.Add(^uint32(0)) + 1
				return w*32 + bit, prev, true
			}
		}
	}
	return 0, 0, false
}

// release CAS-clears the bit for slot i and returns the pre-increment free
// count (prevFree == 0 means the slab just stopped being full, prevFree ==
// capacity-1 means it just became empty). Returns ok == false when the bit
// was already clear: a double free or a forged slot, never contention.
func (s *slab) release(i uint32) (prevFree uint32, ok bool) {
	if i >= s.capacity {
		return 0, false
	}
	w, mask := i/32, uint32(1)<<(i%32)
	for {
		x := s.bitmap[w].Load()
		if x&mask == 0 {
			return 0, false
		}
		if s.bitmap[w].CompareAndSwap(x, x&^mask) {
			return s.freeCount.Add(1) - 1, true
		}
	}
}

// empty reports whether every slot is free. Advisory outside the class mutex.
func (s *slab) empty() bool {
	return s.freeCount.Load() == s.capacity
}

// slabList is an intrusive doubly-linked list, guarded by the class mutex.
type slabList struct {
	head, tail *slab
	size       int
}

func (l *slabList) pushBack(s *slab) {
	s.prev = l.tail
	s.next = nil
	if l.tail != nil {
		l.tail.next = s
	} else {
		l.head = s
	}
	l.tail = s
	l.size++
}

func (l *slabList) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nil, nil
	l.size--
}
