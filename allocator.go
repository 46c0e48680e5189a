// Package epochslab provides a fixed-size-class slab allocator that groups
// allocations by temporal epoch, so objects with similar lifetimes are
// physically co-located and reclaimed as a unit without per-object
// bookkeeping. It targets high-churn, latency-sensitive workloads (session
// stores, connection tracking, packet buffers) where bounded resident memory
// and sub-microsecond allocation latency matter more than generality.
//
// Basic usage:
//
//	alloc, err := epochslab.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer alloc.Close()
//
//	data, h, err := alloc.Allocate(128, alloc.CurrentEpoch())
//	if err != nil {
//		log.Fatal(err)
//	}
//	// Use data...
//	alloc.Release(h)
//
// Epoch lifecycle:
//
//	e := alloc.CurrentEpoch()
//	// ... allocate request-scoped objects into e ...
//	alloc.AdvanceEpoch()    // new allocations go to the next ring slot
//	alloc.CloseEpoch(e)     // drain e, hint emptied pages back to the OS
package epochslab

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults forming the compatibility surface.
const (
	DefaultPageSize      = 4096
	DefaultEpochCount    = 16
	DefaultCacheCapacity = 32
)

// Predefined errors for caller misuse and resource exhaustion. Internal
// races (a lost CAS, a just-closed epoch admitting one last allocation) are
// normal branches, not errors.
var (
	ErrInvalidSize  = errors.New("epochslab: size is zero or exceeds the largest size class")
	ErrInvalidEpoch = errors.New("epochslab: epoch id out of range")
	ErrEpochClosing = errors.New("epochslab: epoch is closing and not accepting allocations")
	ErrOutOfPages   = errors.New("epochslab: page source exhausted")
	ErrTooManySlabs = errors.New("epochslab: slab id space exhausted")
	ErrClosed       = errors.New("epochslab: allocator is closed")
)

// PerfCounters is a read-only diagnostic snapshot for one size class. All
// counters use relaxed atomics; they attribute tail latency, they do not
// carry correctness.
type PerfCounters struct {
	SlowPathHits        uint64 `json:"slow_path_hits"`
	NewSlabCount        uint64 `json:"new_slab_count"`
	MovePartialToFull   uint64 `json:"list_move_partial_to_full"`
	MoveFullToPartial   uint64 `json:"list_move_full_to_partial"`
	CurrentPartialNull  uint64 `json:"current_partial_null"`
	CurrentPartialFull  uint64 `json:"current_partial_full"`
	EmptySlabRecycled   uint64 `json:"empty_slab_recycled"`
	EmptySlabOverflowed uint64 `json:"empty_slab_overflowed"`
	ListRepairs         uint64 `json:"list_repairs"`
	ReclaimHintCalls    uint64 `json:"reclaim_hint_calls"`
	ReclaimHintBytes    uint64 `json:"reclaim_hint_bytes"`
	ReclaimHintFailures uint64 `json:"reclaim_hint_failures"`
}

type classCounters struct {
	slowPathHits        atomic.Uint64
	newSlabCount        atomic.Uint64
	movePartialToFull   atomic.Uint64
	moveFullToPartial   atomic.Uint64
	currentPartialNull  atomic.Uint64
	currentPartialFull  atomic.Uint64
	emptySlabRecycled   atomic.Uint64
	emptySlabOverflowed atomic.Uint64
	listRepairs         atomic.Uint64
	reclaimHintCalls    atomic.Uint64
	reclaimHintBytes    atomic.Uint64
	reclaimHintFailures atomic.Uint64
}

// classEpochState holds one size class's view of one epoch ring slot: the
// partial and full lists (class mutex) and the published current-partial
// pointer the fast path races on.
type classEpochState struct {
	partial slabList
	full    slabList
	current atomic.Pointer[slab]
}

// sizeClass is the per-class allocator state. Its mutex guards list
// membership and slab creation; claim/release on a published slab never take
// it. The cache carries its own lock; the two are never held together with
// another class's, so there is no cross-class lock order to get wrong.
type sizeClass struct {
	objectSize   uint32
	slotsPerSlab uint32
	index        uint32

	mu         sync.Mutex
	epochs     []classEpochState
	totalSlabs int

	// emptyResident gauges empty-but-warm slabs kept on active-epoch
	// partial lists instead of being recycled.
	emptyResident atomic.Int64

	counters classCounters
	cache    slabCache
}

type config struct {
	pageSize      int
	epochCount    int
	cacheCapacity int
	sizeClasses   []uint32
	pages         PageSource
	logger        *slog.Logger
}

// Option configures an Allocator.
type Option func(*config)

func defaultConfig() config {
	return config{
		pageSize:      DefaultPageSize,
		epochCount:    DefaultEpochCount,
		cacheCapacity: DefaultCacheCapacity,
		sizeClasses:   defaultSizeClasses,
	}
}

// WithPageSize sets the slab page size. Must be a power of two.
func WithPageSize(size int) Option {
	return func(c *config) { c.pageSize = size }
}

// WithEpochCount sets the epoch ring size. Must be a power of two.
func WithEpochCount(n int) Option {
	return func(c *config) { c.epochCount = n }
}

// WithCacheCapacity sets the bounded slab-cache array size per size class.
func WithCacheCapacity(n int) Option {
	return func(c *config) { c.cacheCapacity = n }
}

// WithSizeClasses overrides the default size-class boundaries. Values must be
// strictly ascending and no larger than the page size.
func WithSizeClasses(classes []uint32) Option {
	return func(c *config) { c.sizeClasses = classes }
}

// WithPageSource overrides the default heap-backed page source; see
// MmapPages for a source with real advisory reclamation.
func WithPageSource(ps PageSource) Option {
	return func(c *config) { c.pages = ps }
}

// WithLogger sets a structured logger for operational events.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Allocator is the epoch-scoped slab allocator. All methods are safe for
// concurrent use.
type Allocator struct {
	table     *sizeClassTable
	classes   []sizeClass
	registry  handleRegistry
	pages     PageSource
	pageSize  uint32
	epochs    []epochState
	epochMask uint32

	current    atomic.Uint32
	eraCounter atomic.Uint64
	epochMu    sync.Mutex // serializes advance/close transitions

	logger    *slog.Logger
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates an allocator. Configuration errors (non-power-of-two page
// size, slot-field overflow, bad class boundaries) are the only fatal
// conditions in the package and all surface here.
func New(options ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.pageSize <= 0 || bits.OnesCount(uint(cfg.pageSize)) != 1 {
		return nil, fmt.Errorf("epochslab: page size %d is not a power of two", cfg.pageSize)
	}
	if cfg.epochCount <= 0 || bits.OnesCount(uint(cfg.epochCount)) != 1 {
		return nil, fmt.Errorf("epochslab: epoch count %d is not a power of two", cfg.epochCount)
	}
	if cfg.cacheCapacity <= 0 {
		return nil, fmt.Errorf("epochslab: cache capacity %d must be positive", cfg.cacheCapacity)
	}

	table, err := newSizeClassTable(cfg.sizeClasses, uint32(cfg.pageSize))
	if err != nil {
		return nil, err
	}

	pages := cfg.pages
	if pages == nil {
		pages = HeapPages(cfg.pageSize)
	}

	a := &Allocator{
		table:     table,
		classes:   make([]sizeClass, len(table.classes)),
		pages:     pages,
		pageSize:  uint32(cfg.pageSize),
		epochs:    make([]epochState, cfg.epochCount),
		epochMask: uint32(cfg.epochCount - 1),
		logger:    cfg.logger,
	}
	for i := range a.classes {
		sc := &a.classes[i]
		sc.objectSize = table.classes[i]
		sc.slotsPerSlab = table.slotsPerSlab(i, a.pageSize)
		sc.index = uint32(i)
		sc.epochs = make([]classEpochState, cfg.epochCount)
		sc.cache = newSlabCache(cfg.cacheCapacity)
	}

	// Ring index 0 starts active; the rest are pre-initialized active with
	// era 0 and become allocation targets as the ring rotates into them.
	now := time.Now()
	for i := range a.epochs {
		a.epochs[i].activate(0, now)
	}
	return a, nil
}

// SlotsPerSlab returns how many objects of the given class fit in one slab,
// or 0 if the class index is out of range.
func (a *Allocator) SlotsPerSlab(class int) uint32 {
	if class < 0 || class >= len(a.classes) {
		return 0
	}
	return a.classes[class].slotsPerSlab
}

// SizeClassFor returns the class index serving a request of sz bytes, or -1
// when no class can.
func (a *Allocator) SizeClassFor(sz uint32) int {
	return a.table.classFor(sz)
}

// Allocate returns a slot of at least size bytes tagged with the given
// epoch, plus the handle Release later requires.
//
// The epoch-state check is deliberately best-effort: a handful of
// allocations may land in an epoch that a racing CloseEpoch just marked
// Closing. No correctness property depends on an instant cutover, and a
// strict barrier here would change the latency profile of the hot path.
func (a *Allocator) Allocate(size uint32, epoch EpochID) ([]byte, Handle, error) {
	if a.closed.Load() {
		return nil, NilHandle, ErrClosed
	}
	ci := a.table.classFor(size)
	if ci < 0 {
		return nil, NilHandle, ErrInvalidSize
	}
	if int(epoch) >= len(a.epochs) {
		return nil, NilHandle, ErrInvalidEpoch
	}
	ep := &a.epochs[epoch]
	if ep.state.Load() != epochActive {
		return nil, NilHandle, ErrEpochClosing
	}

	sc := &a.classes[ci]
	es := &sc.epochs[epoch]

	// Fast path: claim from the published current partial slab.
	if cur := es.current.Load(); cur != nil {
		if cur.era.Load() == ep.era.Load() {
			if slot, prevFree, ok := cur.claim(); ok {
				a.finishClaim(sc, es, cur, prevFree)
				ep.liveAllocs.Add(1)
				return cur.slot(slot), packHandle(cur.id, cur.generation, slot, uint32(ci)), nil
			}
			// Lost the race to the last slot: unpublish and go slow.
			sc.counters.currentPartialFull.Add(1)
		}
		es.current.CompareAndSwap(cur, nil)
	} else {
		sc.counters.currentPartialNull.Add(1)
	}

	return a.allocateSlow(sc, es, ep, epoch, uint32(ci))
}

// allocateSlow picks or creates a slab under the class mutex, publishes it,
// then claims outside the lock. The loop re-runs when a racing thread fills
// the slab between publish and claim.
func (a *Allocator) allocateSlow(sc *sizeClass, es *classEpochState, ep *epochState, epoch EpochID, class uint32) ([]byte, Handle, error) {
	for {
		sc.counters.slowPathHits.Add(1)
		sc.mu.Lock()

		// Re-check under the lock; still best-effort.
		if ep.state.Load() != epochActive {
			sc.mu.Unlock()
			return nil, NilHandle, ErrEpochClosing
		}

		s := es.partial.head
		// Self-repair: a slab the bitmap says is full must not stay on the
		// partial list, whatever its tag claims. Re-derive membership from
		// the bitmap state rather than trusting it, and count the repair.
		for s != nil && s.freeCount.Load() == 0 {
			sc.counters.listRepairs.Add(1)
			es.partial.remove(s)
			s.listID = listFull
			es.full.pushBack(s)
			s = es.partial.head
		}

		if s == nil {
			var err error
			s, err = a.obtainSlab(sc)
			if err != nil {
				sc.mu.Unlock()
				return nil, NilHandle, err
			}
			s.listID = listPartial
			es.partial.pushBack(s)
			sc.totalSlabs++
		}

		// Bind the slab to this epoch lifetime. A leftover slab from a
		// prior era of the same ring index is re-stamped here: it is an
		// allocation target of the current lifetime from now on.
		era := ep.era.Load()
		if s.era.Load() != era || s.epochIndex.Load() != epoch {
			s.epochIndex.Store(epoch)
			s.era.Store(era)
		}

		es.current.Store(s)
		sc.mu.Unlock()

		slot, prevFree, ok := s.claim()
		if !ok {
			continue
		}
		a.finishClaim(sc, es, s, prevFree)
		ep.liveAllocs.Add(1)
		return s.slot(slot), packHandle(s.id, s.generation, slot, class), nil
	}
}

// finishClaim applies the precise post-claim transitions: a claim that
// emptied the free count moves the slab Partial -> Full and publishes the
// next partial-list head; a claim out of a fully empty slab adjusts the
// warm-slab gauge.
func (a *Allocator) finishClaim(sc *sizeClass, es *classEpochState, s *slab, prevFree uint32) {
	if prevFree == s.capacity {
		sc.emptyResident.Add(-1)
	}
	if prevFree != 1 {
		return
	}
	sc.mu.Lock()
	if s.listID == listPartial {
		sc.counters.movePartialToFull.Add(1)
		es.partial.remove(s)
		s.listID = listFull
		es.full.pushBack(s)
		es.current.Store(es.partial.head)
	}
	sc.mu.Unlock()
}

// obtainSlab pops a recycled slab from the cache or builds one from a fresh
// page. Called with the class mutex held; the page-source call rides under it
// because slab creation is already the acknowledged slow path.
func (a *Allocator) obtainSlab(sc *sizeClass) (*slab, error) {
	if rec, ok := sc.cache.pop(); ok {
		s := rec.s
		// Generation bump first: every handle minted against the previous
		// incarnation must already fail validation before the slab is reused.
		s.generation = a.registry.bumpGeneration(rec.id)
		s.reinit()
		a.registry.publish(rec.id, s)
		sc.emptyResident.Add(1)
		return s, nil
	}

	page, err := a.pages.Obtain()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfPages, err)
	}
	if uint32(len(page)) != a.pageSize {
		return nil, fmt.Errorf("epochslab: page source returned %d bytes, want %d", len(page), a.pageSize)
	}
	id, gen, ok := a.registry.allocateID()
	if !ok {
		_ = a.pages.Release(page)
		return nil, ErrTooManySlabs
	}
	sc.counters.newSlabCount.Add(1)

	s := newSlabHeader(page, id, sc.objectSize, sc.slotsPerSlab, sc.index)
	s.generation = gen
	a.registry.publish(id, s)
	sc.emptyResident.Add(1)
	return s, nil
}

// Release returns the slot named by h to its slab. Reports false for
// invalid, stale, or already-released handles; a failed validation never
// dereferences anything.
func (a *Allocator) Release(h Handle) bool {
	slabID, gen, slot, class, ok := unpackHandle(h)
	if !ok || int(class) >= len(a.classes) {
		return false
	}
	s := a.registry.validate(slabID, gen)
	if s == nil || s.classIndex != class {
		return false
	}

	prevFree, ok := s.release(slot)
	if !ok {
		return false
	}

	epoch := s.epochIndex.Load()
	a.epochs[epoch].liveAllocs.Add(-1)

	sc := &a.classes[class]
	switch {
	case prevFree+1 == s.capacity:
		a.releaseEmptied(sc, s, epoch)
	case prevFree == 0:
		// Full -> Partial: the slab has space again; make it findable and
		// opportunistically publishable.
		sc.mu.Lock()
		if s.listID == listFull {
			es := &sc.epochs[epoch]
			sc.counters.moveFullToPartial.Add(1)
			es.full.remove(s)
			s.listID = listPartial
			es.partial.pushBack(s)
			es.current.CompareAndSwap(nil, s)
		}
		sc.mu.Unlock()
	}
	return true
}

// releaseEmptied applies epoch-aware recycling on the became-empty edge.
// Closing epochs give the slab up immediately: unlink, cache, hint. Active
// epochs keep it warm on the partial list so the next burst in the same
// epoch reuses it without a page-source round trip.
func (a *Allocator) releaseEmptied(sc *sizeClass, s *slab, epoch EpochID) {
	sc.mu.Lock()
	es := &sc.epochs[epoch]

	if a.epochs[epoch].state.Load() == epochClosing && s.listID != listNone {
		switch s.listID {
		case listPartial:
			es.partial.remove(s)
		case listFull:
			es.full.remove(s)
		}
		s.listID = listNone
		sc.totalSlabs--
		es.current.CompareAndSwap(s, nil)
		sc.mu.Unlock()
		a.recycle(sc, s)
		return
	}

	if s.listID == listFull {
		// Capacity-one slabs go full and empty on the same edge.
		sc.counters.moveFullToPartial.Add(1)
		es.full.remove(s)
		s.listID = listPartial
		es.partial.pushBack(s)
		es.current.CompareAndSwap(nil, s)
	}
	sc.mu.Unlock()
	sc.emptyResident.Add(1)
}

// recycle pushes an unlinked, empty slab to the class cache and issues the
// page-reclamation hint outside every lock.
func (a *Allocator) recycle(sc *sizeClass, s *slab) {
	if sc.cache.push(s) {
		sc.counters.emptySlabRecycled.Add(1)
	} else {
		sc.counters.emptySlabOverflowed.Add(1)
		if a.logger != nil {
			a.logger.Debug("epochslab: slab cache overflow",
				slog.Int("class", int(sc.index)),
				slog.Uint64("slab_id", uint64(s.id)))
		}
	}
	sc.emptyResident.Add(-1)

	sc.counters.reclaimHintCalls.Add(1)
	sc.counters.reclaimHintBytes.Add(uint64(a.pageSize))
	if err := a.pages.ReclaimHint(s.data); err != nil {
		sc.counters.reclaimHintFailures.Add(1)
		if a.logger != nil {
			a.logger.Warn("epochslab: page reclamation hint failed",
				slog.Int("class", int(sc.index)),
				slog.Any("error", err))
		}
	}
}

// Bytes resolves a handle back to its slot without releasing it. Reports
// false for invalid or stale handles.
func (a *Allocator) Bytes(h Handle) ([]byte, bool) {
	slabID, gen, slot, class, ok := unpackHandle(h)
	if !ok || int(class) >= len(a.classes) {
		return nil, false
	}
	s := a.registry.validate(slabID, gen)
	if s == nil || s.classIndex != class || slot >= s.capacity {
		return nil, false
	}
	return s.slot(slot), true
}

// PerfCounters returns a snapshot of the per-class diagnostic counters, or
// false if the class index is out of range.
func (a *Allocator) PerfCounters(class int) (PerfCounters, bool) {
	if class < 0 || class >= len(a.classes) {
		return PerfCounters{}, false
	}
	c := &a.classes[class].counters
	return PerfCounters{
		SlowPathHits:        c.slowPathHits.Load(),
		NewSlabCount:        c.newSlabCount.Load(),
		MovePartialToFull:   c.movePartialToFull.Load(),
		MoveFullToPartial:   c.moveFullToPartial.Load(),
		CurrentPartialNull:  c.currentPartialNull.Load(),
		CurrentPartialFull:  c.currentPartialFull.Load(),
		EmptySlabRecycled:   c.emptySlabRecycled.Load(),
		EmptySlabOverflowed: c.emptySlabOverflowed.Load(),
		ListRepairs:         c.listRepairs.Load(),
		ReclaimHintCalls:    c.reclaimHintCalls.Load(),
		ReclaimHintBytes:    c.reclaimHintBytes.Load(),
		ReclaimHintFailures: c.reclaimHintFailures.Load(),
	}, true
}

// ResetPerfCounters zeroes one class's counters, useful between benchmark
// phases.
func (a *Allocator) ResetPerfCounters(class int) bool {
	if class < 0 || class >= len(a.classes) {
		return false
	}
	c := &a.classes[class].counters
	c.slowPathHits.Store(0)
	c.newSlabCount.Store(0)
	c.movePartialToFull.Store(0)
	c.moveFullToPartial.Store(0)
	c.currentPartialNull.Store(0)
	c.currentPartialFull.Store(0)
	c.emptySlabRecycled.Store(0)
	c.emptySlabOverflowed.Store(0)
	c.listRepairs.Store(0)
	c.reclaimHintCalls.Store(0)
	c.reclaimHintBytes.Store(0)
	c.reclaimHintFailures.Store(0)
	return true
}

// Close releases every page back to the source and invalidates all
// outstanding handles. Idempotent.
func (a *Allocator) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		for i := range a.classes {
			sc := &a.classes[i]
			sc.mu.Lock()
			for e := range sc.epochs {
				es := &sc.epochs[e]
				es.current.Store(nil)
				for _, l := range [2]*slabList{&es.partial, &es.full} {
					for s := l.head; s != nil; {
						next := s.next
						a.retireSlab(s)
						s = next
					}
					*l = slabList{}
				}
			}
			sc.totalSlabs = 0
			sc.mu.Unlock()

			for _, rec := range sc.cache.drain() {
				a.retireSlab(rec.s)
			}
		}
	})
	return nil
}

func (a *Allocator) retireSlab(s *slab) {
	a.registry.retract(s.id)
	a.registry.releaseID(s.id)
	_ = a.pages.Release(s.data)
	s.data = nil
}
