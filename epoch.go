package epochslab

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EpochID names one slot of the epoch ring.
type EpochID = uint32

// Epoch lifecycle states.
const (
	epochActive  uint32 = 0
	epochClosing uint32 = 1
)

// epochState is one ring slot. A slot is never cleared for reuse: activation
// bumps its era, and anything still holding a reference from the previous
// lifetime detects the mismatch instead of acting on the wrong epoch.
type epochState struct {
	state atomic.Uint32
	era   atomic.Uint64

	// liveAllocs counts allocations minted minus handles released against
	// this ring index. Diagnostic; reset on activation.
	liveAllocs atomic.Int64

	mu          sync.Mutex // guards label and activatedAt
	label       string
	activatedAt time.Time
}

func (e *epochState) activate(era uint64, now time.Time) {
	e.era.Store(era)
	e.liveAllocs.Store(0)
	e.mu.Lock()
	e.label = ""
	e.activatedAt = now
	e.mu.Unlock()
	e.state.Store(epochActive)
}

// CurrentEpoch returns the ring index new allocations should target.
func (a *Allocator) CurrentEpoch() EpochID {
	return a.current.Load()
}

// EpochEra returns the era of the given ring index, disambiguating its
// successive lifetimes after ring wraparound.
func (a *Allocator) EpochEra(epoch EpochID) (uint64, error) {
	if int(epoch) >= len(a.epochs) {
		return 0, ErrInvalidEpoch
	}
	return a.epochs[epoch].era.Load(), nil
}

// AdvanceEpoch marks the active ring index Closing and activates the next
// one with a fresh era. The Closing mark is a best-effort broadcast: a few
// in-flight allocations may still land in the old epoch before every thread
// observes it, which is harmless because frees into a closing epoch remain
// valid; the epoch only stops being an allocation target.
func (a *Allocator) AdvanceEpoch() EpochID {
	a.epochMu.Lock()
	defer a.epochMu.Unlock()

	old := a.current.Load()
	a.epochs[old].state.Store(epochClosing)

	next := (old + 1) & a.epochMask
	era := a.eraCounter.Add(1)
	a.epochs[next].activate(era, time.Now())
	a.current.Store(next)

	// Stop every fast path from publishing into the old index.
	for i := range a.classes {
		sc := &a.classes[i]
		sc.mu.Lock()
		sc.epochs[old].current.Store(nil)
		sc.mu.Unlock()
	}

	if a.logger != nil {
		a.logger.Debug("epochslab: epoch advanced",
			slog.Uint64("closing", uint64(old)),
			slog.Uint64("active", uint64(next)),
			slog.Uint64("era", era))
	}
	return next
}

// CloseEpoch marks a specific epoch Closing without rotating the ring, then
// drains slabs that are already empty. The proactive scan is required: slabs
// that emptied before the close are not caught by the free path, whose
// recycling trigger only fires on the became-empty edge.
func (a *Allocator) CloseEpoch(epoch EpochID) error {
	if int(epoch) >= len(a.epochs) {
		return ErrInvalidEpoch
	}

	a.epochMu.Lock()
	a.epochs[epoch].state.Store(epochClosing)
	a.epochMu.Unlock()

	var drainedTotal int
	for i := range a.classes {
		drainedTotal += a.drainClassEpoch(&a.classes[i], epoch)
	}

	if a.logger != nil {
		a.logger.Debug("epochslab: epoch closed",
			slog.Uint64("epoch", uint64(epoch)),
			slog.Int("drained_slabs", drainedTotal))
	}
	return nil
}

// drainClassEpoch collects already-empty slabs from one class's lists for the
// epoch under the class lock, then recycles them after releasing it so the
// reclamation hint never holds up other threads.
//
// An allocation racing the close may have loaded the published pointer before
// it was nulled and land in a slab this scan is draining; that is the same
// best-effort cutover window as the Closing mark itself. Callers that need a
// clean drain advance the ring first and let in-flight allocations settle.
func (a *Allocator) drainClassEpoch(sc *sizeClass, epoch EpochID) int {
	var drained []*slab

	sc.mu.Lock()
	es := &sc.epochs[epoch]
	for _, l := range [2]*slabList{&es.partial, &es.full} {
		for s := l.head; s != nil; {
			next := s.next
			if s.empty() {
				l.remove(s)
				s.listID = listNone
				sc.totalSlabs--
				es.current.CompareAndSwap(s, nil)
				drained = append(drained, s)
			}
			s = next
		}
	}
	sc.mu.Unlock()

	for _, s := range drained {
		a.recycle(sc, s)
	}
	return len(drained)
}

// SetEpochLabel attaches a human-readable label (e.g. "request:abc",
// "frame:1234") to an epoch's current lifetime. Cleared on the next era bump.
func (a *Allocator) SetEpochLabel(epoch EpochID, label string) error {
	if int(epoch) >= len(a.epochs) {
		return ErrInvalidEpoch
	}
	e := &a.epochs[epoch]
	e.mu.Lock()
	e.label = label
	e.mu.Unlock()
	return nil
}
