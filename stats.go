package epochslab

import (
	"fmt"
	"io"
	"time"
)

// ClassStats is a point-in-time snapshot for one size class.
type ClassStats struct {
	ClassIndex    int          `json:"class_index"`
	ObjectSize    uint32       `json:"object_size"`
	SlotsPerSlab  uint32       `json:"slots_per_slab"`
	TotalSlabs    int          `json:"total_slabs"`
	PartialSlabs  int          `json:"partial_slabs"`
	FullSlabs     int          `json:"full_slabs"`
	CachedSlabs   int          `json:"cached_slabs"`
	OverflowSlabs int          `json:"overflow_slabs"`
	EmptyResident int64        `json:"empty_resident"`
	Counters      PerfCounters `json:"counters"`
}

// GlobalStats aggregates across every size class.
type GlobalStats struct {
	SizeClasses         int    `json:"size_classes"`
	EpochCount          int    `json:"epoch_count"`
	PageSize            uint32 `json:"page_size"`
	TotalSlabs          int    `json:"total_slabs"`
	CachedSlabs         int    `json:"cached_slabs"`
	OverflowSlabs       int    `json:"overflow_slabs"`
	LiveAllocations     int64  `json:"live_allocations"`
	SlowPathHits        uint64 `json:"slow_path_hits"`
	NewSlabCount        uint64 `json:"new_slab_count"`
	ReclaimHintCalls    uint64 `json:"reclaim_hint_calls"`
	ReclaimHintBytes    uint64 `json:"reclaim_hint_bytes"`
	ReclaimHintFailures uint64 `json:"reclaim_hint_failures"`
}

// EpochInfo is a snapshot of one ring slot's current lifetime.
type EpochInfo struct {
	ID              EpochID   `json:"id"`
	State           string    `json:"state"`
	Era             uint64    `json:"era"`
	Label           string    `json:"label,omitempty"`
	ActivatedAt     time.Time `json:"activated_at"`
	LiveAllocations int64     `json:"live_allocations"`
}

// ClassStats returns a snapshot for one size class. Population counts are
// taken under the class lock; counters are relaxed reads.
func (a *Allocator) ClassStats(class int) (ClassStats, bool) {
	if class < 0 || class >= len(a.classes) {
		return ClassStats{}, false
	}
	sc := &a.classes[class]

	var partial, full int
	sc.mu.Lock()
	total := sc.totalSlabs
	for e := range sc.epochs {
		partial += sc.epochs[e].partial.size
		full += sc.epochs[e].full.size
	}
	sc.mu.Unlock()

	cached, overflow := sc.cache.occupancy()
	counters, _ := a.PerfCounters(class)

	return ClassStats{
		ClassIndex:    class,
		ObjectSize:    sc.objectSize,
		SlotsPerSlab:  sc.slotsPerSlab,
		TotalSlabs:    total,
		PartialSlabs:  partial,
		FullSlabs:     full,
		CachedSlabs:   cached,
		OverflowSlabs: overflow,
		EmptyResident: sc.emptyResident.Load(),
		Counters:      counters,
	}, true
}

// Stats aggregates class snapshots and epoch gauges into a global view.
func (a *Allocator) Stats() GlobalStats {
	out := GlobalStats{
		SizeClasses: len(a.classes),
		EpochCount:  len(a.epochs),
		PageSize:    a.pageSize,
	}
	for i := range a.classes {
		cs, _ := a.ClassStats(i)
		out.TotalSlabs += cs.TotalSlabs
		out.CachedSlabs += cs.CachedSlabs
		out.OverflowSlabs += cs.OverflowSlabs
		out.SlowPathHits += cs.Counters.SlowPathHits
		out.NewSlabCount += cs.Counters.NewSlabCount
		out.ReclaimHintCalls += cs.Counters.ReclaimHintCalls
		out.ReclaimHintBytes += cs.Counters.ReclaimHintBytes
		out.ReclaimHintFailures += cs.Counters.ReclaimHintFailures
	}
	for e := range a.epochs {
		out.LiveAllocations += a.epochs[e].liveAllocs.Load()
	}
	return out
}

// EpochInfo returns a snapshot of one ring slot.
func (a *Allocator) EpochInfo(epoch EpochID) (EpochInfo, error) {
	if int(epoch) >= len(a.epochs) {
		return EpochInfo{}, ErrInvalidEpoch
	}
	e := &a.epochs[epoch]

	state := "active"
	if e.state.Load() == epochClosing {
		state = "closing"
	}

	e.mu.Lock()
	label := e.label
	activated := e.activatedAt
	e.mu.Unlock()

	return EpochInfo{
		ID:              epoch,
		State:           state,
		Era:             e.era.Load(),
		Label:           label,
		ActivatedAt:     activated,
		LiveAllocations: e.liveAllocs.Load(),
	}, nil
}

// WriteReport writes a human-readable diagnostic dump, one section per size
// class plus the epoch ring.
func (a *Allocator) WriteReport(w io.Writer) error {
	gs := a.Stats()
	if _, err := fmt.Fprintf(w, "epochslab: %d classes, %d epochs, page %d B\n",
		gs.SizeClasses, gs.EpochCount, gs.PageSize); err != nil {
		return err
	}
	fmt.Fprintf(w, "  slabs: %d active, %d cached, %d overflow; live allocations: %d\n",
		gs.TotalSlabs, gs.CachedSlabs, gs.OverflowSlabs, gs.LiveAllocations)
	fmt.Fprintf(w, "  reclaim hints: %d calls, %d B, %d failures\n",
		gs.ReclaimHintCalls, gs.ReclaimHintBytes, gs.ReclaimHintFailures)

	for i := range a.classes {
		cs, _ := a.ClassStats(i)
		fmt.Fprintf(w, "class %d (%4d B, %d slots/slab): %d slabs (%d partial, %d full), %d empty-resident\n",
			cs.ClassIndex, cs.ObjectSize, cs.SlotsPerSlab,
			cs.TotalSlabs, cs.PartialSlabs, cs.FullSlabs, cs.EmptyResident)
		c := cs.Counters
		fmt.Fprintf(w, "    slow-path %d, new-slab %d, p->f %d, f->p %d, null %d, full %d, recycled %d, overflowed %d, repairs %d\n",
			c.SlowPathHits, c.NewSlabCount, c.MovePartialToFull, c.MoveFullToPartial,
			c.CurrentPartialNull, c.CurrentPartialFull,
			c.EmptySlabRecycled, c.EmptySlabOverflowed, c.ListRepairs)
	}

	for e := range a.epochs {
		info, _ := a.EpochInfo(EpochID(e))
		marker := " "
		if EpochID(e) == a.CurrentEpoch() {
			marker = "*"
		}
		fmt.Fprintf(w, "epoch %2d%s era %d %-7s live %d", e, marker, info.Era, info.State, info.LiveAllocations)
		if info.Label != "" {
			fmt.Fprintf(w, " [%s]", info.Label)
		}
		fmt.Fprintln(w)
	}
	return nil
}
