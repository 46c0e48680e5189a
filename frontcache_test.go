package epochslab

import (
	"errors"
	"testing"
)

func TestFrontCacheReuseSameEpoch(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	fc := NewFrontCache(a)

	ep := a.CurrentEpoch()
	buf, h, err := fc.Allocate(100, ep)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] = 0xEE

	if !fc.Release(h) {
		t.Fatal("front cache rejected a valid release")
	}
	// The stashed slot stays claimed until reused or flushed.
	if live := a.Stats().LiveAllocations; live != 1 {
		t.Errorf("Live allocations while stashed = %d, want 1", live)
	}

	buf2, h2, err := fc.Allocate(100, ep)
	if err != nil {
		t.Fatal(err)
	}
	if h2 != h {
		t.Errorf("Reallocation returned handle %#x, want stashed %#x", uint64(h2), uint64(h))
	}
	if buf2[0] != 0xEE {
		t.Error("Stashed entry does not share its original backing storage")
	}
	if !a.Release(h2) {
		t.Fatal("final release failed")
	}
}

func TestFrontCacheDepthBound(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	fc := NewFrontCache(a)

	ep := a.CurrentEpoch()
	const n = FrontCacheDepth + 3
	handles := make([]Handle, n)
	for i := range handles {
		_, h, err := fc.Allocate(64, ep)
		if err != nil {
			t.Fatal(err)
		}
		handles[i] = h
	}

	for _, h := range handles {
		if !fc.Release(h) {
			t.Fatal("release failed")
		}
	}
	// A single goroutine maps to one shard, so at most FrontCacheDepth slots
	// stay stashed; the rest were released for real.
	if live := a.Stats().LiveAllocations; live != FrontCacheDepth {
		t.Errorf("Live allocations after releases = %d, want %d", live, FrontCacheDepth)
	}

	fc.Flush()
	if live := a.Stats().LiveAllocations; live != 0 {
		t.Errorf("Live allocations after Flush = %d, want 0", live)
	}
}

func TestFrontCacheStaleEraFallsThrough(t *testing.T) {
	a, err := New(WithEpochCount(4))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	fc := NewFrontCache(a)

	ep := a.CurrentEpoch()
	_, h, err := fc.Allocate(64, ep)
	if err != nil {
		t.Fatal(err)
	}
	if !fc.Release(h) {
		t.Fatal("release failed")
	}

	// Lap the ring so the slot is reactivated under a fresh era. The stashed
	// entry still names the old lifetime.
	for i := 0; i < 4; i++ {
		a.AdvanceEpoch()
	}

	class := a.SizeClassFor(64)
	before, _ := a.PerfCounters(class)

	buf, h2, err := fc.Allocate(64, ep)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 64 {
		t.Errorf("Allocation length = %d, want 64", len(buf))
	}

	// The allocator must have been consulted: a stale stash entry is never
	// handed back across eras.
	after, _ := a.PerfCounters(class)
	if after.SlowPathHits == before.SlowPathHits {
		t.Error("Allocation across eras was served from the stale stash")
	}
	if !a.Release(h2) {
		t.Fatal("final release failed")
	}
}

func TestFrontCacheClosingEpochReleasesForReal(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	fc := NewFrontCache(a)

	ep := a.CurrentEpoch()
	_, h, err := fc.Allocate(64, ep)
	if err != nil {
		t.Fatal(err)
	}
	a.AdvanceEpoch()

	// The handle's epoch is closing, so the release must not be stashed.
	if !fc.Release(h) {
		t.Fatal("release into closing epoch failed")
	}
	if live := a.Stats().LiveAllocations; live != 0 {
		t.Errorf("Live allocations after closing-epoch release = %d, want 0", live)
	}
}

func TestFrontCacheRejectsBadInput(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	fc := NewFrontCache(a)

	if _, _, err := fc.Allocate(0, a.CurrentEpoch()); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Allocate(0) err = %v, want ErrInvalidSize", err)
	}
	if _, _, err := fc.Allocate(64, 999); !errors.Is(err, ErrInvalidEpoch) {
		t.Errorf("Allocate with out-of-range epoch err = %v, want ErrInvalidEpoch", err)
	}
	if fc.Release(NilHandle) {
		t.Error("Release(NilHandle) = true")
	}
}
