package epochslab

import (
	"errors"
	"testing"
)

func TestAdvanceEpochRotation(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	first := a.CurrentEpoch()
	next := a.AdvanceEpoch()
	if next != (first+1)%DefaultEpochCount {
		t.Errorf("AdvanceEpoch = %d, want %d", next, (first+1)%DefaultEpochCount)
	}
	if a.CurrentEpoch() != next {
		t.Errorf("CurrentEpoch = %d after advance, want %d", a.CurrentEpoch(), next)
	}

	old, err := a.EpochInfo(first)
	if err != nil {
		t.Fatal(err)
	}
	if old.State != "closing" {
		t.Errorf("Predecessor state = %q, want closing", old.State)
	}
	cur, _ := a.EpochInfo(next)
	if cur.State != "active" {
		t.Errorf("Successor state = %q, want active", cur.State)
	}
}

func TestEpochRingWraparound(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	start := a.CurrentEpoch()
	startEra, _ := a.EpochEra(start)
	if err := a.SetEpochLabel(start, "first lifetime"); err != nil {
		t.Fatal(err)
	}

	// A full lap of the ring lands back on the same index with a strictly
	// greater era and none of the previous lifetime's metadata.
	for i := 0; i < DefaultEpochCount; i++ {
		a.AdvanceEpoch()
	}
	if a.CurrentEpoch() != start {
		t.Fatalf("After %d advances CurrentEpoch = %d, want %d",
			DefaultEpochCount, a.CurrentEpoch(), start)
	}

	era, _ := a.EpochEra(start)
	if era <= startEra {
		t.Errorf("Era after wraparound = %d, want > %d", era, startEra)
	}
	info, _ := a.EpochInfo(start)
	if info.State != "active" {
		t.Errorf("Wrapped slot state = %q, want active", info.State)
	}
	if info.Label != "" {
		t.Errorf("Wrapped slot kept label %q from its previous lifetime", info.Label)
	}
	if info.LiveAllocations != 0 {
		t.Errorf("Wrapped slot kept live count %d", info.LiveAllocations)
	}
}

func TestEraStrictlyMonotonic(t *testing.T) {
	a, err := New(WithEpochCount(4))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var last uint64
	for i := 0; i < 20; i++ {
		ep := a.AdvanceEpoch()
		era, err := a.EpochEra(ep)
		if err != nil {
			t.Fatal(err)
		}
		if era <= last {
			t.Fatalf("Era %d not greater than predecessor %d at advance %d", era, last, i)
		}
		last = era
	}
}

func TestCloseEpochWithoutRotation(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ep := a.CurrentEpoch()
	if err := a.CloseEpoch(ep); err != nil {
		t.Fatal(err)
	}
	if a.CurrentEpoch() != ep {
		t.Error("CloseEpoch rotated the ring")
	}
	info, _ := a.EpochInfo(ep)
	if info.State != "closing" {
		t.Errorf("State after close = %q, want closing", info.State)
	}
	if _, _, err := a.Allocate(64, ep); !errors.Is(err, ErrEpochClosing) {
		t.Errorf("Allocate into closed epoch: err = %v, want ErrEpochClosing", err)
	}
}

func TestEpochBoundsChecks(t *testing.T) {
	a, err := New(WithEpochCount(4))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.EpochEra(4); !errors.Is(err, ErrInvalidEpoch) {
		t.Errorf("EpochEra(4) err = %v, want ErrInvalidEpoch", err)
	}
	if err := a.CloseEpoch(99); !errors.Is(err, ErrInvalidEpoch) {
		t.Errorf("CloseEpoch(99) err = %v, want ErrInvalidEpoch", err)
	}
	if err := a.SetEpochLabel(4, "x"); !errors.Is(err, ErrInvalidEpoch) {
		t.Errorf("SetEpochLabel(4) err = %v, want ErrInvalidEpoch", err)
	}
	if _, err := a.EpochInfo(4); !errors.Is(err, ErrInvalidEpoch) {
		t.Errorf("EpochInfo(4) err = %v, want ErrInvalidEpoch", err)
	}
}

func TestEpochLabel(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ep := a.CurrentEpoch()
	if err := a.SetEpochLabel(ep, "request batch 7"); err != nil {
		t.Fatal(err)
	}
	info, _ := a.EpochInfo(ep)
	if info.Label != "request batch 7" {
		t.Errorf("Label = %q, want %q", info.Label, "request batch 7")
	}
}

func TestAdvanceUnpublishesCurrentSlabs(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ep := a.CurrentEpoch()
	_, h, err := a.Allocate(64, ep)
	if err != nil {
		t.Fatal(err)
	}
	a.AdvanceEpoch()

	// Frees against the closing epoch must still work after the published
	// pointers are withdrawn.
	if !a.Release(h) {
		t.Error("Release into closing epoch failed after advance")
	}
}
