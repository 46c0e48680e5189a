package epochslab

import (
	"errors"
	"testing"
)

func TestDomainAutoCloseOnLastExit(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	d := NewDomain(a, true)
	d.Enter()
	d.Enter()

	_, h, err := d.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Exit(); err != nil {
		t.Fatal(err)
	}
	info, _ := a.EpochInfo(d.Epoch())
	if info.State != "active" {
		t.Errorf("Epoch closed with a scope still open, state = %q", info.State)
	}

	if err := d.Exit(); err != nil {
		t.Fatal(err)
	}
	info, _ = a.EpochInfo(d.Epoch())
	if info.State != "closing" {
		t.Errorf("Last exit did not close the epoch, state = %q", info.State)
	}

	// Frees remain valid after the domain closed.
	if !d.Release(h) {
		t.Error("Release failed after auto-close")
	}
}

func TestDomainWithoutAutoClose(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	d := NewDomain(a, false)
	d.Enter()
	if err := d.Exit(); err != nil {
		t.Fatal(err)
	}
	info, _ := a.EpochInfo(d.Epoch())
	if info.State != "active" {
		t.Errorf("Non-auto-close domain closed its epoch, state = %q", info.State)
	}

	if err := d.ForceClose(); err != nil {
		t.Fatal(err)
	}
	info, _ = a.EpochInfo(d.Epoch())
	if info.State != "closing" {
		t.Errorf("ForceClose left state %q", info.State)
	}
}

func TestDomainScopeErrors(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	d := NewDomain(a, true)
	if err := d.Exit(); !errors.Is(err, ErrDomainExit) {
		t.Errorf("Exit without Enter: err = %v, want ErrDomainExit", err)
	}

	d.Enter()
	if err := d.Destroy(); !errors.Is(err, ErrDomainActive) {
		t.Errorf("Destroy with open scope: err = %v, want ErrDomainActive", err)
	}
	if err := d.ForceClose(); !errors.Is(err, ErrDomainActive) {
		t.Errorf("ForceClose with open scope: err = %v, want ErrDomainActive", err)
	}
	if err := d.Exit(); err != nil {
		t.Fatal(err)
	}
	if err := d.Destroy(); err != nil {
		t.Errorf("Destroy after final exit: err = %v", err)
	}
}

func TestDomainEraMismatchSkipsClose(t *testing.T) {
	a, err := New(WithEpochCount(4))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	d, err := WrapEpoch(a, a.CurrentEpoch(), true)
	if err != nil {
		t.Fatal(err)
	}
	d.Enter()

	// Lap the ring so the wrapped slot is reactivated for a new lifetime.
	for i := 0; i < 4; i++ {
		a.AdvanceEpoch()
	}
	info, _ := a.EpochInfo(d.Epoch())
	if info.State != "active" {
		t.Fatalf("Expected the wrapped slot to be reactivated, state = %q", info.State)
	}

	if err := d.Exit(); err != nil {
		t.Fatal(err)
	}
	info, _ = a.EpochInfo(d.Epoch())
	if info.State != "active" {
		t.Errorf("Stale domain closed a newer lifetime, state = %q", info.State)
	}
}

func TestWrapEpochBounds(t *testing.T) {
	a, err := New(WithEpochCount(4))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := WrapEpoch(a, 4, false); !errors.Is(err, ErrInvalidEpoch) {
		t.Errorf("WrapEpoch(4) err = %v, want ErrInvalidEpoch", err)
	}
}
