package epochslab

import (
	"errors"
	"sync"
)

// Domain-specific errors.
var (
	ErrDomainActive = errors.New("epochslab: domain still has active scopes")
	ErrDomainExit   = errors.New("epochslab: domain Exit without matching Enter")
)

// Domain wraps an epoch in a refcounted enter/exit scope so request- or
// frame-shaped workloads get deterministic reclamation without tracking
// epoch ids by hand:
//
//	d := epochslab.NewDomain(alloc, true)
//	d.Enter()
//	// ... allocate via d.Allocate ...
//	d.Exit() // last exit closes the epoch, draining its slabs
//
// A Domain captures the epoch's era at creation. If the ring wraps and the
// slot is reactivated for a new lifetime, the stale Domain's close becomes a
// no-op rather than draining someone else's epoch.
//
// Domains are safe for concurrent use; nesting is per-domain via the
// refcount, not per-goroutine.
type Domain struct {
	alloc *Allocator
	epoch EpochID
	era   uint64

	mu        sync.Mutex
	refcount  int
	autoClose bool
}

// NewDomain wraps the allocator's current epoch. With autoClose set, the
// last Exit (or Destroy) closes the epoch.
func NewDomain(a *Allocator, autoClose bool) *Domain {
	epoch := a.CurrentEpoch()
	era, _ := a.EpochEra(epoch)
	return &Domain{alloc: a, epoch: epoch, era: era, autoClose: autoClose}
}

// WrapEpoch wraps a specific epoch.
func WrapEpoch(a *Allocator, epoch EpochID, autoClose bool) (*Domain, error) {
	era, err := a.EpochEra(epoch)
	if err != nil {
		return nil, err
	}
	return &Domain{alloc: a, epoch: epoch, era: era, autoClose: autoClose}, nil
}

// Epoch returns the wrapped epoch id.
func (d *Domain) Epoch() EpochID {
	return d.epoch
}

// Allocate allocates into the wrapped epoch.
func (d *Domain) Allocate(size uint32) ([]byte, Handle, error) {
	return d.alloc.Allocate(size, d.epoch)
}

// Release releases a handle through the wrapped allocator.
func (d *Domain) Release(h Handle) bool {
	return d.alloc.Release(h)
}

// Enter opens a scope. Scopes nest.
func (d *Domain) Enter() {
	d.mu.Lock()
	d.refcount++
	d.mu.Unlock()
}

// Exit closes a scope. The last exit of an auto-close domain closes the
// underlying epoch, provided its era still matches.
func (d *Domain) Exit() error {
	d.mu.Lock()
	if d.refcount == 0 {
		d.mu.Unlock()
		return ErrDomainExit
	}
	d.refcount--
	last := d.refcount == 0
	d.mu.Unlock()

	if last && d.autoClose {
		d.closeIfCurrentEra()
	}
	return nil
}

// Destroy tears the domain down. Fails while scopes are still open.
func (d *Domain) Destroy() error {
	d.mu.Lock()
	active := d.refcount != 0
	d.mu.Unlock()
	if active {
		return ErrDomainActive
	}
	if d.autoClose {
		d.closeIfCurrentEra()
	}
	return nil
}

// ForceClose closes the wrapped epoch regardless of the auto-close setting.
// Fails while scopes are still open.
func (d *Domain) ForceClose() error {
	d.mu.Lock()
	active := d.refcount != 0
	d.mu.Unlock()
	if active {
		return ErrDomainActive
	}
	d.closeIfCurrentEra()
	return nil
}

func (d *Domain) closeIfCurrentEra() {
	if era, err := d.alloc.EpochEra(d.epoch); err != nil || era != d.era {
		// Ring wrapped; this slot belongs to a newer lifetime now.
		return
	}
	_ = d.alloc.CloseEpoch(d.epoch)
}
