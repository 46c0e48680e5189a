package epochslab

import "fmt"

// Default size classes, chosen for small-object churn workloads (session
// records, connection state, packet headers). Eight classes keep the lookup
// table small while holding worst-case internal fragmentation under 35%.
var defaultSizeClasses = []uint32{64, 96, 128, 192, 256, 384, 512, 768}

// sizeClassTable maps request sizes to class indexes in O(1) via a
// precomputed byte table indexed by size.
type sizeClassTable struct {
	classes []uint32
	lookup  []uint8 // size -> class index, len(lookup) == largest+1
}

func newSizeClassTable(classes []uint32, pageSize uint32) (*sizeClassTable, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("epochslab: at least one size class required")
	}
	if len(classes) > handleClassMask {
		return nil, fmt.Errorf("epochslab: %d size classes exceed the %d-class handle field", len(classes), handleClassMask)
	}
	var prev uint32
	for i, sz := range classes {
		if sz == 0 {
			return nil, fmt.Errorf("epochslab: size class %d is zero", i)
		}
		if sz <= prev {
			return nil, fmt.Errorf("epochslab: size classes must be strictly ascending, class %d (%d) follows %d", i, sz, prev)
		}
		if sz > pageSize {
			return nil, fmt.Errorf("epochslab: size class %d (%d bytes) exceeds page size %d", i, sz, pageSize)
		}
		// Slot indexes must fit the 8-bit handle field; the table is the
		// compile/initialization-time gate for that.
		if n := pageSize / sz; n > handleSlotMask+1 {
			return nil, fmt.Errorf("epochslab: size class %d (%d bytes) yields %d slots per slab, handle slot field holds %d",
				i, sz, n, handleSlotMask+1)
		}
		prev = sz
	}

	largest := classes[len(classes)-1]
	lookup := make([]uint8, largest+1)
	ci := 0
	for sz := uint32(1); sz <= largest; sz++ {
		if sz > classes[ci] {
			ci++
		}
		lookup[sz] = uint8(ci)
	}

	t := &sizeClassTable{
		classes: append([]uint32(nil), classes...),
		lookup:  lookup,
	}
	return t, nil
}

// classFor returns the class index for a request of sz bytes, or -1 when sz
// is zero or exceeds the largest class.
func (t *sizeClassTable) classFor(sz uint32) int {
	if sz == 0 || sz >= uint32(len(t.lookup)) {
		return -1
	}
	return int(t.lookup[sz])
}

// slotsPerSlab returns how many objects of the class fit in one page.
func (t *sizeClassTable) slotsPerSlab(class int, pageSize uint32) uint32 {
	return pageSize / t.classes[class]
}
