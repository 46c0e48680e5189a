package epochslab

// Handle is an opaque, portable reference to a live allocation. It never
// carries a raw address: releases and lookups go through the registry, which
// rejects stale handles after the backing slab has been recycled.
//
// The zero Handle is never returned by a successful Allocate and always fails
// validation.
//
// Bit layout, low to high (fixed contract, external tooling may decode it):
//
//	[ 0.. 1]  format version (0 reserved as invalid, current version is 1)
//	[ 2.. 9]  size-class index
//	[10..17]  in-slab slot index
//	[18..41]  registry generation (24 bits, zero skipped)
//	[42..63]  slab id
type Handle uint64

// NilHandle is the invalid zero handle.
const NilHandle Handle = 0

const (
	handleVersion = 1

	handleVersionBits = 2
	handleClassBits   = 8
	handleSlotBits    = 8
	handleGenBits     = 24
	handleSlabBits    = 64 - handleVersionBits - handleClassBits - handleSlotBits - handleGenBits

	handleClassShift = handleVersionBits
	handleSlotShift  = handleClassShift + handleClassBits
	handleGenShift   = handleSlotShift + handleSlotBits
	handleSlabShift  = handleGenShift + handleGenBits

	handleVersionMask = 1<<handleVersionBits - 1
	handleClassMask   = 1<<handleClassBits - 1
	handleSlotMask    = 1<<handleSlotBits - 1

	// generationMask bounds registry generations; generation 0 is reserved
	// for the nil handle and skipped on wraparound.
	generationMask = 1<<handleGenBits - 1

	// maxSlabID bounds how many slabs the registry may ever hand out.
	maxSlabID = 1<<handleSlabBits - 1
)

func packHandle(slabID, gen, slot, class uint32) Handle {
	return Handle(handleVersion |
		uint64(class)<<handleClassShift |
		uint64(slot)<<handleSlotShift |
		uint64(gen)<<handleGenShift |
		uint64(slabID)<<handleSlabShift)
}

// unpackHandle splits h into its fields. ok is false when the format version
// is not the current one (which also rejects NilHandle).
func unpackHandle(h Handle) (slabID, gen, slot, class uint32, ok bool) {
	if uint64(h)&handleVersionMask != handleVersion {
		return 0, 0, 0, 0, false
	}
	class = uint32(h>>handleClassShift) & handleClassMask
	slot = uint32(h>>handleSlotShift) & handleSlotMask
	gen = uint32(h>>handleGenShift) & generationMask
	slabID = uint32(h >> handleSlabShift)
	return slabID, gen, slot, class, true
}

// IsNil reports whether h is the invalid zero handle.
func (h Handle) IsNil() bool {
	return h == NilHandle
}
