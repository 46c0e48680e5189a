//go:build !linux

package epochslab

// MmapPages falls back to heap-backed pages on platforms without the mmap
// source. The reclamation hint still zeroes pages so behavior stays uniform.
func MmapPages(pageSize int) PageSource {
	return HeapPages(pageSize)
}
