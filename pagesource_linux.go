//go:build linux

package epochslab

import "golang.org/x/sys/unix"

// mmapPages serves page-aligned anonymous mappings. The reclamation hint is
// madvise(MADV_DONTNEED): the kernel may drop the physical pages immediately
// and will zero-fill them on the next touch, so resident memory shrinks
// without unmapping anything a stale handle might still name.
type mmapPages struct {
	pageSize int
}

// MmapPages returns a PageSource backed by anonymous mmap with real advisory
// reclamation. pageSize must match the allocator's configured page size.
func MmapPages(pageSize int) PageSource {
	return &mmapPages{pageSize: pageSize}
}

func (p *mmapPages) Obtain() ([]byte, error) {
	return unix.Mmap(-1, 0, p.pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func (p *mmapPages) ReclaimHint(page []byte) error {
	return unix.Madvise(page, unix.MADV_DONTNEED)
}

func (p *mmapPages) Release(page []byte) error {
	return unix.Munmap(page)
}
