package epochslab

// PageSource obtains and releases the fixed-size page buffers that back
// slabs. Implementations must hand out pages of exactly the configured size.
//
// ReclaimHint tells the source the page contents are no longer needed and the
// backing physical memory may be reclaimed. It is advisory: the page stays
// valid for reuse afterwards, but its contents must be assumed zeroed.
type PageSource interface {
	Obtain() ([]byte, error)
	ReclaimHint(page []byte) error
	Release(page []byte) error
}

// heapPages serves pages from the Go heap. The reclamation hint zeroes the
// page, which both emulates the zero-fill-on-reuse contract of the mmap
// source and lets tests observe hint delivery deterministically.
type heapPages struct {
	pageSize int
}

// HeapPages returns a PageSource backed by ordinary Go allocations. This is
// the default source.
func HeapPages(pageSize int) PageSource {
	return &heapPages{pageSize: pageSize}
}

func (p *heapPages) Obtain() ([]byte, error) {
	return make([]byte, p.pageSize), nil
}

func (p *heapPages) ReclaimHint(page []byte) error {
	clear(page)
	return nil
}

func (p *heapPages) Release(page []byte) error {
	return nil
}
