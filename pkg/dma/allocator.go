package dma

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// PageSize is the allocation granularity of every region.
const PageSize = 4096

// DMACeiling is the first physical address a [KindDMA] region may not reach.
const DMACeiling uintptr = 1 << 32

// Kind distinguishes plain memory from memory a controller can address.
type Kind int

// Region kinds.
const (
	KindRegular Kind = iota // CPU-visible memory, no addressing guarantee
	KindDMA                 // physically contiguous below DMACeiling
)

// String returns a string representation of the region kind.
func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDMA:
		return "dma"
	default:
		return "unknown"
	}
}

// Region is a contiguous span of memory and the physical address of its
// first byte.
type Region struct {
	Virt []byte
	Phys uintptr
}

// PageAllocator supplies the backing regions of buffer pools.
type PageAllocator interface {
	// Allocate returns a region of exactly pages*PageSize bytes.
	Allocate(pages int, kind Kind) (Region, error)
	// Free returns a region obtained from Allocate.
	Free(r Region) error
}

const (
	heapDMABase     uintptr = 0x0010_0000
	heapRegularBase uintptr = DMACeiling
)

// span is a run of free address space.
type span struct {
	phys  uintptr
	pages int
}

// HeapAllocator allocates regions from the Go heap and numbers them with
// synthetic, page-aligned physical addresses. DMA regions are placed below
// DMACeiling and regular regions above it. Freed address ranges are reused.
type HeapAllocator struct {
	mu       sync.Mutex
	limit    int // pages; zero means unlimited
	inUse    int
	nextDMA  uintptr
	nextHigh uintptr
	freeDMA  []span
	freeHigh []span
	live     map[uintptr]int // phys -> pages
}

// NewHeapAllocator returns a heap allocator that hands out at most limit
// pages at a time. A limit of zero disables the check.
func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{
		limit:    limit,
		nextDMA:  heapDMABase,
		nextHigh: heapRegularBase,
		live:     make(map[uintptr]int),
	}
}

// Allocate implements PageAllocator.
func (a *HeapAllocator) Allocate(pages int, kind Kind) (Region, error) {
	if pages <= 0 {
		return Region{}, fmt.Errorf("%w: %d pages", pkg.ErrInvalidParameter, pages)
	}
	size := uintptr(pages) * PageSize

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit > 0 && a.inUse+pages > a.limit {
		return Region{}, fmt.Errorf("%w: %d pages requested, %d of %d in use",
			pkg.ErrNoMemory, pages, a.inUse, a.limit)
	}

	var phys uintptr
	switch kind {
	case KindDMA:
		var ok bool
		if a.freeDMA, phys, ok = takeSpan(a.freeDMA, pages); ok {
			break
		}
		if a.nextDMA+size > DMACeiling {
			return Region{}, fmt.Errorf("%w: no %d-page region below %#x (pages in use: %d)",
				pkg.ErrNoMemory, pages, DMACeiling, a.inUse)
		}
		phys = a.nextDMA
		a.nextDMA += size
	case KindRegular:
		var ok bool
		if a.freeHigh, phys, ok = takeSpan(a.freeHigh, pages); ok {
			break
		}
		phys = a.nextHigh
		a.nextHigh += size
	default:
		return Region{}, fmt.Errorf("%w: region kind %d", pkg.ErrInvalidParameter, kind)
	}

	a.inUse += pages
	a.live[phys] = pages
	return Region{Virt: make([]byte, size), Phys: phys}, nil
}

// Free implements PageAllocator. A region this allocator does not have
// outstanding fails with pkg.ErrInvalidParameter.
func (a *HeapAllocator) Free(r Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pages, ok := a.live[r.Phys]
	if !ok || pages*PageSize != len(r.Virt) {
		return fmt.Errorf("%w: region %#x is not allocated", pkg.ErrInvalidParameter, r.Phys)
	}
	delete(a.live, r.Phys)
	a.inUse -= pages

	if r.Phys < DMACeiling {
		a.freeDMA = putSpan(a.freeDMA, span{r.Phys, pages})
	} else {
		a.freeHigh = putSpan(a.freeHigh, span{r.Phys, pages})
	}
	return nil
}

// InUse returns the number of pages currently allocated.
func (a *HeapAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// takeSpan carves pages from the first span large enough to hold them.
func takeSpan(free []span, pages int) ([]span, uintptr, bool) {
	for i, s := range free {
		if s.pages < pages {
			continue
		}
		phys := s.phys
		if s.pages == pages {
			free = append(free[:i], free[i+1:]...)
		} else {
			free[i] = span{s.phys + uintptr(pages)*PageSize, s.pages - pages}
		}
		return free, phys, true
	}
	return free, 0, false
}

// putSpan inserts s in address order and merges it with adjacent spans.
func putSpan(free []span, s span) []span {
	i := 0
	for i < len(free) && free[i].phys < s.phys {
		i++
	}
	free = append(free, span{})
	copy(free[i+1:], free[i:])
	free[i] = s

	end := func(s span) uintptr { return s.phys + uintptr(s.pages)*PageSize }
	if i+1 < len(free) && end(free[i]) == free[i+1].phys {
		free[i].pages += free[i+1].pages
		free = append(free[:i+1], free[i+2:]...)
	}
	if i > 0 && end(free[i-1]) == free[i].phys {
		free[i-1].pages += free[i].pages
		free = append(free[:i], free[i+1:]...)
	}
	return free
}

var defaultAllocator PageAllocator = NewHeapAllocator(0)

// pagesFor rounds a byte count up to whole pages.
func pagesFor(size int) int {
	return (size + PageSize - 1) / PageSize
}
