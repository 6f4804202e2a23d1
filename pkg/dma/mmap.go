//go:build linux || darwin

package dma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbcore/pkg"
)

// MmapAllocator maps anonymous, locked pages outside the Go heap. Phys is the
// virtual address of the mapping: userspace controllers hand buffers to the
// kernel, which performs its own DMA mapping, so the DMACeiling does not
// apply to either kind.
type MmapAllocator struct {
	// Lock pins pages with mlock. Failure to lock is reported.
	Lock bool
}

// Allocate implements PageAllocator.
func (a MmapAllocator) Allocate(pages int, kind Kind) (Region, error) {
	if pages <= 0 {
		return Region{}, fmt.Errorf("%w: %d pages", pkg.ErrInvalidParameter, pages)
	}
	b, err := unix.Mmap(-1, 0, pages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Region{}, fmt.Errorf("%w: mmap %d pages: %w", pkg.ErrNoMemory, pages, err)
	}
	if a.Lock {
		if err := unix.Mlock(b); err != nil {
			_ = unix.Munmap(b)
			return Region{}, fmt.Errorf("%w: mlock %d pages: %w", pkg.ErrNoMemory, pages, err)
		}
	}
	pkg.LogDebug(pkg.ComponentPool, "mapped region", "pages", pages, "kind", kind.String())
	return Region{Virt: b, Phys: uintptr(unsafe.Pointer(&b[0]))}, nil
}

// Free implements PageAllocator.
func (a MmapAllocator) Free(r Region) error {
	if a.Lock {
		_ = unix.Munlock(r.Virt)
	}
	return unix.Munmap(r.Virt)
}
