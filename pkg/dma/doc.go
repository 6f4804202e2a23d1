// Package dma provides fixed-capacity pools of equally sized buffer slots
// carved out of one contiguous, page-granular region.
//
// A [Pool] hands out opaque [Slot] handles rather than raw addresses. Each
// handle carries its slot index and a generation counter, so a handle that is
// released twice, released after reuse, or released to a different pool is
// rejected with [pkg.ErrInvalidRelease] instead of corrupting the free list.
//
// Regions come from a [PageAllocator]. [HeapAllocator] backs regions with Go
// memory and assigns synthetic physical addresses, honoring the 32-bit
// ceiling for [KindDMA]. On Linux and Darwin, [MmapAllocator] maps locked
// anonymous pages for use with kernel-mediated controllers such as usbfs.
package dma
