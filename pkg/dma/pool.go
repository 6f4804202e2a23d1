package dma

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// Option configures a Pool.
type Option func(*Pool)

// WithAllocator sets the page allocator backing the pool.
func WithAllocator(a PageAllocator) Option {
	return func(p *Pool) {
		if a != nil {
			p.alloc = a
		}
	}
}

// WithName sets the name reported in logs and Stats.
func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

// Pool is a fixed-capacity allocator of equally sized slots within one
// region. Take and Release are O(1) and never block on I/O.
type Pool struct {
	name     string
	kind     Kind
	slotSize int
	alloc    PageAllocator
	region   Region

	mu     sync.Mutex
	free   []int    // stack of free slot indices
	gen    []uint32 // per-slot generation, bumped on release
	taken  []bool
	closed bool
}

// Slot is a handle to one taken slot. The zero Slot is invalid.
type Slot struct {
	pool  *Pool
	index int
	gen   uint32
}

// Stats describes a pool at one point in time.
type Stats struct {
	Name     string
	Kind     Kind
	Capacity int
	SlotSize int
	Free     int
	Phys     uintptr
	Bytes    int
}

// New allocates a pool of count slots of size bytes each. The region is
// rounded up to whole pages. size must not exceed PageSize.
func New(count, size int, kind Kind, opts ...Option) (*Pool, error) {
	if count <= 0 || size <= 0 || size > PageSize {
		return nil, fmt.Errorf("%w: pool of %d x %d bytes", pkg.ErrInvalidParameter, count, size)
	}

	p := &Pool{
		name:     "pool",
		kind:     kind,
		slotSize: size,
		alloc:    defaultAllocator,
	}
	for _, opt := range opts {
		opt(p)
	}

	region, err := p.alloc.Allocate(pagesFor(count*size), kind)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.name, err)
	}
	p.region = region

	p.free = make([]int, count)
	for i := range p.free {
		// Lowest index on top of the stack.
		p.free[i] = count - 1 - i
	}
	p.gen = make([]uint32, count)
	p.taken = make([]bool, count)

	pkg.LogDebug(pkg.ComponentPool, "pool created",
		"name", p.name,
		"kind", kind.String(),
		"slots", count,
		"slotSize", size,
		"phys", fmt.Sprintf("%#x", region.Phys))

	return p, nil
}

// Take removes a free slot from the pool. It returns pkg.ErrPoolExhausted
// when every slot is outstanding.
func (p *Pool) Take() (Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Slot{}, fmt.Errorf("pool %s: %w", p.name, pkg.ErrClosed)
	}
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return Slot{}, fmt.Errorf("pool %s: %w", p.name, pkg.ErrPoolExhausted)
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.taken[idx] = true
	s := Slot{pool: p, index: idx, gen: p.gen[idx]}
	p.mu.Unlock()

	clear(s.Bytes())
	return s, nil
}

// Release returns a slot to the pool. Releasing a handle from another pool,
// a handle already released, or any handle while the pool is full returns
// pkg.ErrInvalidRelease and leaves the free list untouched.
func (p *Pool) Release(s Slot) error {
	if s.pool != p {
		return p.invalidRelease(s, "foreign slot")
	}

	p.mu.Lock()
	switch {
	case len(p.free) == len(p.taken):
		p.mu.Unlock()
		return p.invalidRelease(s, "pool already full")
	case !p.taken[s.index] || p.gen[s.index] != s.gen:
		p.mu.Unlock()
		return p.invalidRelease(s, "slot not taken")
	}
	p.taken[s.index] = false
	p.gen[s.index]++
	p.free = append(p.free, s.index)
	p.mu.Unlock()
	return nil
}

func (p *Pool) invalidRelease(s Slot, reason string) error {
	pkg.LogError(pkg.ComponentPool, "invalid release",
		"name", p.name,
		"reason", reason,
		"index", s.index,
		"generation", s.gen)
	return fmt.Errorf("pool %s: %w: %s (slot %d)", p.name, pkg.ErrInvalidRelease, reason, s.index)
}

// Outstanding returns the number of slots currently taken.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.taken) - len(p.free)
}

// Stats returns a snapshot of the pool's configuration and occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:     p.name,
		Kind:     p.kind,
		Capacity: len(p.taken),
		SlotSize: p.slotSize,
		Free:     len(p.free),
		Phys:     p.region.Phys,
		Bytes:    len(p.region.Virt),
	}
}

// SlotSize returns the size of every slot in bytes.
func (p *Pool) SlotSize() int { return p.slotSize }

// Close returns the region to its allocator. It fails with pkg.ErrBusy while
// any slot is outstanding, since a controller may still be using it.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if n := len(p.taken) - len(p.free); n > 0 {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: %w: %d slots outstanding", p.name, pkg.ErrBusy, n)
	}
	p.closed = true
	region := p.region
	p.region = Region{}
	p.mu.Unlock()

	pkg.LogDebug(pkg.ComponentPool, "pool closed", "name", p.name)
	return p.alloc.Free(region)
}

// Valid reports whether s was returned by Take.
func (s Slot) Valid() bool { return s.pool != nil }

// Index returns the slot's position within its pool.
func (s Slot) Index() int { return s.index }

// Bytes returns the slot's memory. The slice is capped at the slot size.
func (s Slot) Bytes() []byte {
	if s.pool == nil {
		return nil
	}
	off := s.index * s.pool.slotSize
	return s.pool.region.Virt[off : off+s.pool.slotSize : off+s.pool.slotSize]
}

// Phys returns the physical address of the slot's first byte.
func (s Slot) Phys() uintptr {
	if s.pool == nil {
		return 0
	}
	return s.pool.region.Phys + uintptr(s.index*s.pool.slotSize)
}
