// Package frame implements the physical frame table: a pool of fixed-size
// physical pages backed by a single golang.org/x/sys/unix anonymous
// mapping sliced into frames, allocated and reclaimed through an
// index-chained free list.
package frame

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Recordum/biscuitos/internal/container"
)

// PageSize is the x86-64 page size assumed throughout the kernel.
const PageSize = 4096

// Evictable is implemented by whatever a frame currently backs — a vm.Page
// in practice. Defining the interface here, rather than importing the vm
// package, breaks the frame↔vm import cycle: frame depends only on this
// interface, vm depends on frame.
type Evictable interface {
	// SwapOut is called with the frame's owner holding no locks of its own;
	// it must write the frame's contents wherever they need to go (swap
	// disk, backing file, or nowhere for a page about to be discarded) and
	// return once the frame may be reused.
	SwapOut(kva []byte) error
	// Describe is used only for logging/diagnostics.
	Describe() string
}

// Frame identifies one physical page: its index and the Evictable
// currently mapped onto it (nil if free).
type Frame struct {
	Index int
	Owner Evictable
	elem  *container.Elem[*Frame]
}

// KVA returns the frame's backing bytes — its kernel virtual address,
// which in this simulation is a slice into the pool's single mmap region.
func (f *Frame) KVA(p *Pool) []byte {
	off := f.Index * PageSize
	return p.region[off : off+PageSize]
}

// Pool is the physical frame table: one mmap'd region, one free list, one
// in-use list walked on eviction, all guarded by a single mutex.
type Pool struct {
	mu     sync.Mutex
	region []byte
	frames []Frame
	free   *container.FreeList
	inUse  container.List[*Frame]
	clock  *container.Elem[*Frame] // not used: evictLocked always takes inUse.Front()
}

// NewPool reserves n physical frames via one anonymous mmap — a single
// large region sliced into pages rather than n individual allocations.
func NewPool(n int) (*Pool, error) {
	region, err := unix.Mmap(-1, 0, n*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap %d bytes: %w", n*PageSize, err)
	}
	p := &Pool{
		region: region,
		frames: make([]Frame, n),
		free:   container.NewFreeList(n),
	}
	for i := range p.frames {
		p.frames[i].Index = i
	}
	return p, nil
}

// Close unmaps the pool's backing region.
func (p *Pool) Close() error {
	return unix.Munmap(p.region)
}

// Count returns the total number of frames in the pool.
func (p *Pool) Count() int { return len(p.frames) }

// Get returns a free frame bound to owner, evicting a victim if the pool
// is exhausted. A pool with nothing evictable left is a fatal
// configuration error.
func (p *Pool) Get(owner Evictable) (*Frame, error) {
	p.mu.Lock()
	idx, ok := p.free.Alloc()
	if !ok {
		victim, err := p.evictLocked()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		idx = victim.Index
	}
	f := &p.frames[idx]
	f.Owner = owner
	f.elem = p.inUse.PushBack(f)
	p.mu.Unlock()
	return f, nil
}

// Release returns a frame to the free list without eviction (used by
// Destroy paths once a page's data no longer needs preserving).
func (p *Pool) Release(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.elem != nil {
		p.inUse.Remove(f.elem)
		f.elem = nil
	}
	f.Owner = nil
	p.free.Free(f.Index)
}

// evictLocked picks the least-recently-touched in-use frame as the victim
// and asks its occupant to persist itself via SwapOut. This simulation has
// no hardware accessed bit for a true second-chance sweep to test and
// clear; Touch's move-to-back ordering is the substitute signal, so the
// front of the in-use list is always the coldest frame.
func (p *Pool) evictLocked() (*Frame, error) {
	e := p.inUse.Front()
	if e == nil {
		return nil, fmt.Errorf("frame: pool exhausted, nothing to evict")
	}
	victim := e.Value()
	p.inUse.Remove(e)
	victim.elem = nil
	if err := victim.Owner.SwapOut(victim.KVA(p)); err != nil {
		return nil, fmt.Errorf("frame: evict frame %d: %w", victim.Index, err)
	}
	victim.Owner = nil
	return victim, nil
}

// Touch moves f to the back of the in-use list, the simulation's
// substitute for setting a hardware accessed bit: frames touched more
// recently sort later and are evicted later.
func (p *Pool) Touch(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.elem != nil {
		p.inUse.Remove(f.elem)
		f.elem = p.inUse.PushBack(f)
	}
}
