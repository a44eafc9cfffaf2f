package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/Recordum/biscuitos/internal/container"
	"github.com/Recordum/biscuitos/internal/frame"
	"github.com/Recordum/biscuitos/internal/swapdisk"
)

// PageSize re-exports frame.PageSize under the name vm callers expect.
const PageSize = frame.PageSize

// Manager owns the resources shared by every process's address space: the
// physical frame pool and the swap slot table. One Manager exists per
// running simulation.
type Manager struct {
	Pool  *frame.Pool
	Slots *swapdisk.SlotTable
}

// NewAddressSpace creates an empty address space bound to m's shared
// frame pool and swap table.
func (m *Manager) NewAddressSpace() *AddressSpace {
	as := &AddressSpace{
		pages: container.NewHashMap[uintptr, *Page](64, func(k uintptr) uint64 { return uint64(k) }),
		pool:  m.Pool,
		slots: m.Slots,
	}
	return as
}

// AddressSpace is one process's supplemental page table plus the lock
// discipline around it: an embedded mutex with explicit
// Lock_pmap/Unlock_pmap/Lockassert_pmap methods rather than a bare
// sync.Mutex, so call sites that must hold the lock can assert it.
type AddressSpace struct {
	mu    sync.Mutex
	held  bool
	pages *container.HashMap[uintptr, *Page]
	pool  *frame.Pool
	slots *swapdisk.SlotTable
}

// Lock_pmap acquires the address space's lock.
func (as *AddressSpace) Lock_pmap() {
	as.mu.Lock()
	as.held = true
}

// Unlock_pmap releases the address space's lock.
func (as *AddressSpace) Unlock_pmap() {
	as.held = false
	as.mu.Unlock()
}

// Lockassert_pmap panics if the caller does not hold the address space's
// lock. Used at the top of functions that assume the lock is already held.
func (as *AddressSpace) Lockassert_pmap() {
	if !as.held {
		panic("vm: AddressSpace used without holding its lock")
	}
}

func pageRound(va uintptr) uintptr {
	return va &^ (PageSize - 1)
}

// AllocPageWithInitializer creates a page in the UNINIT state at va,
// recording kind and init for when it is first claimed. Fails if va is
// already occupied.
func (as *AddressSpace) AllocPageWithInitializer(va uintptr, writable bool, kind Kind, init Initializer) error {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	va = pageRound(va)
	if _, ok := as.pages.Get(va); ok {
		return fmt.Errorf("vm: page already mapped at %#x", va)
	}
	p := &Page{VA: va, Writable: writable, Kind: Uninit, next: kind, init: init, swapSlot: -1, as: as}
	as.pages.Put(va, p)
	return nil
}

// FindPage returns the page covering va, if any.
func (as *AddressSpace) FindPage(va uintptr) (*Page, bool) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.pages.Get(pageRound(va))
}

// InsertPage inserts an already-constructed page directly, used by fork's
// address-space duplication.
func (as *AddressSpace) InsertPage(p *Page) error {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if _, ok := as.pages.Get(p.VA); ok {
		return fmt.Errorf("vm: page already mapped at %#x", p.VA)
	}
	p.as = as
	as.pages.Put(p.VA, p)
	return nil
}

// RangeVAs calls fn for every virtual address currently mapped in as, in no
// particular order. Fork verification walks this to compare parent and
// child mappings.
func (as *AddressSpace) RangeVAs(fn func(va uintptr)) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	as.pages.Range(func(va uintptr, _ *Page) bool {
		fn(va)
		return true
	})
}

// RemovePage destroys and unmaps the page at va.
func (as *AddressSpace) RemovePage(va uintptr) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	va = pageRound(va)
	p, ok := as.pages.Get(va)
	if !ok {
		return
	}
	as.pages.Delete(va)
	as.destroyLocked(p)
}

func (as *AddressSpace) destroyLocked(p *Page) {
	if p.frame != nil {
		if p.Kind == File && p.dirty && p.file != nil {
			_, _ = p.file.WriteAt(p.frame.KVA(as.pool)[:p.readBytes], p.fileOffset)
		}
		// A file page cloned by fork shares its frame with the page it was
		// copied from; only the page the frame is registered to returns it
		// to the pool.
		if owner, ok := p.frame.Owner.(*Page); ok && owner == p {
			as.pool.Release(p.frame)
		}
		p.frame = nil
	} else if p.Kind == Anon && p.swapSlot >= 0 {
		as.slots.Release(p.swapSlot)
		p.swapSlot = -1
	}
	if p.Kind == File && p.file != nil {
		_ = p.file.Close()
	}
}

// Kill tears down every page in the address space, writing back dirty
// file pages before freeing each one.
func (as *AddressSpace) Kill() {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var vas []uintptr
	as.pages.Range(func(k uintptr, _ *Page) bool {
		vas = append(vas, k)
		return true
	})
	for _, va := range vas {
		p, ok := as.pages.Get(va)
		if !ok {
			continue
		}
		as.pages.Delete(va)
		as.destroyLocked(p)
	}
}

// ClaimPage ensures the page at va is resident, installing a frame and
// running its swap-in/initializer as needed.
func (as *AddressSpace) ClaimPage(va uintptr) (*Page, error) {
	as.Lock_pmap()
	p, ok := as.pages.Get(pageRound(va))
	as.Unlock_pmap()
	if !ok {
		return nil, fmt.Errorf("vm: no page at %#x", va)
	}
	return as.doClaim(p)
}

func (as *AddressSpace) doClaim(p *Page) (*Page, error) {
	if p.frame != nil {
		as.pool.Touch(p.frame)
		return p, nil
	}
	f, err := as.pool.Get(p)
	if err != nil {
		return nil, fmt.Errorf("vm: get frame for %#x: %w", p.VA, err)
	}
	p.frame = f
	kva := f.KVA(as.pool)

	switch p.Kind {
	case Uninit:
		for i := range kva {
			kva[i] = 0
		}
		if p.init != nil {
			if err := p.init(kva); err != nil {
				return nil, fmt.Errorf("vm: initialize page %#x: %w", p.VA, err)
			}
		}
		p.Kind = p.next
	case Anon:
		if p.swapSlot >= 0 {
			if err := as.slots.ReadIn(context.Background(), p.swapSlot, kva); err != nil {
				return nil, fmt.Errorf("vm: swap in anon page %#x: %w", p.VA, err)
			}
			as.slots.Release(p.swapSlot)
			p.swapSlot = -1
		} else {
			for i := range kva {
				kva[i] = 0
			}
		}
	case File:
		for i := range kva {
			kva[i] = 0
		}
		if p.file != nil {
			if _, err := p.file.ReadAt(kva[:p.readBytes], p.fileOffset); err != nil {
				return nil, fmt.Errorf("vm: read file page %#x: %w", p.VA, err)
			}
		}
	}
	return p, nil
}
