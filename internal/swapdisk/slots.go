package swapdisk

import (
	"context"
	"fmt"
	"sync"
)

// SectorsPerSlot is how many sectors one page-sized swap slot occupies.
const SectorsPerSlot = 4096 / SectorSize

// SlotTable allocates and reclaims page-sized swap slots on a Disk.
// Allocation is a linear first-fit scan; release is O(1).
type SlotTable struct {
	disk *Disk
	mu   sync.Mutex
	free []bool // free[i] == true means slot i is unused
	n    int
}

// NewSlotTable partitions disk into as many whole slots as fit.
func NewSlotTable(disk *Disk) *SlotTable {
	n := int(disk.Sectors() / SectorsPerSlot)
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	return &SlotTable{disk: disk, free: free, n: n}
}

// Capacity returns the total slot count.
func (st *SlotTable) Capacity() int { return st.n }

// Alloc reserves a free slot, panicking if none remain: with no slot to
// swap a page out to, eviction cannot make progress and there is no
// reasonable recovery.
func (st *SlotTable) Alloc() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, free := range st.free {
		if free {
			st.free[i] = false
			return i
		}
	}
	panic("swapdisk: swap disk exhausted, no free slot")
}

// Release returns slot to the free pool.
func (st *SlotTable) Release(slot int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if slot < 0 || slot >= st.n {
		panic("swapdisk: Release slot out of range")
	}
	st.free[slot] = true
}

// WriteOut writes exactly one page's worth of data (4096 bytes) to slot.
func (st *SlotTable) WriteOut(ctx context.Context, slot int, page []byte) error {
	if len(page) != SectorsPerSlot*SectorSize {
		return fmt.Errorf("swapdisk: page must be %d bytes", SectorsPerSlot*SectorSize)
	}
	base := int64(slot) * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * SectorSize
		if err := st.disk.WriteSector(ctx, base+int64(i), page[off:off+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// ReadIn reads slot's page's worth of data into page.
func (st *SlotTable) ReadIn(ctx context.Context, slot int, page []byte) error {
	if len(page) != SectorsPerSlot*SectorSize {
		return fmt.Errorf("swapdisk: page must be %d bytes", SectorsPerSlot*SectorSize)
	}
	base := int64(slot) * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * SectorSize
		if err := st.disk.ReadSector(ctx, base+int64(i), page[off:off+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}
