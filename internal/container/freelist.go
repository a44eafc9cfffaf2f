package container

// FreeList is an index-chained free list over a fixed-size slab: each free
// slot stores the index of the next free slot, so no per-node allocation
// is ever needed. Both the physical frame pool and the swap slot table
// have this "fixed N slots, hand out/reclaim by index" shape.
type FreeList struct {
	next []int32 // next[i] == nexti for slot i; -1 terminates the chain
	head int32   // head of the free chain, -1 when exhausted
	used int
}

const listEnd = -1

// NewFreeList builds a free list over n slots, all initially free and
// chained in ascending order.
func NewFreeList(n int) *FreeList {
	fl := &FreeList{next: make([]int32, n), head: listEnd}
	for i := n - 1; i >= 0; i-- {
		fl.next[i] = fl.head
		fl.head = int32(i)
	}
	return fl
}

// Cap returns the total number of slots managed by the free list.
func (fl *FreeList) Cap() int { return len(fl.next) }

// Used returns the number of slots currently allocated.
func (fl *FreeList) Used() int { return fl.used }

// Alloc pops a free slot index, or returns (0, false) if none remain.
func (fl *FreeList) Alloc() (int, bool) {
	if fl.head == listEnd {
		return 0, false
	}
	idx := fl.head
	fl.head = fl.next[idx]
	fl.used++
	return int(idx), true
}

// Free returns slot idx to the free chain. Freeing an out-of-range slot is
// a caller bug and panics.
func (fl *FreeList) Free(idx int) {
	if idx < 0 || idx >= len(fl.next) {
		panic("container: FreeList.Free index out of range")
	}
	fl.next[idx] = fl.head
	fl.head = int32(idx)
	fl.used--
}
