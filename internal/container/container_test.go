package container

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListOrdering(t *testing.T) {
	var l List[int]
	l.PushBack(1)
	l.PushBack(2)
	l.PushFront(0)

	var got []int
	for e := l.Front(); e != nil; e = l.Next(e) {
		got = append(got, e.Value())
	}
	require.Equal(t, []int{0, 1, 2}, got)
	require.Equal(t, 3, l.Len())
}

func TestListInsertSorted(t *testing.T) {
	var l List[int]
	less := func(a, b int) bool { return a < b }
	l.InsertSorted(5, less)
	l.InsertSorted(1, less)
	l.InsertSorted(3, less)

	var got []int
	for e := l.Front(); e != nil; e = l.Next(e) {
		got = append(got, e.Value())
	}
	require.Equal(t, []int{1, 3, 5}, got)
}

func TestListRemove(t *testing.T) {
	var l List[string]
	a := l.PushBack("a")
	l.PushBack("b")
	l.Remove(a)
	require.Equal(t, 1, l.Len())
	require.Equal(t, "b", l.Front().Value())
}

func TestFreeListAllocFree(t *testing.T) {
	fl := NewFreeList(4)
	require.Equal(t, 4, fl.Cap())

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		idx, ok := fl.Alloc()
		require.True(t, ok)
		require.False(t, seen[idx])
		seen[idx] = true
	}
	_, ok := fl.Alloc()
	require.False(t, ok, "pool should be exhausted")

	fl.Free(2)
	idx, ok := fl.Alloc()
	require.True(t, ok)
	require.Equal(t, 2, idx)
}

func TestFreeListFreeOutOfRangePanics(t *testing.T) {
	fl := NewFreeList(2)
	require.Panics(t, func() { fl.Free(7) })
}

func TestHashMapPutGetDelete(t *testing.T) {
	h := NewHashMap[uintptr, int](4, func(k uintptr) uint64 { return uint64(k) })
	h.Put(0x1000, 1)
	h.Put(0x2000, 2)
	h.Put(0x3000, 3)

	v, ok := h.Get(0x2000)
	require.True(t, ok)
	require.Equal(t, 2, v)

	h.Delete(0x2000)
	_, ok = h.Get(0x2000)
	require.False(t, ok)

	v, ok = h.Get(0x3000)
	require.True(t, ok)
	require.Equal(t, 3, v)
	require.Equal(t, 2, h.Len())
}

func TestHashMapGrows(t *testing.T) {
	h := NewHashMap[int, int](4, func(k int) uint64 { return uint64(k) })
	for i := 0; i < 100; i++ {
		h.Put(i, i*i)
	}
	require.Equal(t, 100, h.Len())
	for i := 0; i < 100; i++ {
		v, ok := h.Get(i)
		require.True(t, ok)
		require.Equal(t, i*i, v)
	}
}
