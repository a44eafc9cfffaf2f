package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Recordum/biscuitos/internal/frame"
	"github.com/Recordum/biscuitos/internal/swapdisk"
)

func newTestManager(t *testing.T, frames int) *Manager {
	t.Helper()
	pool, err := frame.NewPool(frames)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	disk, err := swapdisk.Open(t.TempDir()+"/swap.img", swapdisk.SectorsPerSlot*8, 4)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	return &Manager{Pool: pool, Slots: swapdisk.NewSlotTable(disk)}
}

func TestAllocAndClaimAnonPage(t *testing.T) {
	m := newTestManager(t, 4)
	as := m.NewAddressSpace()

	require.NoError(t, as.AllocPageWithInitializer(0x1000, true, Anon, nil))
	p, err := as.ClaimPage(0x1000)
	require.NoError(t, err)
	require.Equal(t, Anon, p.Kind)
}

func TestStackGrowthWithinWindow(t *testing.T) {
	rsp := uintptr(UserStackTop - 100)
	require.True(t, IsStackAddr(rsp-8, rsp))
	require.False(t, IsStackAddr(uintptr(UserStackTop-StackGrowthLimit-1), rsp))
}

func TestHandleFaultGrowsStack(t *testing.T) {
	m := newTestManager(t, 4)
	as := m.NewAddressSpace()

	rsp := uintptr(UserStackTop - 8)
	addr := uintptr(UserStackTop - 16)
	require.NoError(t, as.HandleFault(addr, rsp, true, true))

	_, ok := as.FindPage(addr)
	require.True(t, ok)
}

func TestHandleFaultRejectsWriteToReadOnly(t *testing.T) {
	m := newTestManager(t, 4)
	as := m.NewAddressSpace()
	require.NoError(t, as.AllocPageWithInitializer(0x2000, false, Anon, nil))
	err := as.HandleFault(0x2000, 0, true, true)
	require.Error(t, err)
}

func TestEvictionRoundTripsThroughSwap(t *testing.T) {
	m := newTestManager(t, 1)
	as := m.NewAddressSpace()

	require.NoError(t, as.AllocPageWithInitializer(0x1000, true, Anon, nil))
	p1, err := as.ClaimPage(0x1000)
	require.NoError(t, err)
	copy(p1.frame.KVA(m.Pool), []byte("first-page-data"))

	require.NoError(t, as.AllocPageWithInitializer(0x2000, true, Anon, nil))
	p2, err := as.ClaimPage(0x2000)
	require.NoError(t, err)
	require.NotNil(t, p2.frame, "second claim must evict the first to get a frame from the 1-frame pool")

	p1again, err := as.ClaimPage(0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte("first-page-data"), p1again.frame.KVA(m.Pool)[:len("first-page-data")])
}
