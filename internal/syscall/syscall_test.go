package syscall

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Recordum/biscuitos/internal/frame"
	"github.com/Recordum/biscuitos/internal/fs"
	"github.com/Recordum/biscuitos/internal/process"
	"github.com/Recordum/biscuitos/internal/sched"
	"github.com/Recordum/biscuitos/internal/swapdisk"
	"github.com/Recordum/biscuitos/internal/vm"
)

// buildMinimalELF duplicates the tiny-ELF builder internal/elfload and
// internal/process's own tests use, so this package can produce an init
// binary for its Manager without importing either package's test file.
func buildMinimalELF(t *testing.T, code []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phsize = 56
	vaddr := uint64(0x400000)
	entry := vaddr + ehsize + phsize

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))

	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_X|elf.PF_R|elf.PF_W))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize+phsize+len(code)))
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize+phsize+len(code)))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(code)
	return buf.Bytes()
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *process.Proc) {
	t.Helper()
	pool, err := frame.NewPool(64)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	disk, err := swapdisk.Open(t.TempDir()+"/swap.img", swapdisk.SectorsPerSlot*32, 4)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	fsRoot := t.TempDir()
	fsys, err := fs.New(fsRoot)
	require.NoError(t, err)

	vmgr := &vm.Manager{Pool: pool, Slots: swapdisk.NewSlotTable(disk)}
	d := sched.New()
	var outBuf bytes.Buffer
	stdin := process.NewConsoleIn(bytes.NewReader(nil))
	stdout := process.NewConsoleOut(&outBuf)
	procs := process.NewManager(d, vmgr, fsys, stdin, stdout)

	binDir := t.TempDir()
	binPath := filepath.Join(binDir, "init")
	require.NoError(t, os.WriteFile(binPath, buildMinimalELF(t, []byte{0x90, 0x90, 0xc3}), 0o755))

	p := procs.CreateInitd(binPath)
	return NewDispatcher(procs), p
}

func TestDispatchHalt(t *testing.T) {
	d, p := newTestDispatcher(t)
	called := false
	d.HaltFunc = func() { called = true }

	d.Dispatch(p, &Trapframe{RAX: SysHalt})
	require.True(t, called)
}

func TestDispatchCreateOpenWriteReadSeekTellClose(t *testing.T) {
	d, p := newTestDispatcher(t)

	// Reuse the stack page Exec already mapped as scratch user memory.
	const stackVA = uintptr(vm.UserStackTop) - vm.PageSize
	page, err := p.AS.ClaimPage(stackVA)
	require.NoError(t, err)
	nameVA := stackVA
	copy(page.KVABytes(), append([]byte("greeting.txt"), 0))

	tf := &Trapframe{RAX: SysCreate, RDI: nameVA, RSI: 64, RSP: uintptr(vm.UserStackTop) - 8}
	d.Dispatch(p, tf)
	require.EqualValues(t, 1, tf.RAX)

	tf = &Trapframe{RAX: SysOpen, RDI: nameVA, RSP: tf.RSP}
	d.Dispatch(p, tf)
	fd := int(tf.RAX)
	require.Greater(t, fd, 1)

	payloadVA := stackVA + 64
	copy(page.KVABytes()[64:], "hello, biscuit")

	tf = &Trapframe{RAX: SysWrite, RDI: uintptr(fd), RSI: payloadVA, RDX: uintptr(len("hello, biscuit")), RSP: tf.RSP}
	d.Dispatch(p, tf)
	require.EqualValues(t, len("hello, biscuit"), tf.RAX)

	tf = &Trapframe{RAX: SysSeek, RDI: uintptr(fd), RSI: 0, RSP: tf.RSP}
	d.Dispatch(p, tf)

	tf = &Trapframe{RAX: SysTell, RDI: uintptr(fd), RSP: tf.RSP}
	d.Dispatch(p, tf)
	require.EqualValues(t, 0, tf.RAX)

	tf = &Trapframe{RAX: SysRead, RDI: uintptr(fd), RSI: payloadVA, RDX: uintptr(len("hello, biscuit")), RSP: tf.RSP}
	d.Dispatch(p, tf)
	require.EqualValues(t, len("hello, biscuit"), tf.RAX)
	require.Equal(t, []byte("hello, biscuit"), page.KVABytes()[64:64+len("hello, biscuit")])

	tf = &Trapframe{RAX: SysClose, RDI: uintptr(fd), RSP: tf.RSP}
	d.Dispatch(p, tf)

	tf = &Trapframe{RAX: SysRemove, RDI: nameVA, RSP: tf.RSP}
	d.Dispatch(p, tf)
	require.EqualValues(t, 1, tf.RAX)
}

func TestDispatchInvalidPointerKillsProcess(t *testing.T) {
	d, p := newTestDispatcher(t)

	tf := &Trapframe{RAX: SysCreate, RDI: 0, RSI: 16}
	d.Dispatch(p, tf)

	select {
	case <-p.Done():
	default:
		t.Fatal("process should have been killed by the invalid pointer")
	}
}

func TestDispatchFork(t *testing.T) {
	d, p := newTestDispatcher(t)

	const stackVA = uintptr(vm.UserStackTop) - vm.PageSize
	page, err := p.AS.ClaimPage(stackVA)
	require.NoError(t, err)
	copy(page.KVABytes(), append([]byte("child"), 0))

	tf := &Trapframe{RAX: SysFork, RDI: stackVA, RSP: stackVA + vm.PageSize - 8}
	d.Dispatch(p, tf)
	childPID := int(int64(tf.RAX))
	require.Greater(t, childPID, 0)
}

func TestDispatchMmapAndMunmap(t *testing.T) {
	d, p := newTestDispatcher(t)

	const stackVA = uintptr(vm.UserStackTop) - vm.PageSize
	page, err := p.AS.ClaimPage(stackVA)
	require.NoError(t, err)
	copy(page.KVABytes(), append([]byte("mapped.txt"), 0))
	rsp := stackVA + vm.PageSize - 8

	tf := &Trapframe{RAX: SysCreate, RDI: stackVA, RSI: uintptr(vm.PageSize), RSP: rsp}
	d.Dispatch(p, tf)
	require.EqualValues(t, 1, tf.RAX)

	tf = &Trapframe{RAX: SysOpen, RDI: stackVA, RSP: rsp}
	d.Dispatch(p, tf)
	fd := int(tf.RAX)
	require.Greater(t, fd, 1)

	const mapAddr = uintptr(0x10000000)
	tf = &Trapframe{RAX: SysMmap, RDI: mapAddr, RSI: uintptr(vm.PageSize), RDX: 1, R10: uintptr(fd), R8: 0, RSP: rsp}
	d.Dispatch(p, tf)
	require.EqualValues(t, mapAddr, tf.RAX)

	tf = &Trapframe{RAX: SysMunmap, RDI: mapAddr, RSP: rsp}
	d.Dispatch(p, tf)
}
