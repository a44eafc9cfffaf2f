package process

import (
	"fmt"
	"os"
	"strings"

	"github.com/Recordum/biscuitos/internal/elfload"
	"github.com/Recordum/biscuitos/internal/fs"
	"github.com/Recordum/biscuitos/internal/vm"
)

// MaxArguments bounds how many argv entries a command line may tokenize
// into.
const MaxArguments = 128

// ExecResult is what a successful Exec hands back to whatever resumes the
// thread in user mode: where to start running, where the stack (complete
// with marshalled argv) begins, and the two values that travel in
// registers rather than on the stack (rdi=argc, rsi=&argv[0]) for
// whatever trampoline performs the actual iret.
type ExecResult struct {
	Entry   uintptr
	RSP     uintptr
	Argc    int
	ArgvPtr uintptr
}

// Exec replaces p's address space with the program named by argv[0],
// parses argv from cmdline, loads the ELF image's PT_LOAD segments as
// lazily-faulted anonymous pages (executable text has no distinct
// file-backed page type; segment bytes are captured at load time), and
// marshals argv onto a freshly allocated stack page.
func (m *Manager) Exec(p *Proc, cmdline string) (*ExecResult, error) {
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		return nil, fmt.Errorf("process: empty command line")
	}
	if len(args) > MaxArguments {
		return nil, fmt.Errorf("process: too many arguments (%d > %d)", len(args), MaxArguments)
	}

	raw, exe, err := m.readExecutable(args[0])
	if err != nil {
		return nil, fmt.Errorf("process: read executable %s: %w", args[0], err)
	}
	releaseExe := func() {
		if exe != nil {
			exe.AllowWrite()
			_ = exe.Close()
		}
	}
	img, err := elfload.Load(raw)
	if err != nil {
		releaseExe()
		return nil, fmt.Errorf("process: load %s: %w", args[0], err)
	}

	as := m.VM.NewAddressSpace()
	for _, seg := range img.Segments {
		seg := seg
		vaddr := uintptr(seg.VAddr)
		base := vaddr &^ (vm.PageSize - 1)
		span := int(vaddr-base) + int(seg.MemSize)
		for off := 0; off < span; off += vm.PageSize {
			va := base + uintptr(off)
			fileOffset := int64(va) - int64(vaddr)
			init := func(kva []byte) error {
				return copySegmentChunk(kva, seg.Data, fileOffset)
			}
			if err := as.AllocPageWithInitializer(va, seg.Writable, vm.Anon, init); err != nil {
				releaseExe()
				as.Kill()
				return nil, fmt.Errorf("process: map segment page %#x: %w", va, err)
			}
		}
	}

	rsp, argvPtr, err := setupStack(as, args)
	if err != nil {
		releaseExe()
		as.Kill()
		return nil, fmt.Errorf("process: set up stack: %w", err)
	}

	p.AS.Kill()
	p.AS = as
	p.Name = args[0]
	p.setExecutable(exe)
	return &ExecResult{Entry: uintptr(img.Entry), RSP: rsp, Argc: len(args), ArgvPtr: argvPtr}, nil
}

// readExecutable opens the named binary through the flat filesystem when it
// lives there, marking it deny-write and handing back the retained handle
// so writes to a running executable fail until exit() releases it. Binaries
// outside the filesystem root (the boot-time init path) fall back to a
// plain host read with no handle to retain.
func (m *Manager) readExecutable(path string) ([]byte, *fs.File, error) {
	f, err := m.FS.Open(path)
	if err != nil {
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, nil, rerr
		}
		return raw, nil, nil
	}
	size, err := f.Length()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	raw := make([]byte, size)
	if size > 0 {
		if _, err := f.ReadAt(raw, 0); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	}
	f.DenyWrite()
	return raw, f, nil
}

// copySegmentChunk copies the bytes of an ELF segment that fall within one
// destination page into kva, zero-filling the rest (covers both the
// .bss-style zero tail and pages entirely past the segment's file data).
// A negative pageFileOffset means the page starts below the segment: the
// segment begins partway into the page, at -pageFileOffset.
func copySegmentChunk(kva []byte, segData []byte, pageFileOffset int64) error {
	for i := range kva {
		kva[i] = 0
	}
	dst := 0
	src := pageFileOffset
	if src < 0 {
		dst = int(-src)
		src = 0
	}
	if dst >= len(kva) || src >= int64(len(segData)) {
		return nil
	}
	copy(kva[dst:], segData[src:])
	return nil
}

// setupStack allocates the single top-of-stack page and marshals argv
// onto it, top to bottom: each argument string (reverse argv order), zero
// padding to 8-byte alignment, a NULL word, the string pointers
// argv[argc-1]..argv[0], then a fake return address of zero. Returns the
// final RSP (pointing at the fake return address) and &argv[0], for the
// caller to pass as rsi; argc goes in rdi straight from len(args) and
// never touches the stack, per the AMD64 convention.
func setupStack(as *vm.AddressSpace, args []string) (rsp uintptr, argvPtr uintptr, err error) {
	const stackVA = uintptr(vm.UserStackTopForExec) - vm.PageSize
	if err := as.AllocPageWithInitializer(stackVA, true, vm.Anon, nil); err != nil {
		return 0, 0, err
	}
	page, err := as.ClaimPage(stackVA)
	if err != nil {
		return 0, 0, err
	}
	kva := page.KVABytes()

	cursor := len(kva)
	var argPtrs []uintptr
	for i := len(args) - 1; i >= 0; i-- {
		s := args[i] + "\x00"
		cursor -= len(s)
		if cursor < 0 {
			return 0, 0, fmt.Errorf("process: argv too large for one stack page")
		}
		copy(kva[cursor:], s)
		argPtrs = append(argPtrs, stackVA+uintptr(cursor))
	}
	// Reverse so argPtrs[0] is argv[0].
	for i, j := 0, len(argPtrs)-1; i < j; i, j = i+1, j-1 {
		argPtrs[i], argPtrs[j] = argPtrs[j], argPtrs[i]
	}

	cursor &^= 7 // 8-byte align before the NULL word + pointer array
	ptrBytes := (len(argPtrs) + 1) * 8
	cursor -= ptrBytes
	if cursor < 0 {
		return 0, 0, fmt.Errorf("process: argv pointer array too large for one stack page")
	}
	for i, ptr := range argPtrs {
		putUintptr(kva[cursor+i*8:], ptr)
	}
	putUintptr(kva[cursor+len(argPtrs)*8:], 0) // argv[argc] = NULL
	argvBase := stackVA + uintptr(cursor)

	cursor -= 8
	if cursor < 0 {
		return 0, 0, fmt.Errorf("process: no room for fake return address")
	}
	putUintptr(kva[cursor:], 0) // fake return address

	return stackVA + uintptr(cursor), argvBase, nil
}

func putUintptr(b []byte, v uintptr) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
