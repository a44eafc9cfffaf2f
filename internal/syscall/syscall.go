// Package syscall implements the kernel's syscall dispatch table. The
// real `syscall` instruction entry path — MSR programming of
// STAR/LSTAR/SYSCALL_MASK and the assembly stub that builds a trapframe
// from a hardware trap — is boot glue with no hosted-Go equivalent; this
// package implements the logical Dispatch(tf) that stub would call, with
// full pointer validation and the complete per-syscall handler set.
package syscall

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Recordum/biscuitos/internal/process"
	"github.com/Recordum/biscuitos/internal/vm"
)

// Syscall numbers, in ABI order.
const (
	SysHalt = iota
	SysExit
	SysFork
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
)

// KernelBase is the lowest address treated as kernel-only: the canonical
// x86-64 user/kernel address-space split, enforced on every pointer
// argument before the supplemental page table is ever consulted.
const KernelBase = uintptr(1) << 47

// Trapframe models exactly the register state the dispatcher reads: rax carries the syscall number in and the return value out; rdi,
// rsi, rdx, r10, r8, r9 carry up to six arguments. Rsp is the saved user
// stack pointer, needed to recognize stack-growth-eligible faults taken on
// an argument pointer while already running in the kernel.
type Trapframe struct {
	RAX                        uintptr
	RDI, RSI, RDX, R10, R8, R9 uintptr
	RSP                        uintptr
}

// Dispatcher executes syscalls against a shared process.Manager.
type Dispatcher struct {
	Manager *process.Manager

	// HaltFunc backs the halt syscall; defaults to os.Exit(0) but is
	// overridable so tests can exercise halt without killing the test
	// binary.
	HaltFunc func()
}

// NewDispatcher wires a Dispatcher around an already-constructed
// process.Manager.
func NewDispatcher(m *process.Manager) *Dispatcher {
	return &Dispatcher{Manager: m, HaltFunc: func() { os.Exit(0) }}
}

// Dispatch executes the syscall named by tf.RAX on behalf of p, leaving its
// result in tf.RAX. An invalid argument pointer terminates p with status
// -1 rather than returning an error value: a bad pointer is
// process-fatal, not recoverable.
func (d *Dispatcher) Dispatch(p *process.Proc, tf *Trapframe) {
	switch tf.RAX {
	case SysHalt:
		log.Info("syscall: halt")
		d.HaltFunc()

	case SysExit:
		status := int(int64(tf.RDI))
		log.Infof("%s: exit(%d)", p.Name, status)
		p.Exit(status)

	case SysFork:
		name, err := d.readCString(p, tf.RDI, tf.RSP)
		if err != nil {
			d.killBadPointer(p, err)
			return
		}
		pid, err := d.Manager.Fork(p, name)
		if err != nil {
			tf.RAX = errno(process.TIDError)
			return
		}
		tf.RAX = uintptr(pid)

	case SysExec:
		cmdline, err := d.readCString(p, tf.RDI, tf.RSP)
		if err != nil {
			d.killBadPointer(p, err)
			return
		}
		if _, err := d.Manager.Exec(p, cmdline); err != nil {
			tf.RAX = errno(-1)
			return
		}
		tf.RAX = 0

	case SysWait:
		status, err := p.Wait(int(int64(tf.RDI)))
		if err != nil {
			tf.RAX = errno(-1)
			return
		}
		tf.RAX = uintptr(int64(status))

	case SysCreate:
		name, err := d.readCString(p, tf.RDI, tf.RSP)
		if err != nil {
			d.killBadPointer(p, err)
			return
		}
		err = d.Manager.FS.Create(name, int64(tf.RSI))
		tf.RAX = boolErrno(err == nil)

	case SysRemove:
		name, err := d.readCString(p, tf.RDI, tf.RSP)
		if err != nil {
			d.killBadPointer(p, err)
			return
		}
		err = d.Manager.FS.Remove(name)
		tf.RAX = boolErrno(err == nil)

	case SysOpen:
		name, err := d.readCString(p, tf.RDI, tf.RSP)
		if err != nil {
			d.killBadPointer(p, err)
			return
		}
		f, err := d.Manager.FS.Open(name)
		if err != nil {
			tf.RAX = errno(-1)
			return
		}
		fd, err := p.FDT.Install(f)
		if err != nil {
			_ = f.Close()
			tf.RAX = errno(-1)
			return
		}
		tf.RAX = uintptr(fd)

	case SysFilesize:
		d.Manager.FS.Lock()
		defer d.Manager.FS.Unlock()
		fd := p.FDT.Get(int(int64(tf.RDI)))
		if fd == nil {
			tf.RAX = errno(-1)
			return
		}
		n, err := fd.Length()
		if err != nil {
			tf.RAX = errno(-1)
			return
		}
		tf.RAX = uintptr(n)

	case SysRead:
		d.sysRead(p, tf)

	case SysWrite:
		d.sysWrite(p, tf)

	case SysSeek:
		d.Manager.FS.Lock()
		if fd := p.FDT.Get(int(int64(tf.RDI))); fd != nil {
			fd.Seek(int64(tf.RSI))
		}
		d.Manager.FS.Unlock()
		tf.RAX = 0

	case SysTell:
		d.Manager.FS.Lock()
		fd := p.FDT.Get(int(int64(tf.RDI)))
		d.Manager.FS.Unlock()
		if fd == nil {
			tf.RAX = errno(-1)
			return
		}
		tf.RAX = uintptr(fd.Tell())

	case SysClose:
		d.Manager.FS.Lock()
		p.FDT.Close(int(int64(tf.RDI)))
		d.Manager.FS.Unlock()
		tf.RAX = 0

	case SysMmap:
		d.sysMmap(p, tf)

	case SysMunmap:
		if err := p.AS.Munmap(tf.RDI); err != nil {
			log.WithError(err).Debug("syscall: munmap of an address with no mapping")
		}
		tf.RAX = 0

	default:
		log.Warnf("syscall: unknown syscall number %d", tf.RAX)
		tf.RAX = errno(-1)
	}
}

func (d *Dispatcher) sysRead(p *process.Proc, tf *Trapframe) {
	fdnum := int(int64(tf.RDI))
	buf := tf.RSI
	n := int(int64(tf.RDX))
	if n < 0 {
		tf.RAX = errno(-1)
		return
	}
	if n > 0 {
		if err := d.validateRange(p, buf, n, tf.RSP); err != nil {
			d.killBadPointer(p, err)
			return
		}
	}

	d.Manager.FS.Lock()
	fd := p.FDT.Get(fdnum)
	if fd == nil {
		d.Manager.FS.Unlock()
		tf.RAX = errno(-1)
		return
	}
	local := make([]byte, n)
	got, err := fd.Read(local)
	d.Manager.FS.Unlock()
	if err != nil && got == 0 {
		tf.RAX = errno(-1)
		return
	}

	if got > 0 {
		if werr := d.writeUserBytes(p, buf, local[:got], tf.RSP); werr != nil {
			d.killBadPointer(p, werr)
			return
		}
	}
	tf.RAX = uintptr(got)
}

func (d *Dispatcher) sysWrite(p *process.Proc, tf *Trapframe) {
	fdnum := int(int64(tf.RDI))
	buf := tf.RSI
	n := int(int64(tf.RDX))
	if n < 0 {
		tf.RAX = errno(-1)
		return
	}

	var data []byte
	if n > 0 {
		b, err := d.readUserBytes(p, buf, n, tf.RSP)
		if err != nil {
			d.killBadPointer(p, err)
			return
		}
		data = b
	}

	d.Manager.FS.Lock()
	fd := p.FDT.Get(fdnum)
	if fd == nil {
		d.Manager.FS.Unlock()
		tf.RAX = errno(-1)
		return
	}
	wrote, err := fd.Write(data)
	d.Manager.FS.Unlock()
	if err != nil && wrote == 0 {
		tf.RAX = errno(-1)
		return
	}
	tf.RAX = uintptr(wrote)
}

// sysMmap validates that addr is non-zero, page-aligned and unused, that
// length is positive, that offset is page-aligned, and that fd names a
// real backing file (not the console), then delegates to
// vm.AddressSpace.Mmap.
func (d *Dispatcher) sysMmap(p *process.Proc, tf *Trapframe) {
	addr := tf.RDI
	length := int(int64(tf.RSI))
	writable := tf.RDX != 0
	fdnum := int(int64(tf.R10))
	offset := int64(tf.R8)

	fail := func() { tf.RAX = 0 }

	if addr == 0 || addr%uintptr(vm.PageSize) != 0 || length <= 0 || offset%int64(vm.PageSize) != 0 || offset < 0 {
		fail()
		return
	}
	if fdnum == 0 || fdnum == 1 {
		fail()
		return
	}
	if _, ok := p.AS.FindPage(addr); ok {
		fail()
		return
	}

	fd := p.FDT.Get(fdnum)
	if fd == nil {
		fail()
		return
	}
	fb, ok := fd.(vm.FileBackend)
	if !ok {
		fail()
		return
	}
	if err := p.AS.Mmap(addr, length, writable, fb, offset); err != nil {
		fail()
		return
	}
	tf.RAX = addr
}

func (d *Dispatcher) killBadPointer(p *process.Proc, err error) {
	log.WithFields(log.Fields{"proc": p.Name, "pid": p.PID}).
		WithError(err).Warn("syscall: invalid argument pointer, killing process")
	p.Exit(process.KilledStatus)
}

func errno(n int) uintptr { return uintptr(int64(n)) }

func boolErrno(ok bool) uintptr {
	if ok {
		return 1
	}
	return 0
}

func pageRound(va uintptr) uintptr { return va &^ (uintptr(vm.PageSize) - 1) }

// validateRange ensures every page touched by [va, va+n) is either already
// mapped, resolvable via stack growth, or mappable by the fault handler,
// without copying any bytes. Used for the read() destination buffer, whose
// contents the syscall itself is about to overwrite.
func (d *Dispatcher) validateRange(p *process.Proc, va uintptr, n int, rsp uintptr) error {
	if va == 0 || va >= KernelBase {
		return fmt.Errorf("syscall: null or kernel-range pointer %#x", va)
	}
	end := va + uintptr(n)
	for pg := pageRound(va); pg < end; pg += uintptr(vm.PageSize) {
		if err := p.AS.HandleFault(pg, rsp, true, true); err != nil {
			return err
		}
	}
	return nil
}

// readUserBytes copies n bytes starting at va out of p's address space,
// faulting in (and, within the stack-growth window, materializing) any
// page not yet resident.
func (d *Dispatcher) readUserBytes(p *process.Proc, va uintptr, n int, rsp uintptr) ([]byte, error) {
	if va == 0 || va >= KernelBase {
		return nil, fmt.Errorf("syscall: null or kernel-range pointer %#x", va)
	}
	out := make([]byte, n)
	off := 0
	for off < n {
		cur := va + uintptr(off)
		pg := pageRound(cur)
		if err := p.AS.HandleFault(pg, rsp, false, true); err != nil {
			return nil, err
		}
		page, ok := p.AS.FindPage(pg)
		if !ok {
			return nil, fmt.Errorf("syscall: page vanished at %#x", pg)
		}
		kva := page.KVABytes()
		start := int(cur - pg)
		copied := copy(out[off:], kva[start:])
		off += copied
	}
	return out, nil
}

// writeUserBytes copies data into p's address space starting at va,
// faulting in each destination page with write permission and marking it
// dirty (the simulation's stand-in for the hardware dirty bit a real mmap
// writeback would consult).
func (d *Dispatcher) writeUserBytes(p *process.Proc, va uintptr, data []byte, rsp uintptr) error {
	if va == 0 || va >= KernelBase {
		return fmt.Errorf("syscall: null or kernel-range pointer %#x", va)
	}
	off := 0
	for off < len(data) {
		cur := va + uintptr(off)
		pg := pageRound(cur)
		if err := p.AS.HandleFault(pg, rsp, true, true); err != nil {
			return err
		}
		page, ok := p.AS.FindPage(pg)
		if !ok {
			return fmt.Errorf("syscall: page vanished at %#x", pg)
		}
		kva := page.KVABytes()
		start := int(cur - pg)
		copied := copy(kva[start:], data[off:])
		p.AS.MarkDirty(pg)
		off += copied
	}
	return nil
}

// readCString reads a NUL-terminated string out of p's address space
// starting at va, used for filenames and command lines. Bounded at maxCStr
// bytes so a missing terminator cannot run the kernel off into unmapped
// memory forever.
const maxCStr = 4096

func (d *Dispatcher) readCString(p *process.Proc, va, rsp uintptr) (string, error) {
	if va == 0 || va >= KernelBase {
		return "", fmt.Errorf("syscall: null or kernel-range pointer %#x", va)
	}
	var buf []byte
	for len(buf) < maxCStr {
		cur := va + uintptr(len(buf))
		pg := pageRound(cur)
		if err := p.AS.HandleFault(pg, rsp, false, true); err != nil {
			return "", err
		}
		page, ok := p.AS.FindPage(pg)
		if !ok {
			return "", fmt.Errorf("syscall: page vanished at %#x", pg)
		}
		kva := page.KVABytes()
		start := int(cur - pg)
		for _, b := range kva[start:] {
			if b == 0 {
				return string(buf), nil
			}
			buf = append(buf, b)
			if len(buf) >= maxCStr {
				break
			}
		}
	}
	return "", fmt.Errorf("syscall: string at %#x exceeds %d bytes with no terminator", va, maxCStr)
}
