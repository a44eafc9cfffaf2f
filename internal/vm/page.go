// Package vm implements the demand-paged virtual memory subsystem: the
// per-process supplemental page table and fault handling, anonymous pages
// with swap, and file-backed mmap pages with dirty writeback.
package vm

import (
	"context"
	"fmt"

	"github.com/Recordum/biscuitos/internal/frame"
)

// Kind is the tagged-union discriminant for a Page.
type Kind int

const (
	Uninit Kind = iota
	Anon
	File
)

func (k Kind) String() string {
	switch k {
	case Uninit:
		return "uninit"
	case Anon:
		return "anon"
	case File:
		return "file"
	default:
		return "unknown"
	}
}

// Initializer lazily produces a page's contents the first time it's
// claimed. It receives the zeroed frame contents to fill in (or fully
// overwrite).
type Initializer func(kva []byte) error

// FileBackend abstracts the file a File page is backed by; internal/fs
// implements it. Reopen must return an independent handle so closing the
// descriptor the mmap call was issued against never affects the mapping.
type FileBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Reopen() (FileBackend, error)
	Close() error
}

// Page is one entry of a process's supplemental page table: a tagged union
// of a not-yet-backed page, a swappable anonymous page, or a page backed
// by a file/mmap region.
type Page struct {
	VA       uintptr
	Writable bool
	Kind     Kind
	dirty    bool
	as       *AddressSpace

	frame *frame.Frame

	// Uninit
	init Initializer
	next Kind // what Kind this becomes once init runs

	// Anon
	swapSlot int // -1 when not currently swapped out

	// File
	file       FileBackend
	fileOffset int64
	readBytes  int
	runLen     int // valid only on the first page of an mmap run
}

// Describe implements frame.Evictable.
func (p *Page) Describe() string {
	return fmt.Sprintf("page va=%#x kind=%s", p.VA, p.Kind)
}

// KVABytes returns the resident frame's bytes for this page, the
// kernel-virtual-address slice callers use to read/write a claimed page's
// contents directly (argv marshalling in process.Exec, mmap round-trips).
// Panics if the page has no resident frame.
func (p *Page) KVABytes() []byte {
	if p.frame == nil {
		panic("vm: KVABytes on a non-resident page")
	}
	return p.frame.KVA(p.as.pool)
}

// SwapOut implements frame.Evictable: it is invoked by the frame pool's
// eviction with the frame's raw bytes, and must persist them
// somewhere before the frame is handed to a new owner.
func (p *Page) SwapOut(kva []byte) error {
	ctx := context.Background()
	switch p.Kind {
	case Anon:
		if p.swapSlot < 0 {
			p.swapSlot = p.as.slots.Alloc()
		}
		if err := p.as.slots.WriteOut(ctx, p.swapSlot, kva); err != nil {
			return fmt.Errorf("vm: swap out anon page %#x: %w", p.VA, err)
		}
	case File:
		if p.dirty && p.file != nil {
			if _, err := p.file.WriteAt(kva[:p.readBytes], p.fileOffset); err != nil {
				return fmt.Errorf("vm: write back file page %#x: %w", p.VA, err)
			}
			p.dirty = false
		}
	case Uninit:
		// Never resident, never reaches here.
	}
	p.frame = nil
	return nil
}
