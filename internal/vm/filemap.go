package vm

import "fmt"

// Mmap maps length bytes of file starting at offset into the address space
// at addr, one UNINIT/FILE page per PageSize chunk. The first page of the
// run records the run's total page count, so Munmap knows how many pages
// to walk without a separate region-tracking structure.
func (as *AddressSpace) Mmap(addr uintptr, length int, writable bool, file FileBackend, offset int64) error {
	if length <= 0 {
		return fmt.Errorf("vm: mmap length must be positive, got %d", length)
	}
	addr = pageRound(addr)
	remaining := length
	ofs := offset
	va := addr
	pageCount := 0
	for remaining > 0 {
		readBytes := remaining
		if readBytes > PageSize {
			readBytes = PageSize
		}
		ofsCapture, readCapture := ofs, readBytes
		reopened, err := file.Reopen()
		if err != nil {
			return fmt.Errorf("vm: reopen file for mmap: %w", err)
		}
		page := &Page{
			VA: va, Writable: writable, Kind: Uninit, next: File,
			swapSlot: -1, as: as,
			file: reopened, fileOffset: ofsCapture, readBytes: readCapture,
		}
		page.init = func(kva []byte) error {
			if _, err := page.file.ReadAt(kva[:page.readBytes], page.fileOffset); err != nil {
				return err
			}
			return nil
		}
		if err := as.InsertPage(page); err != nil {
			return err
		}
		remaining -= readBytes
		ofs += int64(readBytes)
		va += PageSize
		pageCount++
	}
	first, ok := as.FindPage(addr)
	if !ok {
		return fmt.Errorf("vm: internal error, first mmap page missing at %#x", addr)
	}
	first.runLen = pageCount
	return nil
}

// Munmap tears down the mmap run starting at addr, writing back any dirty
// pages along the way through RemovePage's destroy path.
func (as *AddressSpace) Munmap(addr uintptr) error {
	addr = pageRound(addr)
	first, ok := as.FindPage(addr)
	if !ok {
		return fmt.Errorf("vm: munmap of unmapped address %#x", addr)
	}
	n := first.runLen
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		as.RemovePage(addr + uintptr(i)*PageSize)
	}
	return nil
}

// MarkDirty records that a write occurred to the page covering va, the
// simulation's stand-in for the hardware dirty bit writeback consults.
func (as *AddressSpace) MarkDirty(va uintptr) {
	if p, ok := as.FindPage(va); ok {
		p.dirty = true
	}
}
