package vm

import "fmt"

// CopyInto duplicates every page of src into dst, splitting three ways on
// the page kind:
//
//   - UNINIT pages are recreated with the same initializer, so the child
//     lazily loads its own copy the first time it's touched.
//   - ANON pages are eagerly claimed in both parent and child and their
//     contents copied; fork here is eager duplication, not copy-on-write.
//   - FILE pages are duplicated with a freshly reopened file handle but
//     share the parent's resident frame directly — both processes observe
//     the same physical page until one of them unmaps it.
func (dst *AddressSpace) CopyInto(src *AddressSpace) error {
	src.Lock_pmap()
	type entry struct {
		va uintptr
		p  *Page
	}
	var entries []entry
	src.pages.Range(func(va uintptr, p *Page) bool {
		entries = append(entries, entry{va, p})
		return true
	})
	src.Unlock_pmap()

	for _, e := range entries {
		p := e.p
		switch p.Kind {
		case Uninit:
			if err := dst.AllocPageWithInitializer(p.VA, p.Writable, p.next, p.init); err != nil {
				return fmt.Errorf("vm: fork copy uninit page %#x: %w", p.VA, err)
			}
		case Anon:
			if _, err := src.doClaim(p); err != nil {
				return fmt.Errorf("vm: fork claim source anon page %#x: %w", p.VA, err)
			}
			if err := dst.AllocPageWithInitializer(p.VA, p.Writable, Anon, nil); err != nil {
				return fmt.Errorf("vm: fork copy anon page %#x: %w", p.VA, err)
			}
			dp, _ := dst.FindPage(p.VA)
			if _, err := dst.doClaim(dp); err != nil {
				return fmt.Errorf("vm: fork claim dest anon page %#x: %w", p.VA, err)
			}
			copy(dp.frame.KVA(dst.pool), p.frame.KVA(src.pool))
		case File:
			reopened, err := p.file.Reopen()
			if err != nil {
				return fmt.Errorf("vm: fork reopen file for page %#x: %w", p.VA, err)
			}
			np := &Page{
				VA: p.VA, Writable: p.Writable, Kind: File, swapSlot: -1, as: dst,
				file: reopened, fileOffset: p.fileOffset, readBytes: p.readBytes,
				runLen: p.runLen, frame: p.frame,
			}
			if err := dst.InsertPage(np); err != nil {
				return fmt.Errorf("vm: fork copy file page %#x: %w", p.VA, err)
			}
		}
	}
	return nil
}
