package vm

import "fmt"

// UserStackTop is the fixed top-of-stack user virtual address.
const UserStackTop = 0x47480000

// UserStackTopForExec is the stack-top address process.Exec maps its
// initial argv-bearing page below; runtime stack growth adds further pages
// beneath it on demand.
const UserStackTopForExec = UserStackTop

// StackGrowthLimit bounds how far below UserStackTop a fault is still
// treated as legitimate stack growth rather than a segfault.
const StackGrowthLimit = 1 << 20

// IsStackAddr reports whether addr is within the stack-growth window below
// rsp: UserStackTop-(1<<20) <= rsp-8 && rsp-8 <= addr && addr <= UserStackTop.
func IsStackAddr(addr, rsp uintptr) bool {
	lower := uintptr(UserStackTop - StackGrowthLimit)
	probe := rsp - 8
	return lower <= probe && probe <= addr && addr <= UserStackTop
}

// HandleFault resolves a page fault at addr: a write to a read-only page
// is rejected; a fault below a mapped page but within the stack growth
// window grows the stack; otherwise the supplemental page table is
// consulted and the page claimed if present. notPresent must be true (this
// simulation never models protection faults on already-present pages). An
// error means the fault could not be resolved, which callers treat as a
// fatal user-program error.
func (as *AddressSpace) HandleFault(addr, rsp uintptr, write, notPresent bool) error {
	if !notPresent {
		return fmt.Errorf("vm: fault on resident page %#x is not handled (no protection faults modeled)", addr)
	}
	if IsStackAddr(addr, rsp) {
		if _, ok := as.FindPage(addr); !ok {
			if err := as.growStack(addr); err != nil {
				return err
			}
		}
	}
	p, ok := as.FindPage(addr)
	if !ok {
		return fmt.Errorf("vm: no mapping for fault address %#x", addr)
	}
	if write && !p.Writable {
		return fmt.Errorf("vm: write fault on read-only page %#x", addr)
	}
	_, err := as.ClaimPage(addr)
	return err
}

// growStack installs a new zero-filled, writable anonymous page at the
// faulting address.
func (as *AddressSpace) growStack(addr uintptr) error {
	return as.AllocPageWithInitializer(addr, true, Anon, nil)
}
