// Package vmm implements the two-level x86 paging model: page tables and
// directories, virtual-to-physical translation, on-demand frame mapping,
// page directory cloning (for fork) and the page-fault report path.
package vmm

import "tinykern/kernel/mem/pmm"

// PTEFlag describes a flag bit of a page table entry.
type PTEFlag uint32

const (
	// FlagPresent marks a page table entry as mapped to a physical frame.
	FlagPresent PTEFlag = 1 << 0
	// FlagRW marks a page as writeable; absent, the page is read-only.
	FlagRW PTEFlag = 1 << 1
	// FlagUser marks a page as accessible from ring 3; absent, the page
	// is supervisor-only.
	FlagUser PTEFlag = 1 << 2
	// FlagAccessed is set by the MMU on the first access to the page.
	FlagAccessed PTEFlag = 1 << 5
	// FlagDirty is set by the MMU on the first write to the page.
	FlagDirty PTEFlag = 1 << 6
)

// frameFlagMask covers every per-frame flag bit that clone_table copies
// verbatim from the source entry: present, rw, user, accessed, dirty.
const frameFlagMask = FlagPresent | FlagRW | FlagUser | FlagAccessed | FlagDirty

// frameAddrMask selects the top 20 bits of a PTE: the physical frame number.
const frameAddrMask = uint32(0xFFFFF000)

// PTE is a single 32-bit page table entry: present/rw/user/accessed/dirty
// flags in the low bits, a 20-bit physical frame number in the high bits.
// Unused fields are always zero.
type PTE uint32

// HasFlags returns true if every bit in flags is set.
func (e PTE) HasFlags(flags PTEFlag) bool {
	return uint32(e)&uint32(flags) == uint32(flags)
}

// SetFlags sets the given flags, leaving every other bit untouched.
func (e *PTE) SetFlags(flags PTEFlag) {
	*e = PTE(uint32(*e) | uint32(flags))
}

// ClearFlags clears the given flags, leaving every other bit untouched.
func (e *PTE) ClearFlags(flags PTEFlag) {
	*e = PTE(uint32(*e) &^ uint32(flags))
}

// Frame returns the physical frame this entry points to.
func (e PTE) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(uint32(e) & frameAddrMask))
}

// SetFrame rewrites the frame-number bits of the entry, leaving its flags
// untouched.
func (e *PTE) SetFrame(f pmm.Frame) {
	*e = PTE((uint32(*e) &^ frameAddrMask) | uint32(f.Address()))
}

// PageTable holds 1024 page table entries; on a 32-bit system this is
// exactly one 4KiB page and must be page-aligned and physically contiguous.
type PageTable struct {
	Entries [1024]PTE
}

// PageDirectory is the top-level, two-array page directory described in the
// design: tables holds Go pointers for software traversal while
// tablesPhysical holds the raw hardware words (table physical address ORed
// with the present|rw|user bits) that the MMU actually reads. physicalAddr
// is the physical address of the tablesPhysical array itself and is what
// gets loaded into CR3.
type PageDirectory struct {
	tables         [1024]*PageTable
	tablesPhysical [1024]uint32
	physicalAddr   uintptr
}

// PhysicalAddr returns the address to load into CR3 to activate this
// directory.
func (d *PageDirectory) PhysicalAddr() uintptr {
	return d.physicalAddr
}
