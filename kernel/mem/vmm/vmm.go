package vmm

import (
	"tinykern/kernel"
	"tinykern/kernel/cpu"
	"tinykern/kernel/hal"
	"tinykern/kernel/kfmt/early"
	"tinykern/kernel/mem"
	"tinykern/kernel/mem/placement"
	"tinykern/kernel/mem/pmm"
)

// PageFaultVector is the interrupt vector the CPU raises on a page fault.
const PageFaultVector uint8 = 14

var (
	readCR2Fn = cpu.ReadCR2

	// ErrNotMapped is returned by Translate when the supplied virtual
	// address has no present mapping in the active page directory.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}
)

// Init builds the kernel's page directory, identity-maps everything up to
// the current placement-allocator watermark, allocates page tables for the
// kernel heap's virtual range and backs each of its pages with a frame,
// installs the page-fault handler and finally switches to the new directory
// with paging enabled. heapStart/heapSize describe that heap range.
func Init(frameAllocator *pmm.BitmapAllocator, heapStart uintptr, heapSize mem.Size) {
	SetFrameAllocator(frameAllocator)

	kernelDirectory = allocDirectory()
	currentDirectory = kernelDirectory

	// Pre-allocate (but do not yet frame-back) page tables across the
	// heap's virtual range so that later expansion never needs to
	// allocate a new table while the heap is live.
	for addr := heapStart; addr < heapStart+uintptr(heapSize); addr += uintptr(mem.PageSize) {
		GetPage(addr, true, kernelDirectory)
	}

	// Identity-map everything from 0 up to one page past the placement
	// watermark. The watermark is re-read every iteration: mapping a page
	// can itself allocate a page table from the placement region, and
	// that table must be identity-mapped too before paging goes live.
	for addr := uintptr(0); addr < placement.Address()+uintptr(mem.PageSize); addr += uintptr(mem.PageSize) {
		pte := GetPage(addr, true, kernelDirectory)
		AllocFrame(pte, true, true)
	}

	// Now back every previously-reserved heap page table entry with a
	// real frame.
	for addr := heapStart; addr < heapStart+uintptr(heapSize); addr += uintptr(mem.PageSize) {
		pte := GetPage(addr, false, kernelDirectory)
		AllocFrame(pte, true, true)
	}

	hal.RegisterInterruptHandler(PageFaultVector, pageFaultHandler)

	SwitchPageDirectory(kernelDirectory)
}

// Translate returns the physical address that corresponds to virtAddr under
// the currently active page directory, or ErrNotMapped if no present
// mapping exists.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	tableIdx, pageIdx := tableIndex(virtAddr)
	table := currentDirectory.tables[tableIdx]
	if table == nil {
		return 0, ErrNotMapped
	}

	pte := table.Entries[pageIdx]
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	return pte.Frame().Address() + (virtAddr & uintptr(mem.PageSize-1)), nil
}

// pageFaultHandler is installed against PageFaultVector by Init. Page
// faults are never recoverable in this kernel: the handler decodes the
// fault, logs it and panics.
func pageFaultHandler(errorCode uint32) {
	faultAddr := readCR2Fn()
	early.Printf("\npage fault at 0x%x: %s\n", faultAddr, DecodePageFault(errorCode))
	kernel.Panic(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault"})
}

// DecodePageFault turns the error code the CPU pushes for a vector-14 fault
// into a short, human-readable description. It is factored out of the
// handler above so that the decoding logic is independently testable
// without a real fault.
func DecodePageFault(errorCode uint32) string {
	present := errorCode&0x1 != 0
	write := errorCode&0x2 != 0
	user := errorCode&0x4 != 0
	reserved := errorCode&0x8 != 0
	fetch := errorCode&0x10 != 0

	msg := "page not present"
	if present {
		msg = "page protection violation"
	}

	if write {
		msg += ", write"
	} else {
		msg += ", read"
	}

	if user {
		msg += ", user-mode"
	} else {
		msg += ", supervisor-mode"
	}

	if reserved {
		msg += ", reserved bit set"
	}
	if fetch {
		msg += ", instruction fetch"
	}

	return msg
}
