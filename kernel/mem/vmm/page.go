package vmm

import (
	"unsafe"

	"tinykern/kernel"
	"tinykern/kernel/cpu"
	"tinykern/kernel/mem"
	"tinykern/kernel/mem/placement"
	"tinykern/kernel/mem/pmm"
)

// tableSharedFlags are ORed into a table's physical word alongside its
// address: present, rw, user. The reference constant 0x07 is these three
// bits.
const tableSharedFlags = uint32(FlagPresent | FlagRW | FlagUser)

var (
	// allocFrameFn and freeFrameFn are mocked by tests and automatically
	// inlined by the compiler when building the kernel.
	allocFrameFn = (*pmm.BitmapAllocator).AllocFrame
	freeFrameFn  = (*pmm.BitmapAllocator).FreeFrame

	// allocPageFn allocates a page-aligned, zeroed region and returns its
	// virtual and physical addresses. It defaults to the placement
	// allocator and is overridden in tests.
	allocPageFn = placement.KMallocPhys

	frames *pmm.BitmapAllocator

	errOutOfMemory = &kernel.Error{Module: "vmm", Message: "physical memory exhausted"}
)

// SetFrameAllocator registers the bitmap allocator used to satisfy
// AllocFrame/FreeFrame requests.
func SetFrameAllocator(a *pmm.BitmapAllocator) {
	frames = a
}

// AllocFrame implements spec's alloc_frame: if pte already names a frame
// this is a no-op; otherwise the lowest free physical frame is reserved and
// installed with present=1, rw=1, user=!isKernel. isWriteable is accepted
// for interface parity with the reference implementation but ignored: pages
// are always mapped writeable, exactly as observed there.
func AllocFrame(pte *PTE, isKernel, isWriteable bool) {
	if pte.Frame() != 0 || pte.HasFlags(FlagPresent) {
		return
	}

	f := allocFrameFn(frames)
	if !f.Valid() {
		kernel.Panic(errOutOfMemory)
		return
	}

	pte.SetFrame(f)
	pte.SetFlags(FlagPresent | FlagRW)
	if !isKernel {
		pte.SetFlags(FlagUser)
	}
}

// FreeFrame releases the physical frame referenced by pte back to the
// allocator and clears the entry's frame bits.
func FreeFrame(pte *PTE) {
	if !pte.HasFlags(FlagPresent) {
		return
	}

	freeFrameFn(frames, pte.Frame())
	pte.ClearFlags(FlagPresent)
	pte.SetFrame(0)
}

// allocPageTable reserves a page-aligned, zeroed PageTable and returns both
// a usable Go pointer to it and its physical address.
func allocPageTable() (*PageTable, uintptr) {
	addr, phys := allocPageFn(mem.PageSize, true)
	kernel.Memset(addr, 0, uintptr(mem.PageSize))
	return (*PageTable)(unsafe.Pointer(addr)), phys
}

// allocDirectory reserves a page directory, zeroes it and computes
// physicalAddr from the offset between the directory's base address and its
// tablesPhysical array, exactly as clone_directory must when building a new
// directory from scratch.
func allocDirectory() *PageDirectory {
	size := mem.Size(unsafe.Sizeof(PageDirectory{}))
	addr, phys := allocPageFn(size, true)
	kernel.Memset(addr, 0, uintptr(size))

	dir := (*PageDirectory)(unsafe.Pointer(addr))
	dir.physicalAddr = phys + unsafe.Offsetof(dir.tablesPhysical)
	return dir
}

// tableIndex splits a virtual address into its directory index (upper 10
// bits of the page number) and its page index (lower 10 bits).
func tableIndex(virtAddr uintptr) (tableIdx, pageIdx uintptr) {
	pageNumber := virtAddr >> mem.PageShift
	return (pageNumber >> 10) & 0x3FF, pageNumber & 0x3FF
}

// GetPage returns the page table entry that corresponds to virtAddr within
// dir. If the covering page table does not exist yet and make is false, nil
// is returned. If make is true a fresh page-aligned table is allocated
// (not yet backed by any frame) and installed in the directory before its
// entry is returned.
func GetPage(virtAddr uintptr, make_ bool, dir *PageDirectory) *PTE {
	tableIdx, pageIdx := tableIndex(virtAddr)

	if dir.tables[tableIdx] != nil {
		return &dir.tables[tableIdx].Entries[pageIdx]
	}

	if !make_ {
		return nil
	}

	table, phys := allocPageTable()
	dir.tables[tableIdx] = table
	dir.tablesPhysical[tableIdx] = uint32(phys) | tableSharedFlags
	return &table.Entries[pageIdx]
}

// SwitchPageDirectory installs dir as the active page directory: it loads
// its physical address into CR3 and (re)enables paging. This is the only
// routine allowed to toggle CR0.PG after boot.
func SwitchPageDirectory(dir *PageDirectory) {
	currentDirectory = dir
	switchPDTFn(dir.physicalAddr)
}

// CloneDirectory produces a new page directory that mirrors src: entries
// that are shared with the kernel directory (identified by pointer
// identity) are borrowed rather than copied, while every other table is
// deep-cloned via CloneTable so writes in the new directory never affect
// src.
func CloneDirectory(src *PageDirectory) *PageDirectory {
	dst := allocDirectory()

	for i := range src.tables {
		if src.tables[i] == nil {
			continue
		}

		if kernelDirectory != nil && src.tables[i] == kernelDirectory.tables[i] {
			dst.tables[i] = src.tables[i]
			dst.tablesPhysical[i] = src.tablesPhysical[i]
			continue
		}

		dst.tables[i], dst.tablesPhysical[i] = CloneTable(src.tables[i])
	}

	return dst
}

// CloneTable deep-copies src: every entry with a mapped frame gets a fresh
// physical frame, the per-frame flag bits (present, rw, user, accessed,
// dirty) are copied across, and the frame's contents are duplicated via the
// architecture's physical memcpy primitive.
func CloneTable(src *PageTable) (*PageTable, uint32) {
	dst, phys := allocPageTable()

	for i := range src.Entries {
		srcEntry := src.Entries[i]
		if srcEntry.Frame() == 0 {
			continue
		}

		newFrame := allocFrameFn(frames)
		if !newFrame.Valid() {
			kernel.Panic(errOutOfMemory)
			return dst, uint32(phys) | tableSharedFlags
		}

		dst.Entries[i].SetFrame(newFrame)
		dst.Entries[i].SetFlags(PTEFlag(uint32(srcEntry) & uint32(frameFlagMask)))
		copyPagePhysicalFn(srcEntry.Frame().Address(), newFrame.Address())
	}

	return dst, uint32(phys) | tableSharedFlags
}

var (
	currentDirectory *PageDirectory
	kernelDirectory  *PageDirectory

	switchPDTFn       = cpu.SwitchPDT
	copyPagePhysicalFn = cpu.CopyPagePhysical
)

// CurrentDirectory returns the page directory that is currently active.
func CurrentDirectory() *PageDirectory {
	return currentDirectory
}

// SetCurrentDirectory records dir as the active page directory without
// loading CR3. The task switcher uses it immediately before invoking the
// resume primitive, which stages CR3 itself together with the rest of the
// new task's register state.
func SetCurrentDirectory(dir *PageDirectory) {
	currentDirectory = dir
}

// KernelDirectory returns the process-wide kernel page directory built by
// Init. Its non-reserved tables are shared (borrowed, never copied) by
// every directory produced via CloneDirectory.
func KernelDirectory() *PageDirectory {
	return kernelDirectory
}
