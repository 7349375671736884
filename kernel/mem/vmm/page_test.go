package vmm

import (
	"testing"
	"unsafe"

	"tinykern/kernel/mem"
	"tinykern/kernel/mem/pmm"
)

// testArena hands out page-aligned, zero-cleared memory for the duration of
// a single test in place of the real placement/heap allocator.
type testArena struct {
	buf    []byte // pins the backing array so it outlives the raw addresses below
	base   uintptr
	cursor uintptr
}

func newTestArena(pages int) *testArena {
	// over-allocate so we can always round up to a page boundary inside it.
	buf := make([]byte, (pages+2)*int(mem.PageSize))
	base := uintptr(unsafe.Pointer(&buf[0]))
	return &testArena{buf: buf, base: base, cursor: base}
}

func (a *testArena) alloc(size mem.Size, pageAlign bool) (uintptr, uintptr) {
	if pageAlign {
		mask := uintptr(mem.PageSize - 1)
		a.cursor = (a.cursor + mask) &^ mask
	}
	addr := a.cursor
	a.cursor += uintptr(size)
	return addr, addr
}

func withTestAllocators(t *testing.T, pages int) (*testArena, func()) {
	arena := newTestArena(pages)

	origAllocPage := allocPageFn
	origAllocFrame := allocFrameFn
	origFreeFrame := freeFrameFn
	origSwitchPDT := switchPDTFn
	origCopyPhys := copyPagePhysicalFn
	origKernelDir := kernelDirectory
	origCurrentDir := currentDirectory

	allocPageFn = arena.alloc

	var nextFrame pmm.Frame
	allocFrameFn = func(*pmm.BitmapAllocator) pmm.Frame {
		f := nextFrame
		nextFrame++
		return f
	}
	freeFrameFn = func(*pmm.BitmapAllocator, pmm.Frame) {}
	switchPDTFn = func(uintptr) {}
	copyPagePhysicalFn = func(uintptr, uintptr) {}

	return arena, func() {
		allocPageFn = origAllocPage
		allocFrameFn = origAllocFrame
		freeFrameFn = origFreeFrame
		switchPDTFn = origSwitchPDT
		copyPagePhysicalFn = origCopyPhys
		kernelDirectory = origKernelDir
		currentDirectory = origCurrentDir
	}
}

func TestGetPageCreatesTableOnDemand(t *testing.T) {
	_, restore := withTestAllocators(t, 32)
	defer restore()

	dir := allocDirectory()

	if pte := GetPage(0x1000, false, dir); pte != nil {
		t.Fatal("expected a nil PTE when make is false and no table exists yet")
	}

	pte := GetPage(0x1000, true, dir)
	if pte == nil {
		t.Fatal("expected GetPage(make=true) to create a table and return a PTE")
	}

	// looking the same address up again (without make) must return the
	// same entry.
	again := GetPage(0x1000, false, dir)
	if again != pte {
		t.Fatal("expected a second GetPage lookup to return the same PTE pointer")
	}
}

func TestGetPageDistinctAddressesShareDirectoryEntry(t *testing.T) {
	_, restore := withTestAllocators(t, 32)
	defer restore()

	dir := allocDirectory()

	base := uintptr(0x400000) // 4MiB: start of directory entry 1
	first := GetPage(base, true, dir)
	second := GetPage(base+uintptr(mem.PageSize), true, dir)

	if first == second {
		t.Fatal("expected distinct pages within the same table to map to distinct entries")
	}

	tableIdx, _ := tableIndex(base)
	tableIdx2, _ := tableIndex(base + uintptr(mem.PageSize))
	if tableIdx != tableIdx2 {
		t.Fatalf("expected both addresses to land in the same page table, got %d and %d", tableIdx, tableIdx2)
	}
}

func TestAllocFrameIsNoOpWhenAlreadyMapped(t *testing.T) {
	_, restore := withTestAllocators(t, 32)
	defer restore()

	dir := allocDirectory()
	pte := GetPage(0x2000, true, dir)

	AllocFrame(pte, true, true)
	firstFrame := pte.Frame()

	AllocFrame(pte, true, true)
	if pte.Frame() != firstFrame {
		t.Fatal("expected a second AllocFrame call on an already-mapped PTE to be a no-op")
	}
}

func TestAllocFrameSetsUserFlag(t *testing.T) {
	_, restore := withTestAllocators(t, 32)
	defer restore()

	dir := allocDirectory()

	kernelPTE := GetPage(0x3000, true, dir)
	AllocFrame(kernelPTE, true, true)
	if kernelPTE.HasFlags(FlagUser) {
		t.Fatal("expected a kernel mapping to not have FlagUser set")
	}

	userPTE := GetPage(0x4000, true, dir)
	AllocFrame(userPTE, false, true)
	if !userPTE.HasFlags(FlagUser) {
		t.Fatal("expected a user mapping to have FlagUser set")
	}
}

func TestCloneDirectorySharesKernelTablesAndIsolatesOthers(t *testing.T) {
	_, restore := withTestAllocators(t, 64)
	defer restore()

	kernelDirectory = allocDirectory()
	kernelPTE := GetPage(0x500000, true, kernelDirectory)
	AllocFrame(kernelPTE, true, true)

	userDirSrc := allocDirectory()
	// borrow the kernel's table at the same index, like a freshly-cloned
	// user directory would.
	tableIdx, _ := tableIndex(0x500000)
	userDirSrc.tables[tableIdx] = kernelDirectory.tables[tableIdx]
	userDirSrc.tablesPhysical[tableIdx] = kernelDirectory.tablesPhysical[tableIdx]

	// and owns a private table of its own.
	privatePTE := GetPage(0x800000, true, userDirSrc)
	AllocFrame(privatePTE, false, true)

	clone := CloneDirectory(userDirSrc)

	cloneKernelIdx, _ := tableIndex(0x500000)
	if clone.tables[cloneKernelIdx] != kernelDirectory.tables[cloneKernelIdx] {
		t.Fatal("expected the clone to share (not copy) the kernel's table")
	}

	privateIdx, _ := tableIndex(0x800000)
	if clone.tables[privateIdx] == userDirSrc.tables[privateIdx] {
		t.Fatal("expected the clone's private table to be a distinct allocation")
	}

	srcEntry := userDirSrc.tables[privateIdx].Entries[0x800000>>mem.PageShift&0x3FF]
	dstEntry := clone.tables[privateIdx].Entries[0x800000>>mem.PageShift&0x3FF]
	if srcEntry.Frame() == dstEntry.Frame() {
		t.Fatal("expected clone_table to assign the destination entry a fresh frame")
	}
	if !dstEntry.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected the cloned entry to carry over the present/rw flags")
	}
}

func TestAllocDirectoryPhysicalAddrPointsAtTablesPhysical(t *testing.T) {
	_, restore := withTestAllocators(t, 8)
	defer restore()

	dir := allocDirectory()
	expected := uintptr(unsafe.Pointer(&dir.tablesPhysical[0]))
	if dir.physicalAddr != expected {
		t.Fatalf("expected physicalAddr to point at tablesPhysical; got %x, want %x", dir.physicalAddr, expected)
	}
}
