// Package placement implements the bump allocator used to hand out memory
// before the kernel heap exists: the frame bitmap, the kernel page
// directory and its early page tables are all carved out of the region
// immediately following the loaded kernel image via this allocator.
//
// Once the heap is constructed it registers itself via SetHeapAllocator and
// every subsequent call is transparently delegated to it; placement
// allocations are never freed.
package placement

import "tinykern/kernel/mem"

// heapAllocFn, once non-nil, receives every allocation request instead of
// the bump allocator below. It mirrors the reference kmalloc_int's runtime
// check of the global heap pointer.
var heapAllocFn func(size mem.Size, pageAlign bool) (addr uintptr, physAddr uintptr)

// address tracks the next address that will be handed out by the bump
// allocator. It is seeded by Init with the linker-provided end of the
// loaded kernel image.
var address uintptr

// Init seeds the bump allocator with the first free address after the
// loaded kernel image, as supplied by the (out of scope) linker/boot
// sequence.
func Init(kernelEnd uintptr) {
	address = kernelEnd
}

// SetHeapAllocator registers the function that the kernel heap exposes once
// it has been constructed. After this call every KMalloc/KMallocPhys
// request is serviced by the heap instead of the bump allocator, matching
// spec's placement-to-heap handoff.
func SetHeapAllocator(fn func(size mem.Size, pageAlign bool) (uintptr, uintptr)) {
	heapAllocFn = fn
}

// Address returns the current bump-allocator watermark. It is exposed
// mainly for diagnostics and tests; callers should use KMalloc.
func Address() uintptr {
	return address
}

// alignUp rounds addr up to the next page boundary.
func alignUp(addr uintptr) uintptr {
	mask := uintptr(mem.PageSize - 1)
	return (addr + mask) &^ mask
}

// kmallocInt is the single allocation gateway shared between the bump
// allocator and the heap, mirroring the reference kmalloc_int: while the
// heap has not registered itself every call bumps `address`; physAddr
// equals addr because the kernel is identity-mapped at this stage.
func kmallocInt(size mem.Size, pageAlign bool) (addr uintptr, physAddr uintptr) {
	if heapAllocFn != nil {
		return heapAllocFn(size, pageAlign)
	}

	if pageAlign && address&uintptr(mem.PageSize-1) != 0 {
		address = alignUp(address)
	}

	addr = address
	address += uintptr(size)
	return addr, addr
}

// KMalloc returns the address of a size-byte allocation, optionally
// page-aligned.
func KMalloc(size mem.Size, pageAlign bool) uintptr {
	addr, _ := kmallocInt(size, pageAlign)
	return addr
}

// KMallocPhys behaves like KMalloc but also returns the physical address of
// the allocation (identical to the virtual address while the kernel is
// identity-mapped, i.e. always before paging is enabled).
func KMallocPhys(size mem.Size, pageAlign bool) (addr uintptr, physAddr uintptr) {
	return kmallocInt(size, pageAlign)
}
