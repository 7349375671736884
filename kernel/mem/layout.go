package mem

// Layout constants shared between the paging and heap subsystems. They are
// kept here, rather than inside either package, so that vmm (which the heap
// depends on for demand mapping) never needs to import the heap package.
const (
	// KHeapStart is the virtual address where the kernel heap begins.
	KHeapStart = uintptr(0xC0000000)

	// KHeapInitialSize is the size, in bytes, of the heap range that paging
	// initialisation gives page tables and backs with frames.
	KHeapInitialSize = Size(0x100000)

	// KHeapMax is the highest virtual address the heap is allowed to grow
	// into.
	KHeapMax = uintptr(0xCFFFF000)

	// HeapIndexSize is the capacity, in entries, of the heap's ordered
	// index of holes.
	HeapIndexSize = 0x20000

	// HeapMagic tags every live heap header/footer; any mismatch indicates
	// heap corruption.
	HeapMagic = uint32(0x123890AB)

	// HeapMinSize is the minimum distance between a heap's start and end
	// address.
	HeapMinSize = Size(0x70000)

	// KernelStackSize is the size, in bytes, of the relocated kernel
	// stack used once tasking is initialised.
	KernelStackSize = Size(2048)
)
