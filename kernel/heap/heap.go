package heap

import (
	"unsafe"

	"tinykern/kernel"
	"tinykern/kernel/mem"
	"tinykern/kernel/mem/vmm"
)

// header precedes every live region (hole or allocated block) in the heap.
type header struct {
	magic  uint32
	size   uint32
	isHole uint8
}

// footer closes every live region and points back to its header so that
// Free can locate neighbouring regions in O(1) without scanning.
type footer struct {
	magic  uint32
	header uintptr
}

var (
	headerSize = uintptr(unsafe.Sizeof(header{}))
	footerSize = uintptr(unsafe.Sizeof(footer{}))

	// mapHeapPageFn and unmapHeapPageFn back (or release) a single heap
	// page with a physical frame. They are mocked by tests, which run the
	// heap over a pre-pinned arena instead of real page tables.
	mapHeapPageFn = func(addr uintptr, supervisor, writeable bool) {
		pte := vmm.GetPage(addr, true, vmm.CurrentDirectory())
		vmm.AllocFrame(pte, supervisor, writeable)
	}
	unmapHeapPageFn = func(addr uintptr) {
		if pte := vmm.GetPage(addr, false, vmm.CurrentDirectory()); pte != nil {
			vmm.FreeFrame(pte)
		}
	}

	errHeapRangeUnaligned = &kernel.Error{Module: "heap", Message: "heap start/end address must be page-aligned"}
	errHeapRangeInvalid   = &kernel.Error{Module: "heap", Message: "heap range must satisfy start <= end <= max and be at least HeapMinSize bytes"}
	errHeapCorrupt        = &kernel.Error{Module: "heap", Message: "heap region header/footer magic mismatch"}
	errHeapExhausted      = &kernel.Error{Module: "heap", Message: "heap cannot grow past its maximum address"}
)

func headerAt(addr uintptr) *header { return (*header)(unsafe.Pointer(addr)) }
func footerAt(addr uintptr) *footer { return (*footer)(unsafe.Pointer(addr)) }

func alignUp(addr uintptr) uintptr {
	mask := uintptr(mem.PageSize - 1)
	return (addr + mask) &^ mask
}

// writeHole stamps a hole header/footer pair spanning size bytes starting
// at addr.
func writeHole(addr uintptr, size uint32) {
	hdr := headerAt(addr)
	hdr.magic = mem.HeapMagic
	hdr.isHole = 1
	hdr.size = size

	ftr := footerAt(addr + uintptr(size) - footerSize)
	ftr.magic = mem.HeapMagic
	ftr.header = addr
}

// writeBlock stamps an allocated-block header/footer pair spanning size
// bytes starting at addr.
func writeBlock(addr uintptr, size uint32) {
	hdr := headerAt(addr)
	hdr.magic = mem.HeapMagic
	hdr.isHole = 0
	hdr.size = size

	ftr := footerAt(addr + uintptr(size) - footerSize)
	ftr.magic = mem.HeapMagic
	ftr.header = addr
}

// holeSizeLess is the index predicate used by every Heap: holes are ordered
// by size ascending.
func holeSizeLess(a, b uintptr) bool {
	return headerAt(a).size < headerAt(b).size
}

// Heap is a first-fit (smallest-hole) allocator over a fixed virtual
// address range, backed on demand by physical frames via the vmm package.
type Heap struct {
	index *OrderedIndex

	startAddress uintptr
	endAddress   uintptr
	maxAddress   uintptr

	supervisor bool
	readonly   bool
}

// CreateHeap places a new heap's index at start and constructs a single
// hole spanning the rest of [start, end). start and end must already be
// page-aligned and every page in between must already be mapped (expand
// relies on this only changing for new pages past end).
func CreateHeap(start, end, max uintptr, supervisor, readonly bool) *Heap {
	kernel.Assert(start%uintptr(mem.PageSize) == 0 && end%uintptr(mem.PageSize) == 0, errHeapRangeUnaligned)
	kernel.Assert(start <= end && end <= max && end-start >= uintptr(mem.HeapMinSize), errHeapRangeInvalid)

	h := &Heap{
		maxAddress: max,
		supervisor: supervisor,
		readonly:   readonly,
	}

	h.index = PlaceOrderedIndex(start, mem.HeapIndexSize, holeSizeLess)

	dataStart := start + uintptr(mem.HeapIndexSize)*unsafe.Sizeof(uintptr(0))
	dataStart = alignUp(dataStart)

	h.startAddress = dataStart
	h.endAddress = end

	writeHole(dataStart, uint32(end-dataStart))
	h.index.Insert(dataStart)

	return h
}

// findSmallestHole scans the index in ascending size order and returns the
// first hole whose usable size (after accounting for page-alignment slack,
// if requested) is at least size. Sizes are treated as unsigned throughout,
// correcting the reference implementation's signed/unsigned comparison bug.
func (h *Heap) findSmallestHole(size uint32, pageAlign bool) (addr uintptr, idxPos int, ok bool) {
	for i := 0; i < h.index.size; i++ {
		candidate := h.index.items[i]
		usable := headerAt(candidate).size

		if pageAlign {
			payloadStart := candidate + headerSize
			offset := uint32(alignUp(payloadStart) - payloadStart)
			if usable < offset {
				continue
			}
			usable -= offset
		}

		if usable >= size {
			return candidate, i, true
		}
	}
	return 0, 0, false
}

// growOrCreateEndingHole is called after expand() has moved endAddress
// forward by delta bytes: if the index already contains a hole that abuts
// the old end address it is enlarged in place, otherwise a brand new hole
// is created to cover the freshly-mapped space.
func (h *Heap) growOrCreateEndingHole(oldEnd uintptr) {
	delta := uint32(h.endAddress - oldEnd)

	maxAddr := uintptr(0)
	maxIdx := -1
	for i := 0; i < h.index.size; i++ {
		if h.index.items[i] > maxAddr {
			maxAddr = h.index.items[i]
			maxIdx = i
		}
	}

	if maxIdx == -1 || maxAddr+uintptr(headerAt(maxAddr).size) != oldEnd {
		writeHole(oldEnd, delta)
		h.index.Insert(oldEnd)
		return
	}

	hdr := headerAt(maxAddr)
	hdr.size += delta
	ftr := footerAt(maxAddr + uintptr(hdr.size) - footerSize)
	ftr.magic = mem.HeapMagic
	ftr.header = maxAddr
}

// expand grows the heap so that its total size (end-start) becomes
// newTotalSize, rounded up to a page multiple, and maps a physical frame
// for every newly-covered page.
func (h *Heap) expand(newTotalSize mem.Size) {
	rounded := (uintptr(newTotalSize) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	kernel.Assert(h.startAddress+rounded <= h.maxAddress, errHeapExhausted)

	for addr := h.endAddress; addr < h.startAddress+rounded; addr += uintptr(mem.PageSize) {
		mapHeapPageFn(addr, h.supervisor, !h.readonly)
	}
	h.endAddress = h.startAddress + rounded
}

// Contract shrinks the heap so that its total size becomes newSize
// (rounded down to a page multiple and clamped to HeapMinSize), releasing
// the frames backing the reclaimed pages. It is a real, correct
// implementation kept callable for completeness, but heap contraction is
// never invoked by Free: the reference implementation explicitly skips
// contraction and this design preserves that choice.
func (h *Heap) Contract(newSize mem.Size) mem.Size {
	if uintptr(newSize) > h.endAddress-h.startAddress {
		return mem.Size(h.endAddress - h.startAddress)
	}

	rounded := uintptr(newSize) &^ uintptr(mem.PageSize-1)
	if rounded < uintptr(mem.HeapMinSize) {
		rounded = uintptr(mem.HeapMinSize)
	}

	oldEnd := h.endAddress
	newEnd := h.startAddress + rounded
	for addr := newEnd; addr < oldEnd; addr += uintptr(mem.PageSize) {
		unmapHeapPageFn(addr)
	}

	h.endAddress = newEnd
	return mem.Size(rounded)
}

// Alloc reserves size bytes (plus header/footer overhead) from the heap and
// returns the address of the usable payload. If pageAlign is set, the
// returned address is guaranteed to be page-aligned.
func (h *Heap) Alloc(size uint32, pageAlign bool) uintptr {
	total := size + uint32(headerSize) + uint32(footerSize)

	holeAddr, holeIdx, ok := h.findSmallestHole(total, pageAlign)
	for !ok {
		// No hole fits: grow the heap and retry. An aligned request can
		// still miss after one round if the alignment slack eats the new
		// space, so this loops; expand panics once maxAddress is hit.
		oldEnd := h.endAddress
		h.expand(mem.Size(h.endAddress-h.startAddress) + mem.Size(total))
		h.growOrCreateEndingHole(oldEnd)

		holeAddr, holeIdx, ok = h.findSmallestHole(total, pageAlign)
	}

	h.index.Remove(holeIdx)

	origSize := headerAt(holeAddr).size
	blockAddr := holeAddr

	if pageAlign {
		payloadStart := holeAddr + headerSize
		aligned := alignUp(payloadStart)
		offset := aligned - payloadStart

		if offset > 0 {
			if offset >= headerSize+footerSize {
				// the slack is large enough to carry its own
				// header/footer: carve it off as a standalone hole.
				writeHole(holeAddr, uint32(offset))
				h.index.Insert(holeAddr)
				blockAddr = holeAddr + offset
				origSize -= uint32(offset)
			} else {
				// too small to track as a hole of its own; the slack is
				// absorbed into the block by shifting the block's own
				// header forward. This leaves a few untracked bytes
				// before blockAddr, bounded by sizeof(header)+sizeof(footer).
				blockAddr = aligned - headerSize
				origSize -= uint32(offset)
			}
		}
	}

	if origSize-total < uint32(headerSize+footerSize) {
		// not enough left over for a standalone trailing hole: round the
		// block up to consume the entire original hole.
		total = origSize
	}

	writeBlock(blockAddr, total)

	if remaining := origSize - total; remaining > 0 {
		trailerAddr := blockAddr + uintptr(total)
		writeHole(trailerAddr, remaining)
		h.index.Insert(trailerAddr)
	}

	return blockAddr + headerSize
}

// Free releases a previously-allocated payload pointer back to the heap,
// coalescing with an adjacent hole to the left and/or right.
func (h *Heap) Free(payload uintptr) {
	if payload == 0 {
		return
	}

	hdrAddr := payload - headerSize
	hdr := headerAt(hdrAddr)
	ftr := footerAt(hdrAddr + uintptr(hdr.size) - footerSize)

	kernel.Assert(hdr.magic == mem.HeapMagic && ftr.magic == mem.HeapMagic, errHeapCorrupt)

	hdr.isHole = 1
	addToIndex := true

	if hdrAddr >= h.startAddress+footerSize {
		prevFtr := footerAt(hdrAddr - footerSize)
		if prevFtr.magic == mem.HeapMagic {
			prevHdr := headerAt(prevFtr.header)
			if prevHdr.isHole == 1 {
				prevHdr.size += hdr.size
				ftr.header = prevFtr.header
				hdrAddr = prevFtr.header
				hdr = prevHdr
				addToIndex = false
			}
		}
	}

	nextHdrAddr := hdrAddr + uintptr(hdr.size)
	if nextHdrAddr+headerSize <= h.endAddress {
		nextHdr := headerAt(nextHdrAddr)
		if nextHdr.magic == mem.HeapMagic && nextHdr.isHole == 1 {
			hdr.size += nextHdr.size
			newFtr := footerAt(hdrAddr + uintptr(hdr.size) - footerSize)
			newFtr.magic = mem.HeapMagic
			newFtr.header = hdrAddr
			h.index.removeValue(nextHdrAddr)
		}
	}

	if addToIndex {
		h.index.Insert(hdrAddr)
	}
}

// KMalloc allocates size bytes with no alignment requirement.
func (h *Heap) KMalloc(size mem.Size) uintptr {
	return h.Alloc(uint32(size), false)
}

// KMallocAlign allocates size bytes, page-aligning the returned address.
func (h *Heap) KMallocAlign(size mem.Size) uintptr {
	return h.Alloc(uint32(size), true)
}

// KMallocPhys allocates size bytes and additionally returns the physical
// address backing the allocation.
func (h *Heap) KMallocPhys(size mem.Size) (addr uintptr, physAddr uintptr) {
	addr = h.Alloc(uint32(size), false)
	physAddr, _ = vmm.Translate(addr)
	return addr, physAddr
}

// KMallocAP (align + phys) allocates size bytes, page-aligning the returned
// address and also returning its physical address.
func (h *Heap) KMallocAP(size mem.Size) (addr uintptr, physAddr uintptr) {
	addr = h.Alloc(uint32(size), true)
	physAddr, _ = vmm.Translate(addr)
	return addr, physAddr
}

// KFree releases an allocation made through any of the KMalloc* methods.
func (h *Heap) KFree(addr uintptr) {
	h.Free(addr)
}

// Allocate matches the signature that kernel/mem/placement.SetHeapAllocator
// expects, letting the placement package hand every post-construction
// request to this heap.
func (h *Heap) Allocate(size mem.Size, pageAlign bool) (uintptr, uintptr) {
	if pageAlign {
		return h.KMallocAP(size)
	}
	return h.KMallocPhys(size)
}

// Stats is a read-only snapshot of the heap's current utilization.
type Stats struct {
	LiveBytes uint64
	HoleBytes uint64
	Regions   int
}

// Stats walks every region in the heap and reports how much of it is live
// versus free. Tests use it to check the heap-integrity invariant (every
// region accounted for, sizes summing to end-start).
func (h *Heap) Stats() Stats {
	var s Stats
	for addr := h.startAddress; addr < h.endAddress; {
		hdr := headerAt(addr)
		s.Regions++
		if hdr.isHole == 1 {
			s.HoleBytes += uint64(hdr.size)
		} else {
			s.LiveBytes += uint64(hdr.size)
		}
		addr += uintptr(hdr.size)
	}
	return s
}
