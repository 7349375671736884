package pmm

import (
	"reflect"
	"unsafe"

	"tinykern/kernel"
	"tinykern/kernel/kfmt/early"
	"tinykern/kernel/mem"
	"tinykern/kernel/sync"
)

// PhysMemSize is the hard-coded physical memory ceiling for this kernel.
// The reference implementation targets a fixed-size 16MiB machine; reading
// a real memory map is explicitly out of scope for this allocator.
const PhysMemSize = 16 * mem.Mb

// wordBits is the number of frames tracked by a single bitmap word.
const wordBits = 32

var (
	errOutOfFrames = &kernel.Error{Module: "pmm", Message: "no free frames available"}
)

// BitmapAllocator is a frame allocator backed by a bitmap with one bit per
// physical frame; a set bit means the frame is allocated. It owns the
// bitmap exclusively: all allocations and releases mutate it under a
// spinlock, matching the single-writer discipline the rest of the kernel
// relies on for process-wide state.
type BitmapAllocator struct {
	lock sync.Spinlock

	nframes   uint32
	freeCount uint32
	bitmap    []uint32
	bitmapHdr reflect.SliceHeader
}

// Init reserves (via allocFn, expected to be a placement-style bump
// allocator since the bitmap must exist before the heap does) and zeroes a
// bitmap large enough to track every frame in the first PhysMemSize bytes of
// physical memory.
func (a *BitmapAllocator) Init(allocFn func(size mem.Size) uintptr) {
	a.nframes = uint32(PhysMemSize >> mem.PageShift)
	a.freeCount = a.nframes

	words := (a.nframes + wordBits - 1) / wordBits
	addr := allocFn(mem.Size(words) * mem.Size(unsafe.Sizeof(uint32(0))))

	a.bitmapHdr = reflect.SliceHeader{Data: addr, Len: int(words), Cap: int(words)}
	a.bitmap = *(*[]uint32)(unsafe.Pointer(&a.bitmapHdr))
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
}

// testFrame returns true if the bit for frame is set.
func (a *BitmapAllocator) testFrame(f Frame) bool {
	return a.bitmap[uint32(f)/wordBits]&(1<<(uint32(f)%wordBits)) != 0
}

func (a *BitmapAllocator) setFrame(f Frame) {
	a.bitmap[uint32(f)/wordBits] |= 1 << (uint32(f) % wordBits)
}

func (a *BitmapAllocator) clearFrame(f Frame) {
	a.bitmap[uint32(f)/wordBits] &^= 1 << (uint32(f) % wordBits)
}

// firstFrame scans the bitmap for the lowest-indexed clear bit. It returns
// InvalidFrame when every tracked frame is allocated; exhaustion is always
// reported to the caller rather than silently returning a bogus frame,
// correcting the reference implementation's missing out-of-memory path
// (spec.md 9).
func (a *BitmapAllocator) firstFrame() Frame {
	for wordIdx, word := range a.bitmap {
		if word == 0xFFFFFFFF {
			continue
		}
		for bit := uint32(0); bit < wordBits; bit++ {
			if word&(1<<bit) == 0 {
				return Frame(uint32(wordIdx)*wordBits + bit)
			}
		}
	}
	return InvalidFrame
}

// AllocFrame reserves and returns the lowest-indexed free frame, marking it
// allocated in the bitmap. It panics if no frame is available; frame
// exhaustion is always fatal in this kernel.
func (a *BitmapAllocator) AllocFrame() Frame {
	a.lock.Acquire()
	defer a.lock.Release()

	f := a.firstFrame()
	if !f.Valid() {
		kernel.Panic(errOutOfFrames)
		return InvalidFrame
	}

	a.setFrame(f)
	a.freeCount--
	return f
}

// FreeFrame clears the bitmap bit for f. Freeing a frame that was not
// allocated is a benign no-op.
func (a *BitmapAllocator) FreeFrame(f Frame) {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.testFrame(f) {
		return
	}
	a.clearFrame(f)
	a.freeCount++
}

// Stats reports the total and free frame counts tracked by the allocator.
type Stats struct {
	TotalFrames uint32
	FreeFrames  uint32
}

// Stats returns a snapshot of the allocator's current utilization.
func (a *BitmapAllocator) Stats() Stats {
	return Stats{TotalFrames: a.nframes, FreeFrames: a.freeCount}
}

// PrintStats logs a short summary of the allocator state via the early
// console, mirroring the teacher's BitmapAllocator.printStats.
func (a *BitmapAllocator) PrintStats() {
	s := a.Stats()
	early.Printf("[pmm] frames: %d total, %d free, %d reserved\n", s.TotalFrames, s.FreeFrames, s.TotalFrames-s.FreeFrames)
}
