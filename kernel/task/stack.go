package task

import (
	"unsafe"

	"tinykern/kernel"
	"tinykern/kernel/cpu"
	"tinykern/kernel/mem"
	"tinykern/kernel/mem/vmm"
)

const wordSize = unsafe.Sizeof(uintptr(0))

var (
	// initialESP is the stack top the boot code entered the kernel with.
	// MoveStack uses it to compute how far the live stack contents must
	// shift; it is recorded once, before tasking starts.
	initialESP uintptr

	mapStackPageFn = mapStackPage
	reloadCR3Fn    = cpu.ReloadCR3
	setStackFn     = cpu.SetStackPointers
)

// RecordInitialESP stores the boot-provided stack top. It must be called
// from the boot path before InitialiseTasking runs.
func RecordInitialESP(esp uintptr) {
	initialESP = esp
}

func mapStackPage(addr uintptr) {
	pte := vmm.GetPage(addr, true, vmm.CurrentDirectory())
	vmm.AllocFrame(pte, false, true)
}

// MoveStack maps and zeroes the region [newTop-size, newTop], copies the
// live stack contents there and switches ESP/EBP to the copy.
//
// After the raw copy, every word in the new region whose value falls
// inside the old live stack range (oldESP, initialESP) is rewritten by the
// relocation offset. This catches saved frame pointers and most locals
// that point into the stack, but it is a heuristic: a non-pointer word
// whose value happens to alias that range is corrupted by the rewrite. A
// robust fix-up needs unwind metadata, which this kernel does not carry.
func MoveStack(newTop uintptr, size mem.Size) {
	for addr := newTop; addr >= newTop-uintptr(size); addr -= uintptr(mem.PageSize) {
		mapStackPageFn(addr)
	}

	kernel.Memset(newTop-uintptr(size), 0, uintptr(size))

	// The new mappings live in the current directory already, but the TLB
	// may still hold stale entries for the region.
	reloadCR3Fn()

	oldESP := readESPFn()
	oldEBP := readEBPFn()

	offset := newTop - initialESP
	newESP := oldESP + offset
	newEBP := oldEBP + offset

	kernel.Memcopy(oldESP, newESP, initialESP-oldESP)

	for addr := newTop - wordSize; addr > newTop-uintptr(size); addr -= wordSize {
		val := *(*uintptr)(unsafe.Pointer(addr))
		if oldESP < val && val < initialESP {
			*(*uintptr)(unsafe.Pointer(addr)) = val + offset
		}
	}

	setStackFn(newESP, newEBP)
}
