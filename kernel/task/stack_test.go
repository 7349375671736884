package task

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinykern/kernel/mem"
)

// TestMoveStackRelocatesLiveContents drives MoveStack against two plain Go
// byte slices standing in for the boot stack and the relocation target. The
// page-mapping, TLB-flush and register-load primitives are stubbed out; the
// copy and the pointer fix-up walk operate on real memory.
func TestMoveStackRelocatesLiveContents(t *testing.T) {
	installTaskMocks(t)

	const regionSize = mem.Size(0x1000)

	oldBuf := make([]byte, 0x400)
	newBuf := make([]byte, regionSize)

	oldTop := uintptr(unsafe.Pointer(&oldBuf[0])) + uintptr(len(oldBuf))
	newTop := uintptr(unsafe.Pointer(&newBuf[0])) + uintptr(regionSize)

	// 0x100 bytes of live stack below the boot-provided top.
	oldESP := oldTop - 0x100
	oldEBP := oldTop - 0x40

	origInitialESP := initialESP
	origMapPage, origReload, origSetStack := mapStackPageFn, reloadCR3Fn, setStackFn
	t.Cleanup(func() {
		initialESP = origInitialESP
		mapStackPageFn, reloadCR3Fn, setStackFn = origMapPage, origReload, origSetStack
	})

	RecordInitialESP(oldTop)
	readESPFn = func() uintptr { return oldESP }
	readEBPFn = func() uintptr { return oldEBP }

	var mapped int
	mapStackPageFn = func(uintptr) { mapped++ }
	reloadCR3Fn = func() {}

	var gotESP, gotEBP uintptr
	setStackFn = func(esp, ebp uintptr) { gotESP, gotEBP = esp, ebp }

	// plant a saved-frame-pointer style word that points into the live
	// stack range, plus a marker word that must move verbatim.
	framePtrSlot := oldESP + 0x20
	*(*uintptr)(unsafe.Pointer(framePtrSlot)) = oldEBP
	markerSlot := oldESP + 0x30
	*(*uintptr)(unsafe.Pointer(markerSlot)) = 0xDEADBEEF

	MoveStack(newTop, regionSize)

	offset := newTop - oldTop
	require.Equal(t, oldESP+offset, gotESP)
	require.Equal(t, oldEBP+offset, gotEBP)
	assert.NotZero(t, mapped, "every page of the new region must be mapped")

	// the frame pointer was rewritten by the relocation offset, the
	// non-pointer marker was copied untouched.
	assert.Equal(t, oldEBP+offset, *(*uintptr)(unsafe.Pointer(framePtrSlot + offset)))
	assert.Equal(t, uintptr(0xDEADBEEF), *(*uintptr)(unsafe.Pointer(markerSlot + offset)))
}
