package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	buf := make([]byte, 64)

	Memset(uintptr(unsafe.Pointer(&buf[0])), 0xAA, uintptr(len(buf)))
	for i, b := range buf {
		if b != 0xAA {
			t.Fatalf("byte %d not set: got 0x%x", i, b)
		}
	}

	// a zero-length fill must not touch anything.
	Memset(uintptr(unsafe.Pointer(&buf[0])), 0x00, 0)
	if buf[0] != 0xAA {
		t.Fatal("expected a zero-length Memset to leave memory untouched")
	}
}

func TestMemcopy(t *testing.T) {
	src := make([]byte, 32)
	dst := make([]byte, 32)
	for i := range src {
		src[i] = byte(i)
	}

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(len(src)))

	for i := range dst {
		if dst[i] != byte(i) {
			t.Fatalf("byte %d not copied: got %d", i, dst[i])
		}
	}
}
