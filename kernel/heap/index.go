// Package heap implements the kernel's first-fit (smallest-hole) memory
// allocator: explicit header/footer-tagged regions, coalescing on free,
// page-aligned allocation support and on-demand expansion backed by the
// paging subsystem.
package heap

import (
	"reflect"
	"unsafe"

	"tinykern/kernel"
)

var (
	errIndexFull        = &kernel.Error{Module: "heap", Message: "ordered index is full"}
	errIndexOutOfBounds = &kernel.Error{Module: "heap", Message: "ordered index access out of bounds"}
)

// LessFn orders two handles; it must describe a strict weak ordering, the
// same contract a Go sort.Interface.Less implementation would follow.
type LessFn func(a, b uintptr) bool

// OrderedIndex is a bounded, sorted array of opaque word-sized handles. Its
// backing storage is placed directly at a caller-supplied address via
// PlaceOrderedIndex rather than allocated through the normal Go allocator,
// because the heap must be able to host its own index inside the very
// region it manages.
type OrderedIndex struct {
	items    []uintptr
	itemsHdr reflect.SliceHeader
	size     int
	less     LessFn
}

// PlaceOrderedIndex constructs an index in-place at addr with the given
// capacity, initial size 0.
func PlaceOrderedIndex(addr uintptr, capacity int, less LessFn) *OrderedIndex {
	idx := &OrderedIndex{less: less}
	idx.itemsHdr = reflect.SliceHeader{Data: addr, Len: capacity, Cap: capacity}
	idx.items = *(*[]uintptr)(unsafe.Pointer(&idx.itemsHdr))
	for i := range idx.items {
		idx.items[i] = 0
	}
	return idx
}

// Size returns the number of live entries.
func (idx *OrderedIndex) Size() int {
	return idx.size
}

// Insert adds x to the index, preserving sort order. Equal-keyed elements
// keep their relative insertion order: the scan advances past every
// existing entry that is not strictly greater than x (i.e. <=, including
// ties) and inserts immediately before the first entry that is greater.
func (idx *OrderedIndex) Insert(x uintptr) {
	if idx.size >= len(idx.items) {
		kernel.Panic(errIndexFull)
		return
	}

	i := 0
	for i < idx.size && !idx.less(x, idx.items[i]) {
		i++
	}

	copy(idx.items[i+1:idx.size+1], idx.items[i:idx.size])
	idx.items[i] = x
	idx.size++
}

// Lookup returns the entry at position i. Out-of-range access is fatal.
func (idx *OrderedIndex) Lookup(i int) uintptr {
	if i < 0 || i >= idx.size {
		kernel.Panic(errIndexOutOfBounds)
		return 0
	}
	return idx.items[i]
}

// Remove deletes the entry at position i, shifting every later entry left.
// Out-of-range access is fatal.
func (idx *OrderedIndex) Remove(i int) {
	if i < 0 || i >= idx.size {
		kernel.Panic(errIndexOutOfBounds)
		return
	}
	copy(idx.items[i:idx.size-1], idx.items[i+1:idx.size])
	idx.size--
}

// removeValue finds and removes the first entry equal to x. It is used
// internally by Free when coalescing absorbs a neighbouring hole that is
// already tracked in the index.
func (idx *OrderedIndex) removeValue(x uintptr) {
	for i := 0; i < idx.size; i++ {
		if idx.items[i] == x {
			idx.Remove(i)
			return
		}
	}
}
