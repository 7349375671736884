// Package kmain sequences kernel boot: placement allocator, frame bitmap,
// paging, kernel heap, directory cloning and tasking, in the dependency
// order the memory subsystems require.
package kmain

import (
	"tinykern/kernel/cpu"
	"tinykern/kernel/hal"
	"tinykern/kernel/heap"
	"tinykern/kernel/kfmt/early"
	"tinykern/kernel/mem"
	"tinykern/kernel/mem/placement"
	"tinykern/kernel/mem/pmm"
	"tinykern/kernel/mem/vmm"
	"tinykern/kernel/sync"
	"tinykern/kernel/task"
)

// timerVector is the interrupt vector the remapped PIT IRQ0 arrives on.
// The PIT itself is programmed by the out-of-scope descriptor-table setup;
// this package only hooks the scheduler onto its vector.
const timerVector uint8 = 32

var frameAllocator pmm.BitmapAllocator

// Kmain is the only Go symbol visible to the assembly entry code. It is
// invoked after the (out-of-scope) GDT/IDT setup with the linker-provided
// end of the kernel image and the stack top the bootloader handed us.
//
// Kmain is not expected to return. If it does, the entry code halts the
// CPU.
//
//go:noinline
func Kmain(kernelEnd, initialStack uintptr) {
	task.RecordInitialESP(initialStack)

	placement.Init(kernelEnd)

	if cpu.IsIntel() {
		early.Printf("[kmain] running on an Intel cpu\n")
	}

	frameAllocator.Init(func(size mem.Size) uintptr {
		return placement.KMalloc(size, false)
	})

	vmm.Init(&frameAllocator, mem.KHeapStart, mem.KHeapInitialSize)
	frameAllocator.PrintStats()

	kheap := heap.CreateHeap(
		mem.KHeapStart,
		mem.KHeapStart+uintptr(mem.KHeapInitialSize),
		mem.KHeapMax,
		true,  // supervisor
		false, // readonly
	)
	placement.SetHeapAllocator(kheap.Allocate)

	// The first user directory is a clone of the kernel directory; task 1
	// takes ownership of it inside InitialiseTasking.
	vmm.SwitchPageDirectory(vmm.CloneDirectory(vmm.KernelDirectory()))

	task.InitialiseTasking()
	hal.RegisterInterruptHandler(timerVector, func(uint32) {
		task.SwitchTask()
	})
	sync.SetYieldFn(task.SwitchTask)

	early.Printf("[kmain] boot complete, pid %d entering user mode\n", task.Getpid())
	task.SwitchToUserMode()

	// From here on execution continues at ring 3; the scheduler rotates
	// tasks off the timer tick. HLT is privileged, so ring 3 spins.
	for {
	}
}
