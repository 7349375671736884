// Package task implements the kernel's round-robin task switcher: a
// circular ready queue of task records, each carrying its own page
// directory and saved register frame, with fork implemented by directory
// cloning and a resume primitive that splices execution back into a saved
// instruction pointer.
package task

import (
	"tinykern/kernel"
	"tinykern/kernel/cpu"
	"tinykern/kernel/mem"
	"tinykern/kernel/mem/placement"
	"tinykern/kernel/mem/vmm"
)

// ResumeSentinel is the value cpu.Resume leaves in the EAX register before
// jumping to a saved EIP. SwitchTask reads its "return value" from the
// instruction-pointer probe; seeing this sentinel means the current
// execution was just resumed rather than falling through from the probe
// call. Fork does not check the sentinel: it tells parent from resumed
// child by whether currentTask still names the parent.
const ResumeSentinel = uintptr(0x12345)

const (
	// kernelStackTop is the fixed virtual address the boot stack is
	// relocated to during tasking initialisation, so that the stack is
	// reachable from every task's page directory.
	kernelStackTop = uintptr(0xE0000000)

	// kernelStackRegion is the size of the relocated stack region.
	kernelStackRegion = mem.Size(0x5000)
)

// Task describes a single schedulable execution context. The zero values of
// esp/ebp/eip mark a task that has never been suspended; they are populated
// the first time the task is switched away from (or, for a forked child, by
// the parent's snapshot inside Fork).
type Task struct {
	id uint32

	esp uintptr
	ebp uintptr
	eip uintptr

	pageDirectory *vmm.PageDirectory

	// next links the ready queue; a nil next wraps around to readyQueue,
	// making the list circular without storing an explicit back edge.
	next *Task

	// kernelStack is the base of this task's ring-0 stack, loaded into
	// the TSS esp0 slot when the task drops to user mode.
	kernelStack uintptr
}

var (
	// currentTask describes the running execution context; exactly one
	// task describes it at any instant.
	currentTask *Task

	// readyQueue is the head of the circular task list.
	readyQueue *Task

	// nextPID is the next process id to hand out. IDs are assigned
	// monotonically starting at 1.
	nextPID uint32 = 1

	errNoCurrentTask = &kernel.Error{Module: "task", Message: "no current task"}
)

// Architecture primitives, overridable by tests so the scheduling
// bookkeeping is host-testable without real register access.
var (
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	readEIPFn           = cpu.ReadEIP
	readESPFn           = cpu.ReadESP
	readEBPFn           = cpu.ReadEBP
	resumeFn            = cpu.Resume
	setKernelStackFn    = cpu.SetKernelStack
	enterUserModeFn     = cpu.EnterUserMode

	cloneDirectoryFn = vmm.CloneDirectory
	moveStackFn      = MoveStack

	allocKernelStackFn = allocKernelStack
)

func allocKernelStack() uintptr {
	return placement.KMalloc(mem.KernelStackSize, true)
}

// InitialiseTasking relocates the boot stack to its fixed virtual address
// and enrols the current execution context as task 1. The caller must have
// already switched to a clone of the kernel page directory; task 1 takes
// ownership of that clone.
func InitialiseTasking() {
	disableInterruptsFn()

	moveStackFn(kernelStackTop, kernelStackRegion)

	t := &Task{
		id:            nextPID,
		pageDirectory: vmm.CurrentDirectory(),
		kernelStack:   allocKernelStackFn(),
	}
	nextPID++

	currentTask = t
	readyQueue = t

	enableInterruptsFn()
}

// Fork clones the calling task: the current page directory is deep-copied
// (kernel tables stay shared), a new task record is appended to the ready
// queue, and the parent's register state is snapshotted into it so the
// child resumes just past the instruction-pointer probe below. Fork
// returns twice: the parent receives the child's id, the resumed child
// receives 0.
func Fork() uint32 {
	disableInterruptsFn()

	parent := currentTask

	dir := cloneDirectoryFn(vmm.CurrentDirectory())

	child := &Task{
		id:            nextPID,
		pageDirectory: dir,
		kernelStack:   allocKernelStackFn(),
	}
	nextPID++

	tail := readyQueue
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = child

	eip := readEIPFn()

	if currentTask == parent {
		child.esp = readESPFn()
		child.ebp = readEBPFn()
		child.eip = eip
		enableInterruptsFn()
		return child.id
	}

	// We are the resumed child: the scheduler spliced us in at the probe
	// above with the sentinel in place of its return value.
	return 0
}

// SwitchTask suspends the current task and resumes the next one in the
// ready queue, wrapping around at the tail. It is invoked from the timer
// interrupt; before tasking is initialised it is a no-op.
func SwitchTask() {
	if currentTask == nil {
		return
	}

	esp := readESPFn()
	ebp := readEBPFn()

	eip := readEIPFn()
	if eip == ResumeSentinel {
		// We were just resumed: the saved state is already live, so the
		// interrupted code continues where it left off.
		return
	}

	currentTask.eip = eip
	currentTask.esp = esp
	currentTask.ebp = ebp

	currentTask = currentTask.next
	if currentTask == nil {
		currentTask = readyQueue
	}

	vmm.SetCurrentDirectory(currentTask.pageDirectory)
	resumeFn(currentTask.eip, currentTask.ebp, currentTask.esp, currentTask.pageDirectory.PhysicalAddr())
}

// Getpid returns the id of the current task.
func Getpid() uint32 {
	kernel.Assert(currentTask != nil, errNoCurrentTask)
	return currentTask.id
}

// SwitchToUserMode drops the current task to ring 3. The task's kernel
// stack is published to the TSS first so the next interrupt has a ring-0
// stack to land on.
func SwitchToUserMode() {
	kernel.Assert(currentTask != nil, errNoCurrentTask)

	setKernelStackFn(currentTask.kernelStack + uintptr(mem.KernelStackSize))
	enterUserModeFn()
}
