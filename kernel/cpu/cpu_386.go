package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ReadCR2 returns the value stored in the CR2 register. This is the
// faulting address reported by the CPU when a page fault is raised.
func ReadCR2() uintptr

// ReadCR3 returns the physical address of the currently active page
// directory.
func ReadCR3() uintptr

// ReloadCR3 rewrites CR3 with its current value, flushing the entire TLB.
func ReloadCR3()

// ReadESP returns the current value of the stack pointer register.
func ReadESP() uintptr

// ReadEBP returns the current value of the base pointer register.
func ReadEBP() uintptr

// SetStackPointers loads esp and ebp into the stack and base pointer
// registers. The caller must have already copied (and pointer-fixed) the
// live stack contents to the region the new pointers describe; after this
// call the old stack region is never referenced again.
func SetStackPointers(esp, ebp uintptr)

// SwitchPDT loads the physical address of a page directory into CR3 and
// sets the PG bit in CR0, enabling (or re-enabling) paging with the new
// directory active. It is the only routine allowed to touch CR0.PG after
// boot.
func SwitchPDT(pdtPhysAddr uintptr)

// CopyPagePhysical copies PageSize bytes from the physical address src to
// the physical address dst. The implementation temporarily disables paging
// so that src and dst can be dereferenced as physical addresses, performs a
// flat memcpy and then restores paging.
func CopyPagePhysical(src, dst uintptr)

// ReadEIP returns the address of the instruction immediately following the
// call to ReadEIP. fork and SwitchTask use this as the "have I just been
// resumed" probe: a freshly resumed task is spliced in at a point where the
// saved EIP is this same return address, so two logical callers appear to
// return from the identical call site.
func ReadEIP() uintptr

// Resume loads esp, ebp and cr3 and transfers control to eip. It never
// returns to its caller in the conventional sense: the next instruction
// executed is whatever was saved at eip, with eax holding the task
// package's resume sentinel so that code can tell a freshly-resumed task
// apart from a normal call return. Resume disables interrupts while it
// stages the new register state and re-enables them immediately before the
// jump.
func Resume(eip, ebp, esp, cr3 uintptr)

// SetKernelStack records top as the stack pointer to load on the next
// ring3->ring0 transition (the TSS esp0 field on real hardware).
func SetKernelStack(top uintptr)

// EnterUserMode drops the CPU to ring 3: it masks interrupts, loads the
// data segment registers with the user DPL=3 selector, builds a fake IRET
// frame (user SS, the current ESP, EFLAGS with IF set, user CS and the
// address of the instruction following the IRET) and executes IRET.
// Execution continues at ring 3 on the same stack; interrupts are re-armed
// by the IF bit in the pushed EFLAGS rather than an explicit STI, which
// would fault at DPL 3.
func EnterUserMode()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
