// Package hal collects the hardware facilities that the rest of the kernel
// treats as opaque external collaborators: the boot-time console and the
// interrupt vector table. Neither is implemented here — both are wired up
// by the assembly trampoline and the (out-of-scope) IDT setup before Kmain
// runs — this package only exposes the narrow interface the memory and
// task subsystems need against them.
package hal

import "io"

// ConsoleWriter is the minimal interface the active console exposes. Every
// early.Printf call is ultimately a write to this sink.
type ConsoleWriter interface {
	io.Writer
}

// ActiveTerminal is the console currently receiving kernel output. It is
// nil until the boot trampoline attaches a real console; early.Printf
// silently discards output until then.
var ActiveTerminal ConsoleWriter

// InterruptHandler services a single interrupt vector. errorCode carries
// the CPU-pushed error code for vectors that have one (e.g. the page-fault
// vector); it is zero for the rest.
type InterruptHandler func(errorCode uint32)

var interruptHandlers [256]InterruptHandler

// RegisterInterruptHandler installs handler as the service routine for the
// given interrupt vector, replacing whatever was registered before.
func RegisterInterruptHandler(vector uint8, handler InterruptHandler) {
	interruptHandlers[vector] = handler
}

// DispatchInterrupt invokes the handler registered for vector, if any. The
// (out-of-scope) IDT stub calls this once it has decoded an interrupt
// vector off the trap frame; a vector with no registered handler is a no-op.
func DispatchInterrupt(vector uint8, errorCode uint32) {
	if h := interruptHandlers[vector]; h != nil {
		h(errorCode)
	}
}
