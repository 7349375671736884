package kernel

import (
	"tinykern/kernel/cpu"
	"tinykern/kernel/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic reports the supplied error on the console and permanently halts the
// CPU; it never returns. It also serves as the redirection target for calls
// to panic() (resolved via runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	early.Printf("\n*** kernel panic")
	if err := errorFor(e); err != nil {
		early.Printf(" [%s]: %s", err.Module, err.Message)
	}
	early.Printf(" ***\nsystem halted\n")

	cpuHaltFn()
}

// errorFor coerces a panic payload into a *Error without allocating:
// non-Error payloads reuse the preallocated errRuntimePanic value, since
// the Go allocator may not exist at panic time.
func errorFor(e interface{}) *Error {
	switch t := e.(type) {
	case *Error:
		return t
	case string:
		errRuntimePanic.Message = t
		return errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		return errRuntimePanic
	}
	return nil
}

// Assert panics with err if cond is false. It mirrors the ASSERT() macro
// used throughout the C sources this package's callers were ported from:
// a handful of invariants (heap magic tags, page-aligned addresses, a
// non-nil current task) are cheap enough to check unconditionally rather
// than trust.
func Assert(cond bool, err *Error) {
	if !cond {
		Panic(err)
	}
}
