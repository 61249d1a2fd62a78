// Package host defines the small abstract interface the loader and the
// debugger core consume from their execution environment: file I/O,
// memory allocation, and target-process control (spec.md §4.A). Concrete
// implementations live in sibling packages; a DPMI build of dosx talks to
// real DPMI/DOS services, a development build talks to ptrace
// (host/posixhost).
package host

import (
	"fmt"

	"github.com/dosx-project/dosx/arch"
)

// Whence mirrors io.Seeker's whence values; kept distinct from os/io so
// that a DOS implementation backed by int 21h AH=42h can map it 1:1
// without importing the os package.
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// File is an open handle to a backing file, as returned by Host.Open.
type File interface {
	// Read reads up to len(buf) bytes, returning the number read.
	Read(buf []byte) (n int, err error)
	// Seek repositions the file and returns the new absolute offset.
	Seek(offset int64, whence Whence) (newPos int64, err error)
	// Close releases the handle. Idempotent double-close is not required.
	Close() error
}

// MemHandle identifies an allocation made by Host.Alloc, which returns it
// together with the allocation's linear address. Callers keep the handle
// (loader.Module.Handle) and pass it to Free and Realloc; every other
// method takes addresses.
type MemHandle uintptr

// RunMode selects how Continue resumes a stopped target.
type RunMode int

const (
	Run RunMode = iota
	SingleStep
)

// EventKind classifies what Host.Continue returned.
type EventKind int

const (
	EventStopped EventKind = iota // target hit a fault/trap and is suspended
	EventExited                   // target ran to completion
)

// Event is what Host.Continue reports once the target stops or exits.
type Event struct {
	Kind     EventKind
	ExitCode int // valid when Kind == EventExited
}

// Host is the full set of capabilities the loader and the debugger core
// need from the operating environment. It is synchronous throughout
// (spec.md §4.A): every method blocks until it completes or fails.
type Host interface {
	// File I/O, consumed by the PE loader.
	Open(path string) (File, error)

	// Alloc reserves size bytes and returns their runtime linear address
	// together with a handle Free/Realloc can use to release them. The
	// returned memory is not guaranteed to be zeroed; the loader zeroes
	// the image buffer itself (spec.md §4.D step 3).
	Alloc(size uint32) (linearAddr uint32, h MemHandle, err error)
	// Realloc resizes a previous allocation, possibly moving it.
	Realloc(h MemHandle, newSize uint32) (linearAddr uint32, newHandle MemHandle, err error)
	// Free releases an allocation made by Alloc.
	Free(h MemHandle) error

	// Target memory and register access, consumed by the debugger core.
	ReadTarget(addr uint32, buf []byte) error
	WriteTarget(addr uint32, buf []byte) error
	GetContext() (*TargetContext, error)
	SetContext(ctx *TargetContext) error

	// Continue resumes the target in the given mode and blocks until the
	// next event.
	Continue(mode RunMode) (Event, error)
}

// TargetContext bundles everything the debugger needs to read or rewrite
// about the stopped target's CPU state: the general register file, the
// debug registers, and the raw fault information (spec.md §3 Exception
// Frame). Regs/DebugRegs live in package arch; host only needs to move
// them, not interpret them.
type TargetContext struct {
	PC, SP    uint32
	ErrorCode uint32
	FaultAddr uint32 // CR2 on a native extender, info word 0 on a ptrace host
	Vector    int    // processor exception vector number
	Debug     arch.DebugRegs
	Raw       interface{} // host-specific register blob (e.g. *arch.Regs)
}

// Error wraps a failure from a Host method with the operation name, the
// way program/server/ptrace.go wraps every ptrace syscall with context.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap is a convenience constructor for Error, returning nil if err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
