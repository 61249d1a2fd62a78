// Package posixhost implements host.Host on top of ptrace(2), for
// development and testing of the loader and debugger core without a
// DPMI host. It plays the same role program/server/ptrace.go plays for
// the teacher: one dedicated, LockOSThread-ed goroutine owns every
// ptrace call, because ptrace requires the calling thread to be the one
// that attached to the tracee.
package posixhost

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dosx-project/dosx/arch"
	"github.com/dosx-project/dosx/host"
)

// Host is a ptrace-backed host.Host. The zero value is not usable; build
// one with New and Attach.
type Host struct {
	mu sync.Mutex

	fc chan func() error
	ec chan error

	proc *os.Process
	pid  int

	// allocs maps each synthetic handle Alloc handed out to the backing
	// Go-heap slice keeping it alive. A real DPMI host would instead
	// remember a DPMI memory-block handle. No address-to-handle map is
	// kept: Free and Realloc take the handle.
	allocs   map[host.MemHandle][]byte
	nextAddr uint32
	nextH    host.MemHandle
}

// New creates a Host not yet attached to any process.
func New() *Host {
	h := &Host{
		fc:       make(chan func() error),
		ec:       make(chan error),
		allocs:   make(map[host.MemHandle][]byte),
		nextAddr: 0x00400000,
		nextH:    1,
	}
	go h.run()
	return h
}

// run pins the goroutine to one OS thread and serializes every ptrace
// call through it, exactly as ptraceRun does for the teacher.
func (h *Host) run() {
	if cap(h.fc) != 0 || cap(h.ec) != 0 {
		panic("posixhost.run requires unbuffered channels")
	}
	runtime.LockOSThread()
	for f := range h.fc {
		h.ec <- f()
	}
}

func (h *Host) call(f func() error) error {
	h.fc <- f
	return <-h.ec
}

// Attach starts name under ptrace and waits for the initial SIGTRAP from
// exec, the way program/server/server.go's Run RPC does.
func (h *Host) Attach(name string, argv []string) error {
	var proc *os.Process
	err := h.call(func() error {
		var err1 error
		proc, err1 = os.StartProcess(name, argv, &os.ProcAttr{
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
			Sys: &syscall.SysProcAttr{
				Ptrace:    true,
				Pdeathsig: syscall.SIGKILL,
			},
		})
		return err1
	})
	if err != nil {
		return host.Wrap("attach", err)
	}
	h.proc = proc
	h.pid = proc.Pid

	if _, err := h.waitTrap(); err != nil {
		return err
	}
	return nil
}

func (h *Host) waitTrap() (int, error) {
	var ws unix.WaitStatus
	var wpid int
	err := h.call(func() error {
		var err1 error
		wpid, err1 = unix.Wait4(h.pid, &ws, 0, nil)
		return err1
	})
	if err != nil {
		return 0, host.Wrap("wait4", err)
	}
	if ws.Exited() {
		return wpid, nil
	}
	if ws.StopSignal() != unix.SIGTRAP {
		// Forward any other stop back into the tracee and wait again.
		_ = h.call(func() error { return unix.PtraceCont(h.pid, int(ws.StopSignal())) })
		return h.waitTrap()
	}
	return wpid, nil
}

// Open implements host.Host.
func (h *Host) Open(path string) (host.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, host.Wrap("open", err)
	}
	return (*osFile)(f), nil
}

type osFile os.File

func (f *osFile) Read(buf []byte) (int, error) { return (*os.File)(f).Read(buf) }
func (f *osFile) Seek(offset int64, whence host.Whence) (int64, error) {
	return (*os.File)(f).Seek(offset, int(whence))
}
func (f *osFile) Close() error { return (*os.File)(f).Close() }

// Alloc implements host.Host using process-local memory. This stands in
// for the DPMI host's memory-allocation service: dosx's loader only ever
// needs a flat linear address it can copy section data into and later
// read/write through ReadTarget/WriteTarget, which a real extender
// build would route to the target's own address space instead.
func (h *Host) Alloc(size uint32) (uint32, host.MemHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, size)
	addr := h.nextAddr
	handle := h.nextH
	h.allocs[handle] = buf
	h.nextH++
	// Round the next address up to a page so successive images don't
	// visually overlap when printed.
	h.nextAddr += size
	if h.nextAddr%0x1000 != 0 {
		h.nextAddr += 0x1000 - h.nextAddr%0x1000
	}
	return addr, handle, nil
}

func (h *Host) Realloc(handle host.MemHandle, newSize uint32) (uint32, host.MemHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.allocs[handle]
	if !ok {
		return 0, 0, fmt.Errorf("realloc: unknown handle %d", handle)
	}
	grown := make([]byte, newSize)
	copy(grown, buf)
	h.allocs[handle] = grown
	return 0, handle, nil
}

func (h *Host) Free(handle host.MemHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.allocs[handle]; !ok {
		return fmt.Errorf("free: unknown handle %d", handle)
	}
	delete(h.allocs, handle)
	return nil
}

// ReadTarget implements host.Host via PTRACE_PEEKTEXT.
func (h *Host) ReadTarget(addr uint32, buf []byte) error {
	var n int
	err := h.call(func() error {
		var err1 error
		n, err1 = unix.PtracePeekText(h.pid, uintptr(addr), buf)
		return err1
	})
	if err != nil {
		return host.Wrap("ptrace peektext", err)
	}
	if n != len(buf) {
		return host.Wrap("ptrace peektext", fmt.Errorf("read %d of %d bytes", n, len(buf)))
	}
	return nil
}

// WriteTarget implements host.Host via PTRACE_POKETEXT.
func (h *Host) WriteTarget(addr uint32, buf []byte) error {
	var n int
	err := h.call(func() error {
		var err1 error
		n, err1 = unix.PtracePokeText(h.pid, uintptr(addr), buf)
		return err1
	})
	if err != nil {
		return host.Wrap("ptrace poketext", err)
	}
	if n != len(buf) {
		return host.Wrap("ptrace poketext", fmt.Errorf("wrote %d of %d bytes", n, len(buf)))
	}
	return nil
}

// GetContext implements host.Host via PTRACE_GETREGS plus PEEKUSER reads
// of the debug registers.
func (h *Host) GetContext() (*host.TargetContext, error) {
	var regs unix.PtraceRegs
	err := h.call(func() error { return unix.PtraceGetRegs(h.pid, &regs) })
	if err != nil {
		return nil, host.Wrap("ptrace getregs", err)
	}
	r := ptraceToArch(&regs)
	dbg, err := h.getDebugRegs()
	if err != nil {
		return nil, err
	}
	return &host.TargetContext{PC: r.EIP, SP: r.ESP, Debug: dbg, Raw: r}, nil
}

// SetContext implements host.Host via PTRACE_SETREGS plus POKEUSER
// writes of the debug registers.
func (h *Host) SetContext(ctx *host.TargetContext) error {
	r, ok := ctx.Raw.(*arch.Regs)
	if !ok {
		return fmt.Errorf("SetContext: Raw must be *arch.Regs")
	}
	regs := archToPtrace(r)
	if err := host.Wrap("ptrace setregs", h.call(func() error { return unix.PtraceSetRegs(h.pid, &regs) })); err != nil {
		return err
	}
	return h.setDebugRegs(ctx.Debug)
}

// debugRegOffset is the byte offset of `struct user.u_debugreg[0]` in
// the x86_64 Linux `struct user` PTRACE_PEEKUSER/POKEUSER address space
// (sizeof(user_regs_struct) + sizeof(int) + sizeof(user_fpregs_struct) +
// padding, per <sys/user.h>). A native DPMI extender build has no
// analog for this offset; it exists only so this ptrace-backed
// development host can drive DR0-DR7 through the same interface.
const debugRegOffset = 848

func (h *Host) getDebugRegs() (arch.DebugRegs, error) {
	var dbg arch.DebugRegs
	for i := 0; i < 4; i++ {
		var buf [8]byte
		if err := h.peekUser(debugRegOffset+i*8, buf[:]); err != nil {
			return dbg, err
		}
		dbg.DR[i] = arch.Uint32(buf[:4])
	}
	var dr6, dr7 [8]byte
	if err := h.peekUser(debugRegOffset+6*8, dr6[:]); err != nil {
		return dbg, err
	}
	if err := h.peekUser(debugRegOffset+7*8, dr7[:]); err != nil {
		return dbg, err
	}
	dbg.DR6 = arch.Uint32(dr6[:4])
	dbg.DR7 = arch.Uint32(dr7[:4])
	return dbg, nil
}

func (h *Host) setDebugRegs(dbg arch.DebugRegs) error {
	for i := 0; i < 4; i++ {
		var buf [8]byte
		arch.PutUint32(buf[:4], dbg.DR[i])
		if err := h.pokeUser(debugRegOffset+i*8, buf[:]); err != nil {
			return err
		}
	}
	var dr7 [8]byte
	arch.PutUint32(dr7[:4], dbg.DR7)
	return h.pokeUser(debugRegOffset+7*8, dr7[:])
}

func (h *Host) peekUser(addr int, out []byte) error {
	err := h.call(func() error {
		_, err1 := unix.PtracePeekUser(h.pid, uintptr(addr), out)
		return err1
	})
	return host.Wrap("ptrace peekuser", err)
}

func (h *Host) pokeUser(addr int, data []byte) error {
	err := h.call(func() error {
		_, err1 := unix.PtracePokeUser(h.pid, uintptr(addr), data)
		return err1
	})
	return host.Wrap("ptrace pokeuser", err)
}

// Continue implements host.Host.
func (h *Host) Continue(mode host.RunMode) (host.Event, error) {
	var err error
	if mode == host.SingleStep {
		err = h.call(func() error { return unix.PtraceSingleStep(h.pid) })
	} else {
		err = h.call(func() error { return unix.PtraceCont(h.pid, 0) })
	}
	if err != nil {
		return host.Event{}, host.Wrap("ptrace cont", err)
	}

	var ws unix.WaitStatus
	err = h.call(func() error {
		_, err1 := unix.Wait4(h.pid, &ws, 0, nil)
		return err1
	})
	if err != nil {
		return host.Event{}, host.Wrap("wait4", err)
	}
	if ws.Exited() {
		return host.Event{Kind: host.EventExited, ExitCode: ws.ExitStatus()}, nil
	}
	return host.Event{Kind: host.EventStopped}, nil
}

// ptraceToArch and archToPtrace translate between the POSIX amd64
// register struct (the only ptrace ABI available on a development
// machine) and the i386 arch.Regs the rest of dosx operates on. Only the
// low 32 bits of each general-purpose register are meaningful for an
// i386 target run under a 32-bit-compatible personality.
func ptraceToArch(r *unix.PtraceRegs) *arch.Regs {
	return &arch.Regs{
		EAX: uint32(r.Rax), EBX: uint32(r.Rbx), ECX: uint32(r.Rcx), EDX: uint32(r.Rdx),
		ESI: uint32(r.Rsi), EDI: uint32(r.Rdi), EBP: uint32(r.Rbp), ESP: uint32(r.Rsp),
		EIP: uint32(r.Rip), EFlags: uint32(r.Eflags),
		CS: uint16(r.Cs), SS: uint16(r.Ss), DS: uint16(r.Ds), ES: uint16(r.Es), FS: uint16(r.Fs), GS: uint16(r.Gs),
	}
}

func archToPtrace(r *arch.Regs) unix.PtraceRegs {
	var out unix.PtraceRegs
	out.Rax, out.Rbx, out.Rcx, out.Rdx = uint64(r.EAX), uint64(r.EBX), uint64(r.ECX), uint64(r.EDX)
	out.Rsi, out.Rdi, out.Rbp, out.Rsp = uint64(r.ESI), uint64(r.EDI), uint64(r.EBP), uint64(r.ESP)
	out.Rip, out.Eflags = uint64(r.EIP), uint64(r.EFlags)
	out.Cs, out.Ss, out.Ds, out.Es, out.Fs, out.Gs = uint64(r.CS), uint64(r.SS), uint64(r.DS), uint64(r.ES), uint64(r.FS), uint64(r.GS)
	return out
}

var _ host.Host = (*Host)(nil)
