package debugger

import (
	"errors"
	"testing"

	"github.com/dosx-project/dosx/addr"
	"github.com/dosx-project/dosx/arch"
	"github.com/dosx-project/dosx/host"
)

// fakeHost is an in-memory host.Host for debugger tests: target memory
// is a flat byte slice addressed by Flat offset, and the register/debug
// context is held directly rather than round-tripped through ptrace.
type fakeHost struct {
	mem  []byte
	base uint32
	regs arch.Regs
	dbg  arch.DebugRegs
}

func newFakeHost(size int) *fakeHost {
	return &fakeHost{mem: make([]byte, size)}
}

func (h *fakeHost) off(a uint32) uint32 { return a - h.base }

func (h *fakeHost) Open(path string) (host.File, error) { return nil, errors.New("not supported") }
func (h *fakeHost) Alloc(size uint32) (uint32, host.MemHandle, error) {
	return 0, 0, errors.New("not supported")
}
func (h *fakeHost) Realloc(handle host.MemHandle, newSize uint32) (uint32, host.MemHandle, error) {
	return 0, handle, nil
}
func (h *fakeHost) Free(handle host.MemHandle) error { return nil }

func (h *fakeHost) ReadTarget(a uint32, buf []byte) error {
	copy(buf, h.mem[h.off(a):])
	return nil
}
func (h *fakeHost) WriteTarget(a uint32, buf []byte) error {
	copy(h.mem[h.off(a):], buf)
	return nil
}
func (h *fakeHost) GetContext() (*host.TargetContext, error) {
	r := h.regs
	return &host.TargetContext{PC: r.EIP, SP: r.ESP, Debug: h.dbg, Raw: &r}, nil
}
func (h *fakeHost) SetContext(ctx *host.TargetContext) error {
	r, ok := ctx.Raw.(*arch.Regs)
	if !ok {
		return errors.New("bad Raw")
	}
	h.regs = *r
	h.dbg = ctx.Debug
	return nil
}
func (h *fakeHost) Continue(mode host.RunMode) (host.Event, error) {
	return host.Event{}, errors.New("not supported")
}

var _ host.Host = (*fakeHost)(nil)

// TestSoftwareBreakpointArmDisarm covers the arm/disarm round trip:
// arming patches 0xCC in, disarming restores the original byte
// byte-for-byte (spec.md §8 round trip).
func TestSoftwareBreakpointArmDisarm(t *testing.T) {
	h := newFakeHost(0x100)
	h.base = 0
	h.mem[0x10] = 0x90 // NOP, the "original byte"

	m := NewManager(h)
	at := addr.NewLinear(0x10)
	i, err := m.SetSoftware(at)
	if err != nil {
		t.Fatalf("SetSoftware: %v", err)
	}
	if h.mem[0x10] != 0xCC {
		t.Fatalf("expected 0xCC patched in, got %#02x", h.mem[0x10])
	}
	if err := m.Clear(i); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if h.mem[0x10] != 0x90 {
		t.Fatalf("expected original byte restored, got %#02x", h.mem[0x10])
	}
}

// TestBreakpointHitRoundTrip is S7: set a software BP at X holding byte
// B0; simulate the target trapping into it; after the Idle->Prompting
// transition, memory at X holds B0 again and EIP == X; after the user
// issues `g` and the single-step restore trap fires, memory at X is
// 0xCC again and the manager is back to Idle.
func TestBreakpointHitRoundTrip(t *testing.T) {
	h := newFakeHost(0x100)
	const bpAddr = 0x20
	h.mem[bpAddr] = 0x90

	m := NewManager(h)
	i, err := m.SetSoftware(addr.NewLinear(bpAddr))
	if err != nil {
		t.Fatalf("SetSoftware: %v", err)
	}
	if h.mem[bpAddr] != 0xCC {
		t.Fatalf("expected armed byte 0xCC, got %#02x", h.mem[bpAddr])
	}

	// Simulate the target executing the INT3 and trapping; ptrace/DPMI
	// conventions report EIP one past the faulting instruction.
	h.regs.EIP = bpAddr + 1
	ctx, err := h.GetContext()
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	e := Exception{Kind: BreakpointTrap, DRSlot: -1}
	consumed, err := m.OnTrap(e, ctx)
	if err != nil {
		t.Fatalf("OnTrap: %v", err)
	}
	if !consumed {
		t.Fatalf("expected OnTrap to consume the breakpoint trap")
	}
	if m.State() != Prompting {
		t.Fatalf("expected state Prompting, got %v", m.State())
	}
	if m.HitIndex() != i {
		t.Fatalf("expected HitIndex %d, got %d", i, m.HitIndex())
	}
	if h.mem[bpAddr] != 0x90 {
		t.Fatalf("expected original byte restored at hit, got %#02x", h.mem[bpAddr])
	}
	if h.regs.EIP != bpAddr {
		t.Fatalf("expected EIP rewound to %#x, got %#x", bpAddr, h.regs.EIP)
	}

	// User issues `g`: arm the restore, set TF, transition to Restoring.
	ctx, _ = h.GetContext()
	if err := m.OnContinueCommand(ctx, false); err != nil {
		t.Fatalf("OnContinueCommand: %v", err)
	}
	if m.State() != Restoring {
		t.Fatalf("expected state Restoring, got %v", m.State())
	}
	if h.regs.EFlags&arch.TrapFlag == 0 {
		t.Fatalf("expected TF set while restoring")
	}

	// Simulate the single-step firing after the one restored
	// instruction executes.
	ctx, _ = h.GetContext()
	consumed, err = m.OnTrap(Exception{Kind: SingleStepTrap, DRSlot: -1}, ctx)
	if err != nil {
		t.Fatalf("OnTrap restore: %v", err)
	}
	if !consumed {
		t.Fatalf("expected the restoring single-step trap to be consumed")
	}
	if h.mem[bpAddr] != 0xCC {
		t.Fatalf("expected breakpoint re-armed (0xCC), got %#02x", h.mem[bpAddr])
	}
	if m.State() != Idle {
		t.Fatalf("expected state Idle after restore with g, got %v", m.State())
	}
	if h.regs.EFlags&arch.TrapFlag != 0 {
		t.Fatalf("expected TF cleared after restore with g")
	}
}

// TestHardwareBreakpointArmsDR verifies SetHardware programs DR0 and
// the matching DR7 enable/RW/LEN fields, and disarming clears only the
// enable bit.
func TestHardwareBreakpointArmsDR(t *testing.T) {
	h := newFakeHost(0x10)
	m := NewManager(h)

	i, err := m.SetHardware(addr.NewLinear(0x401000), AccessWrite, 4)
	if err != nil {
		t.Fatalf("SetHardware: %v", err)
	}
	if m.slots[i].DRSlot != 0 {
		t.Fatalf("expected first hardware bp to take DR slot 0, got %d", m.slots[i].DRSlot)
	}
	if h.dbg.DR[0] != 0x401000 {
		t.Fatalf("expected DR0 = 0x401000, got %#x", h.dbg.DR[0])
	}
	if h.dbg.DR7&0x1 == 0 {
		t.Fatalf("expected DR7 local-enable bit 0 set")
	}
	rw := (h.dbg.DR7 >> 16) & 0x3
	if rw != 0x1 {
		t.Fatalf("expected RW0 = 01 (write), got %#x", rw)
	}

	if err := m.Clear(i); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if h.dbg.DR7&0x1 != 0 {
		t.Fatalf("expected DR7 local-enable bit 0 cleared after Clear")
	}
}

// TestHardwareBreakpointSlotsExhausted verifies the fifth concurrent
// hardware breakpoint is rejected (spec.md §3: "at most 4 Hardware
// slots may be simultaneously enabled").
func TestHardwareBreakpointSlotsExhausted(t *testing.T) {
	h := newFakeHost(0x10)
	m := NewManager(h)
	for i := 0; i < MaxHardwareBreakpoints; i++ {
		if _, err := m.SetHardware(addr.NewLinear(uint32(0x1000+i)), AccessExec, 1); err != nil {
			t.Fatalf("SetHardware #%d: %v", i, err)
		}
	}
	if _, err := m.SetHardware(addr.NewLinear(0x2000), AccessExec, 1); err == nil {
		t.Fatalf("expected the 5th hardware breakpoint to be rejected")
	}
}
