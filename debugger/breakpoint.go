package debugger

import (
	"fmt"

	"github.com/dosx-project/dosx/addr"
	"github.com/dosx-project/dosx/arch"
	"github.com/dosx-project/dosx/host"
)

// BreakpointKind distinguishes a slot's contents (spec.md §3).
type BreakpointKind int

const (
	Empty BreakpointKind = iota
	Software
	Hardware
)

// Access is the trigger condition of a hardware breakpoint.
type Access int

const (
	AccessExec Access = iota
	AccessWrite
	AccessIO
	AccessReadWrite
)

// Breakpoint is one slot of the global fixed-capacity array (spec.md §3).
type Breakpoint struct {
	Kind       BreakpointKind
	Enabled    bool
	Address    addr.Address
	SavedByte  byte   // Software only: the byte 0xCC replaced
	AccessKind Access // Hardware only
	Size       int    // Hardware only: 1, 2, or 4
	DRSlot     int    // Hardware only: 0-3
}

// MaxBreakpoints is the slot-array capacity (spec.md §3: "≥ 32").
const MaxBreakpoints = 32

// MaxHardwareBreakpoints is the number of debug-address registers.
const MaxHardwareBreakpoints = 4

// State is the Breakpoint Manager's restoration state machine
// (spec.md §4.J).
type State int

const (
	Idle State = iota
	Prompting
	Restoring
)

// Manager is the Breakpoint Manager (spec.md §4.J): it owns the slot
// array, arms/disarms breakpoints against a host.Host, and drives the
// Idle→Prompting→Restoring state machine across one continue/trap
// boundary.
type Manager struct {
	h     host.Host
	slots [MaxBreakpoints]Breakpoint

	state State

	// hitIndex is the slot recorded by the Idle-state transition: the
	// breakpoint the target just hit, shown to the user while Prompting.
	hitIndex int

	// restorePending/restoreIndex/restoreTrace carry the Prompting→
	// Restoring transition's payload across the continue_target call
	// the user's g/t command makes; restorePending must survive that
	// boundary (spec.md §4.J).
	restorePending bool
	restoreIndex   int
	restoreTrace   bool
}

// NewManager builds a Manager with every slot Empty.
func NewManager(h host.Host) *Manager {
	m := &Manager{h: h, hitIndex: -1, restoreIndex: -1}
	return m
}

func (m *Manager) freeSlot() (int, error) {
	for i := range m.slots {
		if m.slots[i].Kind == Empty {
			return i, nil
		}
	}
	return 0, fmt.Errorf("breakpoint: no free slot (max %d)", MaxBreakpoints)
}

// SetSoftware allocates a slot, arms a software breakpoint at at, and
// returns the slot index.
func (m *Manager) SetSoftware(at addr.Address) (int, error) {
	i, err := m.freeSlot()
	if err != nil {
		return 0, err
	}
	m.slots[i] = Breakpoint{Kind: Software, Address: at, DRSlot: -1}
	if err := m.armSoftware(i); err != nil {
		m.slots[i] = Breakpoint{}
		return 0, err
	}
	m.slots[i].Enabled = true
	return i, nil
}

func (m *Manager) armSoftware(i int) error {
	bp := &m.slots[i]
	var saved [1]byte
	if err := m.h.ReadTarget(bp.Address.Flat, saved[:]); err != nil {
		return err
	}
	bp.SavedByte = saved[0]
	return m.h.WriteTarget(bp.Address.Flat, arch.BreakpointInstr[:])
}

func (m *Manager) disarmSoftware(i int) error {
	bp := &m.slots[i]
	return m.h.WriteTarget(bp.Address.Flat, []byte{bp.SavedByte})
}

// drEncoding maps an Access/Size pair onto DR7's two-bit RWn/LENn
// fields (Intel SDM vol. 3, 17.2.4).
func drEncoding(a Access, size int) (rw, length uint32, err error) {
	switch a {
	case AccessExec:
		rw = 0x0
	case AccessWrite:
		rw = 0x1
	case AccessIO:
		rw = 0x2
	case AccessReadWrite:
		rw = 0x3
	default:
		return 0, 0, fmt.Errorf("breakpoint: unknown access kind %d", a)
	}
	switch size {
	case 1:
		length = 0x0
	case 2:
		length = 0x1
	case 4:
		length = 0x3
	default:
		return 0, 0, fmt.Errorf("breakpoint: unsupported hardware breakpoint size %d", size)
	}
	return rw, length, nil
}

func (m *Manager) usedDRSlots() [MaxHardwareBreakpoints]bool {
	var used [MaxHardwareBreakpoints]bool
	for _, bp := range m.slots {
		if bp.Kind == Hardware && bp.Enabled {
			used[bp.DRSlot] = true
		}
	}
	return used
}

// SetHardware allocates a slot and a free debug-address register,
// programs DRn/DR7, and returns the slot index.
func (m *Manager) SetHardware(at addr.Address, access Access, size int) (int, error) {
	rw, length, err := drEncoding(access, size)
	if err != nil {
		return 0, err
	}
	used := m.usedDRSlots()
	drSlot := -1
	for s := 0; s < MaxHardwareBreakpoints; s++ {
		if !used[s] {
			drSlot = s
			break
		}
	}
	if drSlot == -1 {
		return 0, fmt.Errorf("breakpoint: all %d hardware breakpoint slots in use", MaxHardwareBreakpoints)
	}
	i, err := m.freeSlot()
	if err != nil {
		return 0, err
	}
	m.slots[i] = Breakpoint{
		Kind: Hardware, Address: at, AccessKind: access, Size: size, DRSlot: drSlot,
	}
	if err := m.armHardware(i, rw, length); err != nil {
		m.slots[i] = Breakpoint{}
		return 0, err
	}
	m.slots[i].Enabled = true
	return i, nil
}

func (m *Manager) armHardware(i int, rw, length uint32) error {
	bp := &m.slots[i]
	ctx, err := m.h.GetContext()
	if err != nil {
		return err
	}
	ctx.Debug.DR[bp.DRSlot] = bp.Address.Flat
	shift := 16 + uint(bp.DRSlot)*4
	ctx.Debug.DR7 &^= 0x3 << shift         // RWn
	ctx.Debug.DR7 &^= 0x3 << (shift + 2)   // LENn
	ctx.Debug.DR7 |= rw << shift
	ctx.Debug.DR7 |= length << (shift + 2)
	ctx.Debug.DR7 |= 1 << (uint(bp.DRSlot) * 2) // Ln (local enable)
	return m.h.SetContext(ctx)
}

func (m *Manager) disarmHardware(i int) error {
	bp := &m.slots[i]
	ctx, err := m.h.GetContext()
	if err != nil {
		return err
	}
	ctx.Debug.DR7 &^= 1 << (uint(bp.DRSlot) * 2)
	return m.h.SetContext(ctx)
}

// Clear disarms (if enabled) and frees a slot.
func (m *Manager) Clear(i int) error {
	if i < 0 || i >= MaxBreakpoints || m.slots[i].Kind == Empty {
		return fmt.Errorf("breakpoint: no breakpoint at slot %d", i)
	}
	if m.slots[i].Enabled {
		if err := m.disarm(i); err != nil {
			return err
		}
	}
	m.slots[i] = Breakpoint{}
	return nil
}

func (m *Manager) disarm(i int) error {
	if m.slots[i].Kind == Software {
		return m.disarmSoftware(i)
	}
	return m.disarmHardware(i)
}

// Disable disarms a breakpoint but keeps its slot.
func (m *Manager) Disable(i int) error {
	if i < 0 || i >= MaxBreakpoints || m.slots[i].Kind == Empty {
		return fmt.Errorf("breakpoint: no breakpoint at slot %d", i)
	}
	if !m.slots[i].Enabled {
		return nil
	}
	if err := m.disarm(i); err != nil {
		return err
	}
	m.slots[i].Enabled = false
	return nil
}

// Enable re-arms a previously disabled breakpoint.
func (m *Manager) Enable(i int) error {
	if i < 0 || i >= MaxBreakpoints || m.slots[i].Kind == Empty {
		return fmt.Errorf("breakpoint: no breakpoint at slot %d", i)
	}
	if m.slots[i].Enabled {
		return nil
	}
	var err error
	if m.slots[i].Kind == Software {
		err = m.armSoftware(i)
	} else {
		rw, length, derr := drEncoding(m.slots[i].AccessKind, m.slots[i].Size)
		if derr != nil {
			return derr
		}
		err = m.armHardware(i, rw, length)
	}
	if err != nil {
		return err
	}
	m.slots[i].Enabled = true
	return nil
}

// List returns the occupied slots, by index.
func (m *Manager) List() map[int]Breakpoint {
	out := make(map[int]Breakpoint)
	for i, bp := range m.slots {
		if bp.Kind != Empty {
			out[i] = bp
		}
	}
	return out
}

// HitIndex reports the slot the last OnTrap recorded while Prompting,
// or -1 if the manager is Idle or the trap was not breakpoint-related.
func (m *Manager) HitIndex() int { return m.hitIndex }

// State reports the manager's current state-machine state.
func (m *Manager) State() State { return m.state }

// OnTrap implements the Idle- and Restoring-state rows of spec.md
// §4.J's table. ctx is the stopped target's context, mutated in place
// (EIP rewind on a software hit, TF clear/leave on a restore) and
// written back via the host. It reports whether e was consumed as a
// breakpoint event; a false return means the caller should handle e as
// an ordinary fault.
func (m *Manager) OnTrap(e Exception, ctx *host.TargetContext) (bool, error) {
	regs, ok := ctx.Raw.(*arch.Regs)
	if !ok {
		return false, fmt.Errorf("breakpoint: TargetContext.Raw must be *arch.Regs")
	}

	switch m.state {
	case Idle:
		if e.Kind == BreakpointTrap {
			hitAddr := regs.EIP - 1
			for i := range m.slots {
				bp := &m.slots[i]
				if bp.Kind == Software && bp.Enabled && bp.Address.Flat == hitAddr {
					if err := m.disarmSoftware(i); err != nil {
						return false, err
					}
					bp.Enabled = false
					regs.EIP = hitAddr
					if err := m.h.SetContext(ctx); err != nil {
						return false, err
					}
					m.hitIndex = i
					m.state = Prompting
					return true, nil
				}
			}
			return false, nil
		}
		if isHardwareHitKind(e.Kind) && e.DRSlot >= 0 {
			for i := range m.slots {
				bp := &m.slots[i]
				if bp.Kind == Hardware && bp.Enabled && bp.DRSlot == e.DRSlot {
					if err := m.disarmHardware(i); err != nil {
						return false, err
					}
					bp.Enabled = false
					m.hitIndex = i
					m.state = Prompting
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil

	case Restoring:
		if e.Kind != SingleStepTrap {
			return false, nil
		}
		i := m.restoreIndex
		if i < 0 {
			return false, nil
		}
		var err error
		if m.slots[i].Kind == Software {
			err = m.armSoftware(i)
		} else {
			rw, length, derr := drEncoding(m.slots[i].AccessKind, m.slots[i].Size)
			if derr == nil {
				err = m.armHardware(i, rw, length)
			} else {
				err = derr
			}
		}
		if err != nil {
			return false, err
		}
		m.slots[i].Enabled = true

		if !m.restoreTrace {
			regs.EFlags &^= arch.TrapFlag
			if err := m.h.SetContext(ctx); err != nil {
				return false, err
			}
			m.state = Idle
			m.hitIndex = -1
		} else {
			// Trace (`t`): leave TF set for the user's next step but
			// stop and prompt now, same as a fresh breakpoint hit.
			m.state = Prompting
			m.hitIndex = i
		}
		m.restorePending = false
		m.restoreIndex = -1
		return true, nil

	default:
		return false, nil
	}
}

func isHardwareHitKind(k ExceptionKind) bool {
	switch k {
	case FetchFault, DataWriteTrap, IORWTrap, DataReadTrap:
		return true
	default:
		return false
	}
}

// OnContinueCommand implements the Prompting→Restoring transition
// (spec.md §4.J): issued when the user types `g` (trace=false) or `t`
// (trace=true). If a breakpoint was recorded by OnTrap, it arms the
// restore-pending state and sets the trap flag so the very next
// instruction re-traps into OnTrap's Restoring case. If nothing was
// recorded (a plain continue/step with no breakpoint involved), it
// only sets or clears TF accordingly and leaves the state Idle.
func (m *Manager) OnContinueCommand(ctx *host.TargetContext, trace bool) error {
	regs, ok := ctx.Raw.(*arch.Regs)
	if !ok {
		return fmt.Errorf("breakpoint: TargetContext.Raw must be *arch.Regs")
	}

	if m.state == Prompting && m.hitIndex >= 0 {
		m.restorePending = true
		m.restoreIndex = m.hitIndex
		m.restoreTrace = trace
		m.hitIndex = -1
		regs.EFlags |= arch.TrapFlag
		m.state = Restoring
		return m.h.SetContext(ctx)
	}

	if trace {
		regs.EFlags |= arch.TrapFlag
	} else {
		regs.EFlags &^= arch.TrapFlag
	}
	m.state = Idle
	return m.h.SetContext(ctx)
}
