package debugger

import (
	"github.com/dosx-project/dosx/addr"
	"github.com/dosx-project/dosx/arch"
	"github.com/dosx-project/dosx/host"
)

// regsFromHost fetches the live register file out of h's current target
// context, the common first step every closure below needs before it
// can answer a register-name or Register-Index Accumulator query.
func regsFromHost(h host.Host) (*arch.Regs, bool) {
	ctx, err := h.GetContext()
	if err != nil {
		return nil, false
	}
	r, ok := ctx.Raw.(*arch.Regs)
	if !ok {
		return nil, false
	}
	return r, true
}

// NewHostRegLookup returns an addr.RegLookup that resolves a register
// name against h's live target context, wiring spec.md §4.F's register
// atom into address and expression parsing.
func NewHostRegLookup(h host.Host) addr.RegLookup {
	return func(name string) (uint32, uint32, bool) {
		idx, ok := arch.RegisterIndex(name)
		if !ok {
			return 0, 0, false
		}
		r, ok := regsFromHost(h)
		if !ok {
			return 0, 0, false
		}
		v, ok := r.Value(name)
		if !ok {
			return 0, 0, false
		}
		return v, idx, true
	}
}

// NewHostRegValueByIndex returns an addr.RegValueByIndex that resolves a
// Register-Index Accumulator slot against h's live target context,
// wiring spec.md §4.H's memory-operand decomposition back into a
// concrete flat address.
func NewHostRegValueByIndex(h host.Host) addr.RegValueByIndex {
	return func(index uint32) (uint32, bool) {
		r, ok := regsFromHost(h)
		if !ok {
			return 0, false
		}
		return r.IndexValue(index)
	}
}

// NewHostFlatSelectors returns an addr.FlatSelectors that reports the
// live target's current CS/DS, the two selectors a DPMI flat-model
// target actually runs under (spec.md §9 Open Question 3).
func NewHostFlatSelectors(h host.Host) addr.FlatSelectors {
	return func() (cs, ds uint16, ok bool) {
		r, ok2 := regsFromHost(h)
		if !ok2 {
			return 0, 0, false
		}
		return r.CS, r.DS, true
	}
}
