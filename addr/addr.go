// Package addr implements the three-variant Address model (spec.md
// §3, §4.F): a tagged union of a flat linear address, a protected-mode
// segment:offset pair, and a real-mode segment:offset pair, each
// carrying its own computed flat-linear form. Grounded on
// core/mapping.go's Address/arithmetic idiom, generalized from the
// teacher's single flat address space to dosx's segmented variants.
package addr

import (
	"errors"
	"fmt"

	"github.com/dosx-project/dosx/expr"
)

// Kind discriminates an Address's variant.
type Kind int

const (
	Undefined Kind = iota
	Linear
	ProtSeg
	RealSeg
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case ProtSeg:
		return "protected segment"
	case RealSeg:
		return "real segment"
	default:
		return "undefined"
	}
}

// Address is a tagged-variant address (spec.md §3). Selector is unused
// when Kind is Linear or Undefined. Flat always holds the computed
// flat-linear form described in spec.md §4.F.
type Address struct {
	Kind     Kind
	Selector uint16
	Offset   uint32
	Flat     uint32
}

// NewLinear builds a Linear address.
func NewLinear(flat uint32) Address {
	return Address{Kind: Linear, Offset: flat, Flat: flat}
}

// NewRealSeg builds a RealSeg address, computing its flat form as
// (selector<<4)+offset.
func NewRealSeg(selector uint16, offset uint32) Address {
	return Address{Kind: RealSeg, Selector: selector, Offset: offset, Flat: uint32(selector)<<4 + offset}
}

// ErrNonFlatSelector is returned by NewProtSeg when flat is non-nil, has
// a live answer, and selector matches neither of it — i.e. the selector
// is known not to be one of the target's flat (base 0) selectors.
var ErrNonFlatSelector = errors.New("addr: selector is not one of the target's flat selectors")

// FlatSelectors reports the protected-mode selector pair (typically CS
// and DS) a DPMI flat-model target is actually running under, both with
// descriptor base 0. It is read from the live register context, not a
// static constant, since nothing else in dosx walks the GDT/LDT (see
// the dg/didt/divt commands, which are explicitly unsupported).
type FlatSelectors func() (cs, ds uint16, ok bool)

// NewProtSeg builds a ProtSeg address. Per spec.md §9 Open Question 3,
// the flat linear form is only the offset when the selector's
// descriptor base is actually 0; dosx has no general GDT/LDT walker to
// confirm that for an arbitrary selector, so instead it accepts a
// selector only when flat reports it as one of the two selectors the
// live target is actually using (which are, by construction, base-0
// flat selectors under the DPMI host). flat == nil, or flat reporting
// ok == false (no live context yet), skips the check rather than
// guessing — callers without a live target (e.g. static disassembly of
// a selector literal typed at the prompt) still get the flat-model
// offset-passthrough behavior, just unverified.
func NewProtSeg(selector uint16, offset uint32, flat FlatSelectors) (Address, error) {
	if flat != nil {
		if cs, ds, ok := flat(); ok && selector != cs && selector != ds {
			return Address{}, ErrNonFlatSelector
		}
	}
	return Address{Kind: ProtSeg, Selector: selector, Offset: offset, Flat: offset}, nil
}

// Sub returns int64(a-b) of the two addresses' flat forms, mirroring
// core/mapping.go's Mapping.Size via Address.Sub.
func (a Address) Sub(b Address) int64 {
	return int64(a.Flat) - int64(b.Flat)
}

func (a Address) String() string {
	switch a.Kind {
	case Linear:
		return fmt.Sprintf("%#08x", a.Flat)
	case ProtSeg:
		return fmt.Sprintf("%04x:%08x", a.Selector, a.Offset)
	case RealSeg:
		return fmt.Sprintf("%04x:%04x", a.Selector, a.Offset)
	default:
		return "<undefined address>"
	}
}

// DefaultMode selects the address Kind used when the textual form gives
// no `@`/`%`/`&` prefix (spec.md §4.F: "context default").
type DefaultMode int

const (
	DefaultReal DefaultMode = iota
	DefaultProtected
)

// RegLookup and SymLookup are the same shape as expr's, re-exported here
// so callers only need to implement one pair of lookups to drive both
// expression evaluation and address parsing.
type RegLookup = expr.RegLookup
type SymLookup = expr.SymLookup

// DefaultSelector supplies the selector used when the text has an
// offset but no explicit selector (spec.md §4.F: "a default selector
// (CS)"). It is a function rather than a fixed value because CS is
// whatever the current target context says it is.
type DefaultSelector func() uint16

// RegValueByIndex resolves a Register-Index Accumulator slot (as
// expr.RegAccum records it) back to that register's current value. It
// is the inverse of arch.RegisterIndex, supplied by a caller that has a
// live register context.
type RegValueByIndex func(index uint32) (uint32, bool)

// Context bundles the live-target inputs Parse needs beyond the bare
// address text and the reg/sym lookups. Every field may be nil: a nil CS
// leaves the default selector 0, a nil Flat skips the flat-selector
// check, and a nil RegValue makes a bracketed memory operand an error.
type Context struct {
	CS       DefaultSelector
	Flat     FlatSelectors
	RegValue RegValueByIndex
}

// Parse parses s per spec.md §4.F: an optional `@`/`%`/`&` prefix
// selects the variant (Linear/ProtSeg/RealSeg); otherwise def picks the
// variant. The following expression is the selector if a `:` token
// follows it, else it is the offset and ctx.CS supplies the selector.
// The offset expression may be a bracketed memory operand (spec.md
// §4.H), e.g. `[EBX+ESI*4+0x10]`.
func Parse(s string, def DefaultMode, ctx Context, reg RegLookup, sym SymLookup) (Address, error) {
	toks, err := expr.Tokenize(s)
	if err != nil {
		return Address{}, err
	}
	view := expr.TokenView(toks)

	kind := Undefined
	switch {
	case len(view) > 0 && view[0].Kind == expr.Operator && view[0].Text == "@":
		kind = Linear
		view = view[1:]
	case len(view) > 0 && view[0].Kind == expr.Operator && view[0].Text == "%":
		kind = ProtSeg
		view = view[1:]
	case len(view) > 0 && view[0].Kind == expr.Operator && view[0].Text == "&":
		kind = RealSeg
		view = view[1:]
	default:
		if def == DefaultProtected {
			kind = ProtSeg
		} else {
			kind = RealSeg
		}
	}

	colon := -1
	depth := 0
	for i, t := range view {
		if t.Kind != expr.Operator {
			continue
		}
		switch t.Text {
		case "(", "[":
			depth++
		case ")", "]":
			depth--
		case ":":
			if depth == 0 {
				colon = i
			}
		}
	}

	if colon >= 0 {
		e := expr.NewEvaluator(expr.Normal, reg, sym)
		selVal, code := e.Eval(view[:colon])
		if code == expr.CodeError {
			return Address{}, fmt.Errorf("addr: selector: %s", e.Err())
		}
		offVal, err := evalOffset(view[colon+1:], reg, sym, ctx.RegValue)
		if err != nil {
			return Address{}, err
		}
		return build(kind, uint16(selVal), offVal, ctx.Flat)
	}

	offVal, err := evalOffset(view, reg, sym, ctx.RegValue)
	if err != nil {
		return Address{}, err
	}
	sel := uint16(0)
	if kind == Linear {
		return NewLinear(offVal), nil
	}
	if ctx.CS != nil {
		sel = ctx.CS()
	}
	return build(kind, sel, offVal, ctx.Flat)
}

// evalOffset evaluates view as a flat offset/displacement. A view
// wrapped in `[...]` is a memory operand (spec.md §4.H): its registers
// decompose through the Register-Index Accumulator — base, scaled
// index, and displacement kept separate — and are only then summed back
// into one value via regVal, the way a real effective-address
// calculation resolves a SIB byte instead of adding register values
// directly.
func evalOffset(view expr.TokenView, reg RegLookup, sym SymLookup, regVal RegValueByIndex) (uint32, error) {
	if bracketSpansWhole(view) {
		return evalMemoryOperand(view[1:len(view)-1], reg, regVal)
	}
	e := expr.NewEvaluator(expr.Normal, reg, sym)
	v, code := e.Eval(view)
	if code == expr.CodeError {
		return 0, fmt.Errorf("addr: %s", e.Err())
	}
	return v, nil
}

func bracketSpansWhole(view expr.TokenView) bool {
	if len(view) < 2 || view[0].Kind != expr.Operator || view[0].Text != "[" {
		return false
	}
	depth := 0
	for i, t := range view {
		if t.Kind != expr.Operator {
			continue
		}
		switch t.Text {
		case "[":
			depth++
		case "]":
			depth--
			if depth == 0 {
				return i == len(view)-1
			}
		}
	}
	return false
}

func evalMemoryOperand(view expr.TokenView, reg RegLookup, regVal RegValueByIndex) (uint32, error) {
	e := expr.NewEvaluator(expr.MemoryOperandMode, reg, nil)
	v, code := e.Eval(view)
	if code == expr.CodeError {
		return 0, fmt.Errorf("addr: memory operand: %s", e.Err())
	}

	total := uint32(0)
	if code == expr.CodeRegister {
		rv, err := resolveRegSlot(v, regVal)
		if err != nil {
			return 0, err
		}
		total = rv
	} else {
		total = v
	}
	if e.Accum.HasBase {
		rv, err := resolveRegSlot(e.Accum.Base, regVal)
		if err != nil {
			return 0, err
		}
		total += rv
	}
	if e.Accum.HasIndex {
		rv, err := resolveRegSlot(e.Accum.Index, regVal)
		if err != nil {
			return 0, err
		}
		scale := e.Accum.Scale
		if scale == 0 {
			scale = 1
		}
		total += rv * scale
	}
	return total, nil
}

func resolveRegSlot(index uint32, regVal RegValueByIndex) (uint32, error) {
	if regVal == nil {
		return 0, fmt.Errorf("addr: memory operand: no register context to resolve slot %d", index)
	}
	v, ok := regVal(index)
	if !ok {
		return 0, fmt.Errorf("addr: memory operand: unresolved register slot %d", index)
	}
	return v, nil
}

func build(kind Kind, sel uint16, off uint32, flat FlatSelectors) (Address, error) {
	switch kind {
	case Linear:
		return NewLinear(off), nil
	case ProtSeg:
		return NewProtSeg(sel, off, flat)
	case RealSeg:
		return NewRealSeg(sel, off), nil
	default:
		return Address{Kind: Undefined}, nil
	}
}
