package expr

import "strconv"

// Mode selects how register atoms are treated (spec.md §4.H).
type Mode int

const (
	// Normal evaluates registers to their current value.
	Normal Mode = iota
	// MemoryOperandMode evaluates registers into the Register-Index
	// Accumulator instead of a numeric value, for parsing effective
	// addresses like `EBX+ESI*4+0x10`.
	MemoryOperandMode
)

// Evaluator return codes (spec.md §4.H).
const (
	CodeOK       = 0
	CodeRegister = 1
	CodeError    = 2
)

// RegLookup resolves an identifier to a register. index is the
// register's small architectural index (e.g. into arch.RegisterNames),
// used by the Register-Index Accumulator; value is its current contents,
// used in Normal mode.
type RegLookup func(name string) (value uint32, index uint32, ok bool)

// SymLookup resolves a user symbol to its address.
type SymLookup func(name string) (uint32, bool)

// RegAccum records register operands folded out of a memory-operand
// expression: at most one base (added alone or via `+`) and one scaled
// index (via `reg*constant`).
type RegAccum struct {
	HasBase  bool
	Base     uint32
	HasIndex bool
	Index    uint32
	Scale    uint32
}

// Evaluator evaluates a TokenView under a fixed Mode. curPos records the
// last-visited token position so error messages can point at it, in the
// teacher's "evaluator struct carries its own error context" idiom
// (ogle/program/server/eval.go's evaluator.curNode).
type Evaluator struct {
	Mode Mode
	Reg  RegLookup
	Sym  SymLookup

	Accum  RegAccum
	curPos int
	err    string
}

// NewEvaluator returns an Evaluator for the given mode and lookups. reg
// or sym may be nil if that atom kind is never expected.
func NewEvaluator(mode Mode, reg RegLookup, sym SymLookup) *Evaluator {
	return &Evaluator{Mode: mode, Reg: reg, Sym: sym}
}

// Err returns the message recorded by the most recent failing Eval, or
// "" if the last Eval succeeded.
func (e *Evaluator) Err() string { return e.err }

func (e *Evaluator) fail(tok Token, msg string) (uint32, int) {
	e.curPos = tok.Pos
	e.err = msg
	return 0, CodeError
}

// Eval evaluates view at the lowest-precedence level (bitwise or),
// descending through the grammar of spec.md §4.H:
//
//	paren > unary{~ -} > * > +/- > <</>> > & > ^ > |
func (e *Evaluator) Eval(view TokenView) (uint32, int) {
	e.err = ""
	return e.evalOr(view)
}

// splitAtLowest scans view right-to-left at paren depth 0 for the
// rightmost operator in ops, so repeated same-precedence operators fold
// left-associatively. An operator at index 0 is never treated as a
// binary split point (nothing precedes it to be a left operand) — it is
// left for the unary level to claim instead.
func splitAtLowest(view TokenView, ops string) (left, right TokenView, opTok Token, found bool) {
	depth := 0
	for i := len(view) - 1; i >= 0; i-- {
		t := view[i]
		if t.Kind != Operator {
			continue
		}
		switch t.Text {
		case ")":
			depth++
			continue
		case "(":
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if i == 0 {
			continue
		}
		if indexByte(ops, t.Text[0]) {
			return view[:i], view[i+1:], t, true
		}
	}
	return nil, nil, Token{}, false
}

func indexByte(set string, b byte) bool {
	for i := 0; i < len(set); i++ {
		if set[i] == b {
			return true
		}
	}
	return false
}

func (e *Evaluator) evalOr(view TokenView) (uint32, int) {
	if l, r, op, ok := splitAtLowest(view, "|"); ok {
		return e.combine(l, r, op, e.evalOr, e.evalXor)
	}
	return e.evalXor(view)
}

func (e *Evaluator) evalXor(view TokenView) (uint32, int) {
	if l, r, op, ok := splitAtLowest(view, "^"); ok {
		return e.combine(l, r, op, e.evalXor, e.evalAnd)
	}
	return e.evalAnd(view)
}

func (e *Evaluator) evalAnd(view TokenView) (uint32, int) {
	if l, r, op, ok := splitAtLowest(view, "&"); ok {
		return e.combine(l, r, op, e.evalAnd, e.evalShift)
	}
	return e.evalShift(view)
}

// splitShift finds the rightmost pair of adjacent identical `<` or `>`
// tokens at paren depth 0: the tokenizer emits each one as a separate
// one-character operator (spec.md §4.G), so `<<`/`>>` are recognized
// here, by context, as the shift operator.
func splitShift(view TokenView) (left, right TokenView, opTok Token, found bool) {
	depth := 0
	for i := len(view) - 1; i >= 1; i-- {
		t := view[i]
		if t.Kind != Operator {
			continue
		}
		switch t.Text {
		case ")":
			depth++
			continue
		case "(":
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		prev := view[i-1]
		if prev.Kind == Operator && prev.Text == t.Text && (t.Text == "<" || t.Text == ">") {
			if i-1 == 0 {
				continue
			}
			return view[:i-1], view[i+1:], Token{Kind: Operator, Text: t.Text + t.Text, Pos: prev.Pos}, true
		}
	}
	return nil, nil, Token{}, false
}

func (e *Evaluator) evalShift(view TokenView) (uint32, int) {
	if l, r, op, ok := splitShift(view); ok {
		return e.combine(l, r, op, e.evalShift, e.evalAddSub)
	}
	return e.evalAddSub(view)
}

func (e *Evaluator) evalAddSub(view TokenView) (uint32, int) {
	if l, r, op, ok := splitAtLowest(view, "+-"); ok {
		return e.combine(l, r, op, e.evalAddSub, e.evalMul)
	}
	return e.evalMul(view)
}

func (e *Evaluator) evalMul(view TokenView) (uint32, int) {
	if l, r, op, ok := splitAtLowest(view, "*"); ok {
		return e.combine(l, r, op, e.evalMul, e.evalUnary)
	}
	return e.evalUnary(view)
}

func (e *Evaluator) evalUnary(view TokenView) (uint32, int) {
	if len(view) == 0 {
		return e.fail(Token{}, "empty expression")
	}
	if view[0].Kind == Operator && (view[0].Text == "~" || view[0].Text == "-") {
		v, code := e.evalUnary(view[1:])
		if code == CodeError {
			return 0, code
		}
		if code == CodeRegister {
			return e.fail(view[0], "unary operator cannot apply to a register")
		}
		if view[0].Text == "~" {
			return ^v, CodeOK
		}
		return uint32(-int32(v)), CodeOK
	}
	return e.evalAtom(view)
}

func (e *Evaluator) evalAtom(view TokenView) (uint32, int) {
	if len(view) == 0 {
		return e.fail(Token{}, "empty expression")
	}
	if view[0].Kind == Operator && view[0].Text == "(" &&
		view[len(view)-1].Kind == Operator && view[len(view)-1].Text == ")" &&
		parenSpansWhole(view) {
		return e.evalOr(view[1 : len(view)-1])
	}
	if len(view) != 1 {
		return e.fail(view[0], "unexpected token")
	}
	tok := view[0]
	switch tok.Kind {
	case Ident:
		return e.evalIdent(tok)
	default:
		return e.fail(tok, "unexpected token")
	}
}

// parenSpansWhole checks that the leading '(' matches the trailing ')'
// rather than some inner, unrelated pair (e.g. "(1)+(2)" must not be
// treated as one parenthesized view).
func parenSpansWhole(view TokenView) bool {
	depth := 0
	for i, t := range view {
		if t.Kind != Operator {
			continue
		}
		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i == len(view)-1
			}
		}
	}
	return false
}

func (e *Evaluator) evalIdent(tok Token) (uint32, int) {
	name := tok.Text
	if e.Reg != nil {
		if value, index, ok := e.Reg(name); ok {
			if e.Mode == MemoryOperandMode {
				return index, CodeRegister
			}
			return value, CodeOK
		}
	}
	if e.Sym != nil {
		if addr, ok := e.Sym(name); ok {
			return addr, CodeOK
		}
	}
	if len(name) == 3 && name[0] == '\'' && name[2] == '\'' {
		return uint32(name[1]), CodeOK
	}
	digits := name
	if len(digits) > 1 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		digits = digits[2:]
	}
	n, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return e.fail(tok, "not a register, symbol, or hex integer: "+name)
	}
	return uint32(n), CodeOK
}

// combine folds two already-evaluated sub-results according to op,
// enforcing spec.md §4.H's memory-operand rule: only `+` and
// `register*constant` may involve a register operand; any other
// operator paired with a register is a parse error.
func (e *Evaluator) combine(left, right TokenView, op Token, evalSame, evalNext func(TokenView) (uint32, int)) (uint32, int) {
	lv, lcode := evalSame(left)
	if lcode == CodeError {
		return 0, lcode
	}
	rv, rcode := evalNext(right)
	if rcode == CodeError {
		return 0, rcode
	}

	if lcode == CodeOK && rcode == CodeOK {
		return e.arith(op.Text, lv, rv), CodeOK
	}

	if e.Mode != MemoryOperandMode {
		return e.fail(op, "register used in non-memory-operand context")
	}

	switch op.Text {
	case "+":
		if lcode == CodeRegister {
			if err := e.addRegister(lv, 1, false); err != "" {
				return e.fail(op, err)
			}
		}
		if rcode == CodeRegister {
			if err := e.addRegister(rv, 1, false); err != "" {
				return e.fail(op, err)
			}
		}
		immediate := uint32(0)
		if lcode == CodeOK {
			immediate += lv
		}
		if rcode == CodeOK {
			immediate += rv
		}
		return immediate, CodeOK
	case "*":
		if lcode == CodeRegister && rcode == CodeRegister {
			return e.fail(op, "register cannot be multiplied by another register")
		}
		regIdx, scaleVal := lv, rv
		if rcode == CodeRegister {
			regIdx, scaleVal = rv, lv
		}
		if err := e.addRegister(regIdx, scaleVal, true); err != "" {
			return e.fail(op, err)
		}
		return 0, CodeOK
	default:
		return e.fail(op, "register used with unsupported operator")
	}
}

// addRegister folds a register operand into the accumulator. A register
// reached through `*` (viaMultiply) always claims the scaled index slot
// regardless of evaluation order, since splitAtLowest's right-split
// recursion can evaluate a nested `reg*scale` subexpression before an
// outer plain `+reg` operand that textually precedes it; slotting by
// how the register was combined, rather than by call order, keeps the
// decomposition stable no matter which subexpression the evaluator
// visits first. A plain `+reg` fills the base slot first, then the
// index slot (scale 1) if the base is already taken.
func (e *Evaluator) addRegister(index, scale uint32, viaMultiply bool) string {
	if viaMultiply {
		if e.Accum.HasIndex {
			return "memory operand cannot use more than one scaled index"
		}
		e.Accum.HasIndex = true
		e.Accum.Index = index
		if scale == 0 {
			scale = 1
		}
		e.Accum.Scale = scale
		return ""
	}
	if !e.Accum.HasBase {
		e.Accum.HasBase = true
		e.Accum.Base = index
		return ""
	}
	if !e.Accum.HasIndex {
		e.Accum.HasIndex = true
		e.Accum.Index = index
		e.Accum.Scale = 1
		return ""
	}
	return "memory operand cannot use more than two registers"
}

func (e *Evaluator) arith(op string, l, r uint32) uint32 {
	switch op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "<<":
		return l << r
	case ">>":
		return l >> r
	case "&":
		return l & r
	case "^":
		return l ^ r
	case "|":
		return l | r
	}
	return 0
}
