package addr

import (
	"fmt"

	"github.com/dosx-project/dosx/expr"
)

// MemoryRange is a span of memory expressed either as `start end` or
// `start L count` (spec.md §4.F's companion range syntax, used by
// debugger commands like `d` (dump) that take a start/end or
// start/length pair).
type MemoryRange struct {
	Start Address
	End   Address
}

// Count returns the number of bytes the range spans.
func (r MemoryRange) Count() uint32 {
	d := r.End.Sub(r.Start)
	if d < 0 {
		return 0
	}
	return uint32(d)
}

// ParseRange parses "start end" or "start L count" into a MemoryRange,
// reusing Parse for each address term. count is a plain expression that
// is added to start.
func ParseRange(startText, rest string, def DefaultMode, ctx Context, reg RegLookup, sym SymLookup) (MemoryRange, error) {
	start, err := Parse(startText, def, ctx, reg, sym)
	if err != nil {
		return MemoryRange{}, fmt.Errorf("addr: range start: %w", err)
	}

	if len(rest) > 0 && (rest[0] == 'L' || rest[0] == 'l') {
		toks, err := expr.Tokenize(rest[1:])
		if err != nil {
			return MemoryRange{}, fmt.Errorf("addr: range count: %w", err)
		}
		count, err := evalOffset(expr.TokenView(toks), reg, sym, ctx.RegValue)
		if err != nil {
			return MemoryRange{}, fmt.Errorf("addr: range count: %w", err)
		}
		end := start
		end.Flat = start.Flat + count
		end.Offset = start.Offset + count
		return MemoryRange{Start: start, End: end}, nil
	}

	end, err := Parse(rest, def, ctx, reg, sym)
	if err != nil {
		return MemoryRange{}, fmt.Errorf("addr: range end: %w", err)
	}
	return MemoryRange{Start: start, End: end}, nil
}
