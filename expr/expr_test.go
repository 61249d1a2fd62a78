package expr

import (
	"strings"
	"testing"
)

func mustTokenize(t *testing.T, s string) TokenView {
	t.Helper()
	toks, err := Tokenize(s)
	if err != nil {
		t.Fatalf("Tokenize(%q): %v", s, err)
	}
	return toks
}

func TestTokenizeBasic(t *testing.T) {
	toks := mustTokenize(t, `EBX+ESI*4+0x10 "a string" 'c'`)
	var got []string
	for _, tok := range toks {
		got = append(got, tok.Text)
	}
	want := []string{"EBX", "+", "ESI", "*", "4", "+", "0x10", `"a string"`, "'c'"}
	if len(got) != len(want) {
		t.Fatalf("token count = %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTokenizeStopsAtNewline(t *testing.T) {
	toks := mustTokenize(t, "1+2\n3+4")
	if len(toks) != 3 {
		t.Fatalf("expected tokenization to stop at newline, got %v", toks)
	}
}

func TestTokenizeOverflow(t *testing.T) {
	s := ""
	for i := 0; i < maxTokens+10; i++ {
		s += "1+"
	}
	if _, err := Tokenize(s); err == nil {
		t.Fatal("expected too-many-tokens error")
	}
}

func evalNormal(t *testing.T, s string) uint32 {
	t.Helper()
	toks := mustTokenize(t, s)
	e := NewEvaluator(Normal, nil, nil)
	v, code := e.Eval(toks)
	if code == CodeError {
		t.Fatalf("Eval(%q): %s", s, e.Err())
	}
	return v
}

// S5: ordinary expression evaluation.
func TestEvalArithmetic(t *testing.T) {
	cases := map[string]uint32{
		"1+2*3":   7,
		"~0":      0xFFFFFFFF,
		"(1+2)*3": 9,
		"10-3-2":  0xB,
		"1<<4":    16,
		"0x100>>4": 0x10,
		"5&3":     1,
		"5^3":     6,
		"5|2":     7,
		"-1":      0xFFFFFFFF,
	}
	for expr, want := range cases {
		if got := evalNormal(t, expr); got != want {
			t.Errorf("Eval(%q) = %#x, want %#x", expr, got, want)
		}
	}
}

func TestEvalRegisterNormalMode(t *testing.T) {
	reg := func(name string) (uint32, uint32, bool) {
		if name == "EAX" {
			return 0x1234, 0, true
		}
		return 0, 0, false
	}
	toks := mustTokenize(t, "EAX+1")
	e := NewEvaluator(Normal, reg, nil)
	v, code := e.Eval(toks)
	if code != CodeOK || v != 0x1235 {
		t.Fatalf("Eval(EAX+1) = %#x code=%d, want 0x1235", v, code)
	}
}

// S6: memory-operand decomposition, e.g. [EBX+ESI*4+0x10].
func TestEvalMemoryOperandDecomposition(t *testing.T) {
	indices := map[string]uint32{"EBX": 3, "ESI": 6}
	reg := func(name string) (uint32, uint32, bool) {
		idx, ok := indices[name]
		return 0, idx, ok
	}
	toks := mustTokenize(t, "EBX+ESI*4+0x10")
	e := NewEvaluator(MemoryOperandMode, reg, nil)
	disp, code := e.Eval(toks)
	if code != CodeOK {
		t.Fatalf("Eval: code=%d err=%s", code, e.Err())
	}
	if disp != 0x10 {
		t.Fatalf("displacement = %#x, want 0x10", disp)
	}
	if !e.Accum.HasBase || e.Accum.Base != 3 {
		t.Fatalf("base = %+v, want EBX(3)", e.Accum)
	}
	if !e.Accum.HasIndex || e.Accum.Index != 6 || e.Accum.Scale != 4 {
		t.Fatalf("index = %+v, want ESI(6) scale 4", e.Accum)
	}
}

func TestEvalMemoryOperandRejectsUnsupportedOperator(t *testing.T) {
	reg := func(name string) (uint32, uint32, bool) {
		if name == "EAX" {
			return 0, 0, true
		}
		return 0, 0, false
	}
	toks := mustTokenize(t, "EAX-1")
	e := NewEvaluator(MemoryOperandMode, reg, nil)
	_, code := e.Eval(toks)
	if code != CodeError {
		t.Fatal("expected a parse error for a register used with '-' in memory-operand mode")
	}
}

func TestEvalSingleRegisterMemoryOperand(t *testing.T) {
	reg := func(name string) (uint32, uint32, bool) {
		if name == "EAX" {
			return 0, 7, true
		}
		return 0, 0, false
	}
	toks := mustTokenize(t, "EAX")
	e := NewEvaluator(MemoryOperandMode, reg, nil)
	v, code := e.Eval(toks)
	if code != CodeRegister || v != 7 {
		t.Fatalf("Eval(EAX) = %d code=%d, want index 7 code 1", v, code)
	}
}

// Invariant 6: joining the token texts with single spaces and
// tokenizing the result again yields the same token sequence.
func TestTokenizeIdempotent(t *testing.T) {
	const s = "EBX+ESI*4+0x10"
	a := mustTokenize(t, s)
	texts := make([]string, len(a))
	for i, tok := range a {
		texts[i] = tok.Text
	}
	b := mustTokenize(t, strings.Join(texts, " "))
	if len(a) != len(b) {
		t.Fatalf("token count differs after re-tokenizing")
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Text != b[i].Text {
			t.Fatalf("token %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

// Invariant 7: parenthesization does not change the evaluated result.
func TestParenthesizationInvariance(t *testing.T) {
	a := evalNormal(t, "1+2*3-4")
	b := evalNormal(t, "(1+(2*3))-4")
	if a != b {
		t.Fatalf("parenthesization changed result: %#x vs %#x", a, b)
	}
}
