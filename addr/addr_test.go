package addr

import "testing"

func TestNewRealSegFlat(t *testing.T) {
	a := NewRealSeg(0x1000, 0x20)
	if a.Flat != 0x10020 {
		t.Fatalf("flat = %#x, want 0x10020", a.Flat)
	}
}

func TestNewProtSegFlatIsOffset(t *testing.T) {
	a, err := NewProtSeg(0x0008, 0x401000, nil)
	if err != nil {
		t.Fatalf("NewProtSeg: %v", err)
	}
	if a.Flat != 0x401000 {
		t.Fatalf("flat = %#x, want 0x401000 (flat-model assumption)", a.Flat)
	}
}

func TestNewProtSegRejectsNonFlatSelector(t *testing.T) {
	flat := func() (uint16, uint16, bool) { return 0x0008, 0x0010, true }
	_, err := NewProtSeg(0x0028, 0x401000, flat)
	if err != ErrNonFlatSelector {
		t.Fatalf("err = %v, want ErrNonFlatSelector", err)
	}
}

func TestNewProtSegAcceptsLiveFlatSelector(t *testing.T) {
	flat := func() (uint16, uint16, bool) { return 0x0008, 0x0010, true }
	a, err := NewProtSeg(0x0010, 0x2000, flat)
	if err != nil {
		t.Fatalf("NewProtSeg: %v", err)
	}
	if a.Flat != 0x2000 {
		t.Fatalf("flat = %#x, want 0x2000", a.Flat)
	}
}

func TestNewProtSegSkipsCheckWithoutLiveContext(t *testing.T) {
	flat := func() (uint16, uint16, bool) { return 0, 0, false }
	a, err := NewProtSeg(0x0028, 0x401000, flat)
	if err != nil {
		t.Fatalf("NewProtSeg: %v", err)
	}
	if a.Flat != 0x401000 {
		t.Fatalf("flat = %#x, want 0x401000", a.Flat)
	}
}

func TestNewLinear(t *testing.T) {
	a := NewLinear(0x12345678)
	if a.Flat != 0x12345678 || a.Kind != Linear {
		t.Fatalf("got %+v", a)
	}
}

func TestParseLinearPrefix(t *testing.T) {
	a, err := Parse("@401000", DefaultReal, Context{}, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Kind != Linear || a.Flat != 0x401000 {
		t.Fatalf("got %+v", a)
	}
}

func TestParseRealSegPrefixWithSelector(t *testing.T) {
	a, err := Parse("&1000:20", DefaultProtected, Context{}, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Kind != RealSeg || a.Selector != 0x1000 || a.Offset != 0x20 || a.Flat != 0x10020 {
		t.Fatalf("got %+v", a)
	}
}

func TestParseDefaultSelectorUsesCS(t *testing.T) {
	cs := func() uint16 { return 0xABCD }
	a, err := Parse("20", DefaultReal, Context{CS: cs}, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Selector != 0xABCD {
		t.Fatalf("selector = %#x, want CS 0xABCD", a.Selector)
	}
}

func TestParseContextDefault(t *testing.T) {
	a, err := Parse("20", DefaultProtected, Context{CS: func() uint16 { return 8 }}, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Kind != ProtSeg {
		t.Fatalf("kind = %v, want ProtSeg", a.Kind)
	}
}

func TestParseRejectsNonFlatSelector(t *testing.T) {
	flat := func() (uint16, uint16, bool) { return 0x0008, 0x0010, true }
	_, err := Parse("%0028:20", DefaultProtected, Context{Flat: flat}, nil, nil)
	if err != ErrNonFlatSelector {
		t.Fatalf("err = %v, want ErrNonFlatSelector", err)
	}
}

func TestParseMemoryOperandBracket(t *testing.T) {
	regs := map[string]struct {
		value uint32
		index uint32
	}{
		"EBX": {value: 3, index: 3},
		"ESI": {value: 6, index: 6},
	}
	reg := func(name string) (uint32, uint32, bool) {
		r, ok := regs[name]
		return r.value, r.index, ok
	}
	regVal := func(index uint32) (uint32, bool) {
		for _, r := range regs {
			if r.index == index {
				return r.value, true
			}
		}
		return 0, false
	}
	a, err := Parse("[EBX+ESI*4+0x10]", DefaultProtected, Context{RegValue: regVal}, reg, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := uint32(3 + 6*4 + 0x10)
	if a.Offset != want {
		t.Fatalf("offset = %#x, want %#x", a.Offset, want)
	}
}

func TestParseMemoryOperandBracketSingleRegister(t *testing.T) {
	reg := func(name string) (uint32, uint32, bool) {
		if name == "EAX" {
			return 0, 7, true
		}
		return 0, 0, false
	}
	regVal := func(index uint32) (uint32, bool) {
		if index == 7 {
			return 0x1234, true
		}
		return 0, false
	}
	a, err := Parse("[EAX]", DefaultProtected, Context{RegValue: regVal}, reg, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Offset != 0x1234 {
		t.Fatalf("offset = %#x, want 0x1234", a.Offset)
	}
}

func TestParseMemoryOperandWithoutRegValueErrors(t *testing.T) {
	reg := func(name string) (uint32, uint32, bool) {
		if name == "EAX" {
			return 0, 7, true
		}
		return 0, 0, false
	}
	if _, err := Parse("[EAX]", DefaultProtected, Context{}, reg, nil); err == nil {
		t.Fatalf("Parse: want error with no RegValue callback")
	}
}

func TestMemoryRangeStartEnd(t *testing.T) {
	r, err := ParseRange("@1000", "@1010", DefaultReal, Context{}, nil, nil)
	if err != nil {
		t.Fatalf("ParseRange: %v", err)
	}
	if r.Count() != 0x10 {
		t.Fatalf("count = %#x, want 0x10", r.Count())
	}
}

func TestMemoryRangeStartLength(t *testing.T) {
	r, err := ParseRange("@1000", "L10", DefaultReal, Context{}, nil, nil)
	if err != nil {
		t.Fatalf("ParseRange: %v", err)
	}
	if r.Count() != 0x10 {
		t.Fatalf("count = %#x, want 0x10", r.Count())
	}
}
