package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dosx-project/dosx/host"
)

// fakeHost is an in-memory host.Host for loader tests: Open serves bytes
// from a name->content map, Alloc hands out addresses from a
// preprogrammed queue (so tests can force S1's "lands at its declared
// base" and S2's "lands elsewhere" scenarios).
type fakeHost struct {
	files   map[string][]byte
	addrs   []uint32
	nextIdx int
	freed   []host.MemHandle
}

type fakeFile struct {
	r *bytes.Reader
}

func (f *fakeFile) Read(buf []byte) (int, error) { return f.r.Read(buf) }
func (f *fakeFile) Seek(off int64, whence host.Whence) (int64, error) {
	return f.r.Seek(off, int(whence))
}
func (f *fakeFile) Close() error { return nil }

func (h *fakeHost) Open(path string) (host.File, error) {
	data, ok := h.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return &fakeFile{r: bytes.NewReader(data)}, nil
}

func (h *fakeHost) Alloc(size uint32) (uint32, host.MemHandle, error) {
	if h.nextIdx >= len(h.addrs) {
		return 0, 0, errors.New("fakeHost: out of preprogrammed addresses")
	}
	a := h.addrs[h.nextIdx]
	h.nextIdx++
	return a, host.MemHandle(h.nextIdx), nil
}
func (h *fakeHost) Realloc(handle host.MemHandle, newSize uint32) (uint32, host.MemHandle, error) {
	return 0, handle, nil
}
func (h *fakeHost) Free(handle host.MemHandle) error {
	h.freed = append(h.freed, handle)
	return nil
}
func (h *fakeHost) ReadTarget(addr uint32, buf []byte) error  { return nil }
func (h *fakeHost) WriteTarget(addr uint32, buf []byte) error { return nil }
func (h *fakeHost) GetContext() (*host.TargetContext, error) { return &host.TargetContext{}, nil }
func (h *fakeHost) SetContext(ctx *host.TargetContext) error { return nil }
func (h *fakeHost) Continue(mode host.RunMode) (host.Event, error) {
	return host.Event{Kind: host.EventExited}, nil
}

var _ host.Host = (*fakeHost)(nil)

// buildPE is a minimal builder mirroring pecoff_test.go's, duplicated
// here (package-private, small) to keep loader tests independent of the
// pecoff package's test internals.
func buildPE(imageBase, sizeOfImage uint32, relocsStripped, isDLL bool, extra func(opt []byte)) []byte {
	var buf bytes.Buffer
	mz := make([]byte, 0x40)
	binary.LittleEndian.PutUint16(mz[0:2], 0x5A4D)
	binary.LittleEndian.PutUint32(mz[0x3C:0x40], 0x40)
	buf.Write(mz)

	var chars uint16 = 0x0002 // executable image
	if relocsStripped {
		chars |= 0x0001
	}
	if isDLL {
		chars |= 0x2000
	}
	nt := make([]byte, 24)
	binary.LittleEndian.PutUint32(nt[0:4], 0x00004550)
	binary.LittleEndian.PutUint16(nt[4:6], 0x014C)
	binary.LittleEndian.PutUint16(nt[6:8], 1) // 1 section
	const optHdrSize = 96 + 16*8
	binary.LittleEndian.PutUint16(nt[20:22], uint16(optHdrSize))
	binary.LittleEndian.PutUint16(nt[22:24], chars)
	buf.Write(nt)

	opt := make([]byte, optHdrSize)
	binary.LittleEndian.PutUint16(opt[0:2], 0x10B)
	binary.LittleEndian.PutUint32(opt[16:20], 0x1000)
	binary.LittleEndian.PutUint32(opt[28:32], imageBase)
	binary.LittleEndian.PutUint32(opt[56:60], sizeOfImage)
	sizeOfHeaders := uint32(0x200)
	binary.LittleEndian.PutUint32(opt[60:64], sizeOfHeaders)
	if extra != nil {
		extra(opt)
	}
	buf.Write(opt)

	sec := make([]byte, 40)
	copy(sec[0:8], []byte(".text"))
	binary.LittleEndian.PutUint32(sec[8:12], 0x100)
	binary.LittleEndian.PutUint32(sec[12:16], 0x1000)
	binary.LittleEndian.PutUint32(sec[16:20], 0x100)
	binary.LittleEndian.PutUint32(sec[20:24], sizeOfHeaders)
	buf.Write(sec)

	for buf.Len() < int(sizeOfHeaders) {
		buf.WriteByte(0)
	}
	buf.Write(bytes.Repeat([]byte{0x90}, 0x100))
	return buf.Bytes()
}

// S1: load a PE with no relocations and no imports, landing at its
// declared base.
func TestS1_NoRelocsNoImports(t *testing.T) {
	data := buildPE(0x00400000, 0x2000, true, false, nil)
	h := &fakeHost{files: map[string][]byte{"a.exe": data}, addrs: []uint32{0x00400000}}
	reg := NewRegistry()
	l := New(h, reg)

	base, isNew, err := l.Load("a.exe")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !isNew || base != 0x00400000 {
		t.Fatalf("got base=%#x isNew=%v", base, isNew)
	}
	m := reg.FindByBase(0x00400000)
	if m == nil || m.RefCount != 1 {
		t.Fatalf("registry entry = %+v", m)
	}
	if len(reg.Enumerate()) != 1 {
		t.Fatalf("expected exactly one module")
	}
}

// S2: same image but allocator places it elsewhere; relocs are stripped
// so this must fail with MissingRelocs and leave the registry untouched.
func TestS2_NonzeroDeltaRelocsStripped(t *testing.T) {
	data := buildPE(0x00400000, 0x2000, true, false, nil)
	h := &fakeHost{files: map[string][]byte{"a.exe": data}, addrs: []uint32{0x01000000}}
	reg := NewRegistry()
	l := New(h, reg)

	_, _, err := l.Load("a.exe")
	le, ok := err.(*Error)
	if !ok || le.Kind != MissingRelocs {
		t.Fatalf("err = %v, want MissingRelocs", err)
	}
	if len(reg.Enumerate()) != 0 {
		t.Fatalf("registry should be empty, got %v", reg.Enumerate())
	}
	if len(h.freed) != 1 {
		t.Fatalf("expected image buffer to be freed, freed=%v", h.freed)
	}
}

// S3: a relocation block with an unsupported type (HIGHADJ=4, or any
// value other than 0/3) must fail with BadRelocType.
func TestS3_BadRelocType(t *testing.T) {
	// Block header lives right at the start of .text's raw data (RVA
	// 0x1000, file offset 0x200): VirtualAddress=0x1000, SizeOfBlock=10,
	// one entry with an unsupported type at offset 0x20.
	data := buildPE(0x00400000, 0x3000, false, false, func(opt []byte) {
		off := 96 + 5*8 // BASERELOC directory (#5)
		binary.LittleEndian.PutUint32(opt[off:off+4], 0x1000)
		binary.LittleEndian.PutUint32(opt[off+4:off+8], 10)
	})
	const textRawOff = 0x200
	binary.LittleEndian.PutUint32(data[textRawOff:textRawOff+4], 0x1000)
	binary.LittleEndian.PutUint32(data[textRawOff+4:textRawOff+8], 10)
	badEntry := uint16(4)<<12 | 0x20 // HIGHADJ, unsupported
	binary.LittleEndian.PutUint16(data[textRawOff+8:textRawOff+10], badEntry)

	h := &fakeHost{files: map[string][]byte{"a.exe": data}, addrs: []uint32{0x01000000}}
	reg := NewRegistry()
	l := New(h, reg)

	_, _, err := l.Load("a.exe")
	le, ok := err.(*Error)
	if !ok || le.Kind != BadRelocType {
		t.Fatalf("err = %v, want BadRelocType", err)
	}
	if len(reg.Enumerate()) != 0 {
		t.Fatalf("registry should be empty")
	}
}

func TestLoadFreeRoundTrip(t *testing.T) {
	data := buildPE(0x00400000, 0x2000, true, false, nil)
	h := &fakeHost{files: map[string][]byte{"a.exe": data}, addrs: []uint32{0x00400000}}
	reg := NewRegistry()
	l := New(h, reg)

	base, _, err := l.Load("a.exe")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := len(reg.Enumerate())

	found, err := l.Free(base, false, 0)
	if err != nil || !found {
		t.Fatalf("Free: found=%v err=%v", found, err)
	}
	if len(reg.Enumerate()) != before-1 {
		t.Fatalf("expected registry to shrink by one")
	}
	if reg.FindByBase(base) != nil {
		t.Fatalf("module should be gone")
	}
}

func TestExportByOrdinal(t *testing.T) {
	img := make([]byte, 0x4000)
	setExportDir(img, 0x3000)
	dir := pecoffDir(0x3000, 40)

	m := &Module{Filename: "b.dll", Base: 0x10000000, image: img, ExportDir: dir}
	addr, found := ResolveExport(m, ByOrdinal(1))
	if !found || addr != 0x10000000+0x5000 {
		t.Fatalf("ResolveExport ordinal=1: addr=%#x found=%v", addr, found)
	}
	_, found = ResolveExport(m, ByOrdinal(2))
	if found {
		t.Fatal("ordinal=2 should not resolve (only one export)")
	}
}

func setExportDir(img []byte, off uint32) {
	binary.LittleEndian.PutUint32(img[off+16:off+20], 1)      // OrdinalBase
	binary.LittleEndian.PutUint32(img[off+20:off+24], 1)      // NumberOfFunctions
	binary.LittleEndian.PutUint32(img[off+24:off+28], 1)      // NumberOfNames
	binary.LittleEndian.PutUint32(img[off+28:off+32], 0x3100) // AddressOfFunctions
	binary.LittleEndian.PutUint32(img[off+32:off+36], 0x3200) // AddressOfNames
	binary.LittleEndian.PutUint32(img[off+36:off+40], 0x3300) // AddressOfNameOrdinals
	binary.LittleEndian.PutUint32(img[0x3100:0x3104], 0x5000)
	binary.LittleEndian.PutUint16(img[0x3300:0x3302], 0)
}

func pecoffDir(va, size uint32) (dir struct {
	VirtualAddress uint32
	Size           uint32
}) {
	dir.VirtualAddress = va
	dir.Size = size
	return dir
}
