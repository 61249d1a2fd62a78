package pecoff

import (
	"encoding/binary"
	"errors"
)

// ImportDescriptor is one IMAGE_IMPORT_DESCRIPTOR (spec.md §6).
type ImportDescriptor struct {
	OriginalFirstThunk uint32 // RVA to the hint table
	Name               uint32 // RVA to the module name
	FirstThunk         uint32 // RVA to the IAT
}

// OrdinalFlag marks a thunk value as an ordinal rather than a name RVA.
const OrdinalFlag = 0x80000000

// ImportDescriptors walks the import data directory inside img (the
// loaded, relocation-free image buffer addressed by RVA) and returns the
// descriptor list, stopping at the zeroed terminator (spec.md §6).
func ImportDescriptors(img []byte, dir DataDirectory) ([]ImportDescriptor, error) {
	if dir.Size == 0 {
		return nil, nil
	}
	var out []ImportDescriptor
	off := dir.VirtualAddress
	const entrySize = 20
	for {
		if uint64(off)+entrySize > uint64(len(img)) {
			return nil, errors.New("import descriptor runs past end of image")
		}
		e := img[off : off+entrySize]
		d := ImportDescriptor{
			OriginalFirstThunk: binary.LittleEndian.Uint32(e[0:4]),
			Name:               binary.LittleEndian.Uint32(e[12:16]),
			FirstThunk:         binary.LittleEndian.Uint32(e[16:20]),
		}
		if d.OriginalFirstThunk == 0 && d.Name == 0 && d.FirstThunk == 0 {
			break
		}
		out = append(out, d)
		off += entrySize
	}
	return out, nil
}

// CString reads a NUL-terminated string at RVA off in img.
func CString(img []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(img)) {
		return "", errors.New("string RVA out of range")
	}
	end := off
	for end < uint32(len(img)) && img[end] != 0 {
		end++
		if end-off > 0x10000 {
			return "", errors.New("string RVA has no terminator within 64K")
		}
	}
	return string(img[off:end]), nil
}

// ThunkEntries reads the 32-bit thunk array at RVA off until a zero
// terminator, used for both the hint table (OriginalFirstThunk) and the
// IAT (FirstThunk), which are parallel arrays of the same length
// (spec.md §4.D step 7).
func ThunkEntries(img []byte, off uint32) ([]uint32, error) {
	var out []uint32
	for {
		if uint64(off)+4 > uint64(len(img)) {
			return nil, errors.New("thunk table runs past end of image")
		}
		v := binary.LittleEndian.Uint32(img[off : off+4])
		if v == 0 {
			break
		}
		out = append(out, v)
		off += 4
	}
	return out, nil
}

// HintName reads the {Hint:u16; Name:NUL-terminated} record a non-
// ordinal thunk points to.
func HintName(img []byte, rva uint32) (hint uint16, name string, err error) {
	if uint64(rva)+2 > uint64(len(img)) {
		return 0, "", errors.New("hint/name RVA out of range")
	}
	hint = binary.LittleEndian.Uint16(img[rva : rva+2])
	name, err = CString(img, rva+2)
	return hint, name, err
}

// RelocBlockHeader is the fixed portion of one base relocation block.
type RelocBlockHeader struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

// RelocType is the high 4 bits of a 16-bit relocation entry.
type RelocType uint8

const (
	RelocAbsolute RelocType = 0
	RelocHighLow  RelocType = 3
)

// RelocEntry is one decoded 16-bit base relocation entry.
type RelocEntry struct {
	Type   RelocType
	Offset uint32 // low 12 bits, added to the block's VirtualAddress
}

// RelocBlock is one base relocation block: its header and its decoded
// entries.
type RelocBlock struct {
	RelocBlockHeader
	Entries []RelocEntry
}

// BaseRelocations walks the base relocation data directory inside img,
// stopping at a block whose VirtualAddress is zero (spec.md §4.D step 5).
func BaseRelocations(img []byte, dir DataDirectory) ([]RelocBlock, error) {
	if dir.Size == 0 {
		return nil, nil
	}
	var out []RelocBlock
	off := dir.VirtualAddress
	end := dir.VirtualAddress + dir.Size
	for off < end {
		if uint64(off)+8 > uint64(len(img)) {
			return nil, errors.New("relocation block header runs past end of image")
		}
		va := binary.LittleEndian.Uint32(img[off : off+4])
		size := binary.LittleEndian.Uint32(img[off+4 : off+8])
		if va == 0 {
			break
		}
		if size < 8 || uint64(off)+uint64(size) > uint64(len(img)) {
			return nil, errors.New("relocation block has invalid size")
		}
		blk := RelocBlock{RelocBlockHeader: RelocBlockHeader{VirtualAddress: va, SizeOfBlock: size}}
		entryBytes := img[off+8 : off+size]
		for i := 0; i+2 <= len(entryBytes); i += 2 {
			raw := binary.LittleEndian.Uint16(entryBytes[i : i+2])
			blk.Entries = append(blk.Entries, RelocEntry{
				Type:   RelocType(raw >> 12),
				Offset: uint32(raw & 0xFFF),
			})
		}
		out = append(out, blk)
		off += size
	}
	return out, nil
}

// ExportDirectory is the subset of IMAGE_EXPORT_DIRECTORY the resolver
// needs (spec.md §6).
type ExportDirectory struct {
	OrdinalBase             uint32
	NumberOfFunctions        uint32
	NumberOfNames            uint32
	AddressOfFunctions       uint32 // RVA to u32[NumberOfFunctions]
	AddressOfNames           uint32 // RVA to u32[NumberOfNames] (name RVAs)
	AddressOfNameOrdinals    uint32 // RVA to u16[NumberOfNames]
}

// ReadExportDirectory parses the export data directory inside img.
func ReadExportDirectory(img []byte, dir DataDirectory) (*ExportDirectory, error) {
	if dir.Size == 0 {
		return nil, nil
	}
	off := dir.VirtualAddress
	if uint64(off)+40 > uint64(len(img)) {
		return nil, errors.New("export directory runs past end of image")
	}
	e := img[off : off+40]
	return &ExportDirectory{
		OrdinalBase:           binary.LittleEndian.Uint32(e[16:20]),
		NumberOfFunctions:     binary.LittleEndian.Uint32(e[20:24]),
		NumberOfNames:         binary.LittleEndian.Uint32(e[24:28]),
		AddressOfFunctions:    binary.LittleEndian.Uint32(e[28:32]),
		AddressOfNames:        binary.LittleEndian.Uint32(e[32:36]),
		AddressOfNameOrdinals: binary.LittleEndian.Uint32(e[36:40]),
	}, nil
}

// FunctionRVA returns AddressOfFunctions[i].
func (ed *ExportDirectory) FunctionRVA(img []byte, i uint32) uint32 {
	off := ed.AddressOfFunctions + i*4
	return binary.LittleEndian.Uint32(img[off : off+4])
}

// NameRVA returns AddressOfNames[i].
func (ed *ExportDirectory) NameRVA(img []byte, i uint32) uint32 {
	off := ed.AddressOfNames + i*4
	return binary.LittleEndian.Uint32(img[off : off+4])
}

// NameOrdinal returns AddressOfNameOrdinals[i].
func (ed *ExportDirectory) NameOrdinal(img []byte, i uint32) uint16 {
	off := ed.AddressOfNameOrdinals + i*2
	return binary.LittleEndian.Uint16(img[off : off+2])
}
