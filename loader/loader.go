// Package loader implements the Module Registry and Image Loader
// (spec.md §4.C, §4.D): it orchestrates header parsing (package pecoff),
// section copy, relocation, import resolution, and entry-point
// invocation against a host.Host.
package loader

import (
	"bytes"
	"io"

	"github.com/dosx-project/dosx/host"
	"github.com/dosx-project/dosx/pecoff"
)

// EntryFunc is a module's entry point, already relocated into place and
// callable through the host. reason is DLL_PROCESS_ATTACH/DETACH; it
// returns false to signal failure (spec.md §4.D step 8).
type EntryFunc func(base uint32, reason int, reserved uint32) bool

const (
	ReasonProcessAttach = 1
	ReasonProcessDetach = 0
)

// Loader orchestrates loading PE images against a Host and a Registry.
// CallEntry is how the loader invokes a module's entry point; it is a
// field (not a host method) because entry-point invocation means
// transferring control to target code at a specific address, which
// differs completely between a DPMI build (far call through a selector)
// and a test harness (a Go func standing in for the target).
type Loader struct {
	Host      host.Host
	Registry  *Registry
	CallEntry func(entry uint32, base uint32, reason int, reserved uint32) (bool, error)

	// Symbols is the aggregate COFF symbol table across every module this
	// Loader has loaded (spec.md §3.1 supplement). Left nil, Load simply
	// skips symbol-table construction; the debugger's x/ln commands then
	// behave as if no symbols were ever loaded.
	Symbols *SymbolTable

	// OpenModule resolves a bare import-descriptor module name ("KERNEL32.DLL")
	// to a path Host.Open can read. Defaults to using the name verbatim.
	OpenModule func(name string) string
}

// New returns a Loader ready to load modules into registry via h, with
// an empty symbol table.
func New(h host.Host, registry *Registry) *Loader {
	return &Loader{
		Host:       h,
		Registry:   registry,
		Symbols:    NewSymbolTable(),
		OpenModule: func(name string) string { return name },
	}
}

// Load implements the top-level loader contract of spec.md §4.D:
// load(name) -> (base, isNew) | ErrorKind.
func (l *Loader) Load(name string) (base uint32, isNew bool, err error) {
	// Step 1: de-duplication.
	if existing := l.Registry.FindByName(name); existing != nil {
		existing.RefCount++
		return existing.Base, false, nil
	}

	path := name
	if l.OpenModule != nil {
		path = l.OpenModule(name)
	}

	// Step 2: headers.
	f, err := l.Host.Open(path)
	if err != nil {
		return 0, false, newErr(name, IoError, err)
	}
	defer f.Close()

	raw, err := readAll(f)
	if err != nil {
		return 0, false, newErr(name, IoError, err)
	}

	pe, err := pecoff.NewFile(bytes.NewReader(raw))
	if err != nil {
		return 0, false, classifyParseError(name, err)
	}
	oh := pe.OptionalHeaderView()
	fh := pe.FileHeaderView()

	// Step 3: image buffer.
	runtimeBase, handle, err := l.Host.Alloc(oh.SizeOfImage)
	if err != nil {
		return 0, false, newErr(name, OutOfMemory, err)
	}
	img := make([]byte, oh.SizeOfImage)
	if oh.SizeOfHeaders > uint32(len(raw)) {
		_ = l.Host.Free(handle)
		return 0, false, newErr(name, IoError, io.ErrUnexpectedEOF)
	}
	copy(img, raw[:oh.SizeOfHeaders])

	// Step 4: sections.
	if err := copySections(pe, raw, img); err != nil {
		_ = l.Host.Free(handle)
		return 0, false, newErr(name, IoError, err)
	}

	// Step 5: relocations.
	delta := int64(runtimeBase) - int64(oh.ImageBase)
	if delta != 0 {
		if fh.Characteristics&pecoff.CharacteristicsRelocsStripped != 0 {
			_ = l.Host.Free(handle)
			return 0, false, newErr(name, MissingRelocs, nil)
		}
		if err := applyRelocations(img, oh.DataDirectory[pecoff.DirBaseReloc], uint32(delta)); err != nil {
			_ = l.Host.Free(handle)
			if bre, ok := err.(badRelocType); ok {
				_ = bre
				return 0, false, newErr(name, BadRelocType, nil)
			}
			return 0, false, newErr(name, IoError, err)
		}
	}

	// Step 6: register (before import resolution, so cyclic import graphs
	// can find this module self-visible — spec.md §5, S4).
	mod, err := l.Registry.Add(name, runtimeBase, img, handle)
	if err != nil {
		_ = l.Host.Free(handle)
		return 0, false, err
	}
	mod.ExportDir = oh.DataDirectory[pecoff.DirExport]

	if l.Symbols != nil {
		if syms, err := symbolsForModule(name, pe, runtimeBase); err == nil {
			l.Symbols.Add(syms)
		}
	}

	// Step 7: imports.
	if err := l.resolveImports(name, img, oh.DataDirectory[pecoff.DirImport]); err != nil {
		l.Registry.Remove(mod)
		_ = l.Host.Free(handle)
		return 0, false, err
	}

	// Step 8: entry point.
	if pe.IsDLL() {
		entry := runtimeBase + oh.AddressOfEntryPoint
		if l.CallEntry != nil {
			ok, callErr := l.CallEntry(entry, runtimeBase, ReasonProcessAttach, 0)
			if callErr != nil || !ok {
				l.Registry.Remove(mod)
				_ = l.Host.Free(handle)
				return 0, false, newErr(name, EntryFailed, callErr)
			}
		}
	}

	return runtimeBase, true, nil
}

// Free implements the free(module) contract of spec.md §4.D: decrement
// refcount; at zero, invoke PROCESS_DETACH for a DLL, then release the
// buffer and remove the registry entry. Returns whether the module was
// found.
func (l *Loader) Free(base uint32, isDLL bool, entry uint32) (bool, error) {
	m := l.Registry.FindByBase(base)
	if m == nil {
		return false, nil
	}
	m.RefCount--
	if m.RefCount > 0 {
		return true, nil
	}
	if isDLL && l.CallEntry != nil {
		if _, err := l.CallEntry(entry, base, ReasonProcessDetach, 0); err != nil {
			return true, err
		}
	}
	l.Registry.Remove(m)
	if l.Symbols != nil {
		l.Symbols.Remove(m.Filename)
	}
	_ = l.Host.Free(m.Handle)
	return true, nil
}

func readAll(f host.File) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return buf.Bytes(), nil
}

func classifyParseError(name string, err error) *Error {
	// pecoff.NewFile's errors distinguish machine mismatches from all
	// other format problems by message content; a richer pecoff.Error
	// type could carry a reason code, but the two loader-visible kinds
	// (BadFormat, BadMachine) are all spec.md §4.D step 2 asks for.
	if _, ok := err.(*pecoff.Error); ok {
		if containsMachine(err.Error()) {
			return newErr(name, BadMachine, err)
		}
		return newErr(name, BadFormat, err)
	}
	return newErr(name, IoError, err)
}

func containsMachine(msg string) bool {
	for i := 0; i+7 <= len(msg); i++ {
		if msg[i:i+7] == "machine" {
			return true
		}
	}
	return false
}

func copySections(pe *pecoff.File, raw []byte, img []byte) error {
	for _, s := range pe.Sections() {
		if s.Uninitialized() {
			continue
		}
		if s.SizeOfRawData == 0 {
			continue
		}
		start := s.PointerToRawData
		end := uint64(start) + uint64(s.SizeOfRawData)
		if end > uint64(len(raw)) {
			return io.ErrUnexpectedEOF
		}
		dstEnd := uint64(s.VirtualAddress) + uint64(s.SizeOfRawData)
		if dstEnd > uint64(len(img)) {
			return io.ErrUnexpectedEOF
		}
		copy(img[s.VirtualAddress:], raw[start:end])
	}
	return nil
}

type badRelocType struct{ typ pecoff.RelocType }

func (badRelocType) Error() string { return "bad relocation type" }

func applyRelocations(img []byte, dir pecoff.DataDirectory, delta uint32) error {
	blocks, err := pecoff.BaseRelocations(img, dir)
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		for _, e := range blk.Entries {
			switch e.Type {
			case pecoff.RelocAbsolute:
				// no-op padding entry
			case pecoff.RelocHighLow:
				addr := blk.VirtualAddress + e.Offset
				if uint64(addr)+4 > uint64(len(img)) {
					return io.ErrUnexpectedEOF
				}
				cur := uint32(img[addr]) | uint32(img[addr+1])<<8 | uint32(img[addr+2])<<16 | uint32(img[addr+3])<<24
				cur += delta
				img[addr] = byte(cur)
				img[addr+1] = byte(cur >> 8)
				img[addr+2] = byte(cur >> 16)
				img[addr+3] = byte(cur >> 24)
			default:
				return badRelocType{typ: e.Type}
			}
		}
	}
	return nil
}

func (l *Loader) resolveImports(name string, img []byte, dir pecoff.DataDirectory) error {
	descs, err := pecoff.ImportDescriptors(img, dir)
	if err != nil {
		return newErr(name, MissingImport, err)
	}
	for _, d := range descs {
		depName, err := pecoff.CString(img, d.Name)
		if err != nil {
			return newErr(name, MissingImport, err)
		}

		depBase, _, err := l.Load(depName)
		if err != nil {
			return newErr(name, MissingDependency, err)
		}
		dep := l.Registry.FindByBase(depBase)

		hints, err := pecoff.ThunkEntries(img, d.OriginalFirstThunk)
		if err != nil {
			hints, err = pecoff.ThunkEntries(img, d.FirstThunk)
			if err != nil {
				return newErr(name, MissingImport, err)
			}
		}

		for i, thunk := range hints {
			var sel Selector
			if thunk&pecoff.OrdinalFlag != 0 {
				sel = ByOrdinal(uint16(thunk & 0xFFFF))
			} else {
				_, symName, err := pecoff.HintName(img, thunk)
				if err != nil {
					return newErr(name, MissingImport, err)
				}
				sel = ByName(symName)
			}

			addr, found := ResolveExport(dep, sel)
			if !found {
				return newErr(name, MissingImport, nil)
			}

			iatSlot := d.FirstThunk + uint32(i)*4
			if uint64(iatSlot)+4 > uint64(len(img)) {
				return newErr(name, MissingImport, io.ErrUnexpectedEOF)
			}
			img[iatSlot] = byte(addr)
			img[iatSlot+1] = byte(addr >> 8)
			img[iatSlot+2] = byte(addr >> 16)
			img[iatSlot+3] = byte(addr >> 24)
		}
	}
	return nil
}
