package loader

import "github.com/dosx-project/dosx/pecoff"

// Selector identifies an export either by name or by ordinal (spec.md
// §4.E). Exactly one of Name/IsOrdinal applies.
type Selector struct {
	Name      string
	Ordinal   uint16
	IsOrdinal bool
}

// ByName builds a name selector.
func ByName(name string) Selector { return Selector{Name: name} }

// ByOrdinal builds an ordinal selector. Per spec.md §4.E the ordinal must
// be a small integer less than 0x10000, which uint16 already enforces.
func ByOrdinal(ord uint16) Selector { return Selector{Ordinal: ord, IsOrdinal: true} }

// ResolveExport resolves sel against module m's export directory,
// following spec.md §4.E exactly:
//
//  1. zero-size export directory -> not found
//  2. walk NumberOfNames entries, pairing name RVA / ordinal / function RVA
//  3. string selector: strcmp against each name
//  4. ordinal selector: match when ordinal == ord_i + 1
//  5. otherwise not found
//
// Forwarded exports (fn_i pointing back inside the export directory
// itself) are detected but not resolved — out of scope per spec.md §4.E —
// and are reported as not found so the caller raises MissingImport.
func ResolveExport(m *Module, sel Selector) (addr uint32, found bool) {
	img := m.Image()
	dir := m.ExportDir
	if dir.Size == 0 {
		return 0, false
	}
	ed, err := pecoff.ReadExportDirectory(img, dir)
	if err != nil || ed == nil {
		return 0, false
	}

	for i := uint32(0); i < ed.NumberOfNames; i++ {
		ordI := ed.NameOrdinal(img, i)
		fnI := ed.FunctionRVA(img, uint32(ordI))

		if sel.IsOrdinal {
			if uint32(sel.Ordinal) == uint32(ordI)+1 {
				if isForwarded(fnI, dir) {
					return 0, false
				}
				return m.Base + fnI, true
			}
			continue
		}

		nameI, err := pecoff.CString(img, ed.NameRVA(img, i))
		if err != nil {
			continue
		}
		if nameI == sel.Name {
			if isForwarded(fnI, dir) {
				return 0, false
			}
			return m.Base + fnI, true
		}
	}
	return 0, false
}

func isForwarded(fnRVA uint32, exportDir pecoff.DataDirectory) bool {
	return fnRVA >= exportDir.VirtualAddress && fnRVA < exportDir.VirtualAddress+exportDir.Size
}
