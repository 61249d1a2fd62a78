package loader

import (
	"path/filepath"
	"sort"

	"github.com/dosx-project/dosx/pecoff"
)

// SymbolInfo is one resolved COFF symbol: a name paired with the
// runtime flat address it landed at once its module was based (spec.md
// §3.1 supplement).
type SymbolInfo struct {
	Name    string
	Address uint32
	Module  string
}

// SymbolTable is an aggregate, searchable index over every loaded
// module's COFF symbols, feeding the debugger's `x` (wildcard search)
// and `ln` (nearest symbol) commands and the expression evaluator's
// user-symbol atom. Entries are kept sorted by Address so Nearest can
// binary search instead of scanning.
type SymbolTable struct {
	byAddr []SymbolInfo
	byName map[string]uint32 // name -> index into byAddr
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byName: make(map[string]uint32)}
}

// symbolsForModule reads name's COFF symbol table from pe (already
// parsed from the same file the loader just read) and resolves each
// symbol's section-relative Value to a runtime flat address: base +
// section.VirtualAddress + Value. Symbols with an absolute, undefined,
// or otherwise non-section-relative SectionNumber (<= 0, per spec.md
// §6) are skipped, since they name no loaded address.
func symbolsForModule(moduleName string, pe *pecoff.File, base uint32) ([]SymbolInfo, error) {
	syms, err := pecoff.Symbols(pe)
	if err != nil {
		return nil, err
	}
	sections := pe.Sections()
	out := make([]SymbolInfo, 0, len(syms))
	for _, s := range syms {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(sections) {
			continue
		}
		if s.Name == "" {
			continue
		}
		sec := sections[s.SectionNumber-1]
		out = append(out, SymbolInfo{
			Name:    s.Name,
			Address: base + sec.VirtualAddress + s.Value,
			Module:  moduleName,
		})
	}
	return out, nil
}

// Add inserts syms into the table, keeping byAddr sorted. When a name
// occurs more than once, byName (and so Lookup) resolves it to the entry
// with the highest address; all entries remain reachable through
// Nearest/Search.
func (t *SymbolTable) Add(syms []SymbolInfo) {
	if len(syms) == 0 {
		return
	}
	t.byAddr = append(t.byAddr, syms...)
	sort.Slice(t.byAddr, func(i, j int) bool { return t.byAddr[i].Address < t.byAddr[j].Address })
	for i, s := range t.byAddr {
		t.byName[s.Name] = uint32(i)
	}
}

// Remove drops every symbol belonging to moduleName, e.g. when its
// module is freed (spec.md §4.D's Free).
func (t *SymbolTable) Remove(moduleName string) {
	kept := t.byAddr[:0]
	for _, s := range t.byAddr {
		if s.Module != moduleName {
			kept = append(kept, s)
		}
	}
	t.byAddr = kept
	for k := range t.byName {
		delete(t.byName, k)
	}
	for i, s := range t.byAddr {
		t.byName[s.Name] = uint32(i)
	}
}

// Lookup resolves name to its address, for use as an addr.SymLookup /
// expr.SymLookup.
func (t *SymbolTable) Lookup(name string) (uint32, bool) {
	i, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return t.byAddr[i].Address, true
}

// Search returns every symbol whose name matches a shell-style `*`/`?`
// wildcard pattern (spec.md's `x` command), in address order.
func (t *SymbolTable) Search(pattern string) []SymbolInfo {
	var out []SymbolInfo
	for _, s := range t.byAddr {
		if ok, err := filepath.Match(pattern, s.Name); err == nil && ok {
			out = append(out, s)
		}
	}
	return out
}

// Nearest returns the symbol with the greatest Address <= addr, and
// its displacement from that symbol, for the `ln` command. ok is false
// if the table is empty or addr precedes every symbol.
func (t *SymbolTable) Nearest(addr uint32) (sym SymbolInfo, offset uint32, ok bool) {
	if len(t.byAddr) == 0 {
		return SymbolInfo{}, 0, false
	}
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].Address > addr })
	if i == 0 {
		return SymbolInfo{}, 0, false
	}
	s := t.byAddr[i-1]
	return s, addr - s.Address, true
}
