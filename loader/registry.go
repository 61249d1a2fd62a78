package loader

import (
	"strings"

	"github.com/dosx-project/dosx/host"
	"github.com/dosx-project/dosx/pecoff"
)

// Module is a Module Registry entry (spec.md §3). Filename is trimmed
// and compared case-insensitively; Base is the runtime linear base
// address the image was loaded at.
type Module struct {
	Filename string
	Base     uint32
	RefCount int

	// ExportDir locates the module's export data directory within its
	// image buffer, cached at load time so ResolveExport does not
	// re-parse the optional header on every call.
	ExportDir pecoff.DataDirectory

	// Handle is the host.MemHandle the image buffer was allocated under;
	// Loader.Free uses it to release the buffer when refcount reaches
	// zero.
	Handle host.MemHandle

	// image holds the loaded bytes that ResolveExport reads export tables
	// from (through Image); it is unexported because callers go through
	// Registry/Loader methods, not the field directly.
	image []byte
}

// Registry is the process-wide ordered list of loaded modules, keyed by
// name and by base address (spec.md §4.C). Enumeration preserves
// insertion order. The registry owns each record's storage.
type Registry struct {
	order []*Module
	byName map[string]*Module
	byBase map[uint32]*Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Module),
		byBase: make(map[uint32]*Module),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FindByName looks up a module by its trimmed, case-insensitive filename.
func (r *Registry) FindByName(name string) *Module {
	return r.byName[normalize(name)]
}

// FindByBase looks up a module by its runtime base address.
func (r *Registry) FindByBase(base uint32) *Module {
	return r.byBase[base]
}

// Add inserts a new module record with refcount 1. It fails if a module
// with the same name or base is already registered (invariants 1 and 2,
// spec.md §3/§8).
func (r *Registry) Add(name string, base uint32, image []byte, handle host.MemHandle) (*Module, error) {
	key := normalize(name)
	if _, ok := r.byName[key]; ok {
		return nil, newErr(name, OutOfMemory, nil)
	}
	if _, ok := r.byBase[base]; ok {
		return nil, newErr(name, OutOfMemory, nil)
	}
	m := &Module{Filename: name, Base: base, RefCount: 1, image: image, Handle: handle}
	r.byName[key] = m
	r.byBase[base] = m
	r.order = append(r.order, m)
	return m, nil
}

// Remove deletes m from the registry and returns whether it was found.
// spec.md §9 notes the source's LdrRemoveEntry begins with an
// unconditional early return, leaving removal unimplemented; dosx
// implements the described delete semantics instead of reproducing that
// bug (DESIGN.md).
func (r *Registry) Remove(m *Module) bool {
	key := normalize(m.Filename)
	if _, ok := r.byName[key]; !ok {
		return false
	}
	delete(r.byName, key)
	delete(r.byBase, m.Base)
	for i, e := range r.order {
		if e == m {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Enumerate returns (base, name) pairs in insertion order.
func (r *Registry) Enumerate() []struct {
	Base uint32
	Name string
} {
	out := make([]struct {
		Base uint32
		Name string
	}, len(r.order))
	for i, m := range r.order {
		out[i].Base = m.Base
		out[i].Name = m.Filename
	}
	return out
}

// Image returns the module's backing image buffer, from which
// ResolveExport reads the export directory and tables.
func (m *Module) Image() []byte { return m.image }
