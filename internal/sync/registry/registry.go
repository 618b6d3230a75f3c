// Package registry defines the module registry that drives update propagation.
//
// A registry is an ordered list of module descriptors. Exactly one module is
// the master record; every other module declares which master fields it
// mirrors (sync fields), which of its own fields feed back into the master
// record (bidirectional fields), and which fields stay private to the module.
// Declaration order is the commit order for propagation transactions.
package registry

import (
	"fmt"
	"strings"

	apperrors "github.com/blackulaphoto/casesync/internal/platform/errors"
	"github.com/blackulaphoto/casesync/internal/sync/domain"
)

// Engine names for module store backends.
const (
	EngineSQLite = "sqlite"
	EngineBolt   = "bolt"
)

// Descriptor declares one case-management module and its field contract.
type Descriptor struct {
	Name                string   `yaml:"name"`
	Engine              string   `yaml:"engine"`
	Storage             string   `yaml:"storage"`
	Master              bool     `yaml:"master"`
	SyncFields          []string `yaml:"sync_fields"`
	BidirectionalFields []string `yaml:"bidirectional_fields"`
	ModuleFields        []string `yaml:"module_specific_fields"`
}

// Fields returns every column the module stores, in declaration order with
// duplicates removed. Sync fields come first, then bidirectional fields not
// already mirrored, then module-private fields.
func (d Descriptor) Fields() []string {
	seen := make(map[string]bool, len(d.SyncFields)+len(d.BidirectionalFields)+len(d.ModuleFields))
	fields := make([]string, 0, len(d.SyncFields)+len(d.BidirectionalFields)+len(d.ModuleFields))
	for _, group := range [][]string{d.SyncFields, d.BidirectionalFields, d.ModuleFields} {
		for _, name := range group {
			if seen[name] {
				continue
			}
			seen[name] = true
			fields = append(fields, name)
		}
	}
	return fields
}

// HasField reports whether the module stores the named column.
func (d Descriptor) HasField(name string) bool {
	for _, field := range d.Fields() {
		if field == name {
			return true
		}
	}
	return false
}

// Syncs reports whether the module mirrors the named master field.
func (d Descriptor) Syncs(name string) bool {
	return contains(d.SyncFields, name)
}

// FeedsBack reports whether changes to the named field flow back to the
// master record when this module is the update source.
func (d Descriptor) FeedsBack(name string) bool {
	return contains(d.BidirectionalFields, name)
}

// Registry is a validated, ordered set of module descriptors.
type Registry struct {
	modules []Descriptor
	byName  map[string]int
	master  int
}

// New validates descriptors and builds a Registry. Descriptors are
// normalized: names and field names are trimmed, the engine defaults to
// sqlite, and the storage filename defaults to "<name>.db".
func New(descriptors []Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, apperrors.New(apperrors.CodeRegistryInvalid, "registry requires at least one module")
	}

	reg := &Registry{
		modules: make([]Descriptor, 0, len(descriptors)),
		byName:  make(map[string]int, len(descriptors)),
		master:  -1,
	}
	for _, descriptor := range descriptors {
		normalized, err := normalizeDescriptor(descriptor)
		if err != nil {
			return nil, err
		}
		if _, exists := reg.byName[normalized.Name]; exists {
			return nil, registryError("duplicate module name", normalized.Name, "")
		}
		if normalized.Master {
			if reg.master >= 0 {
				return nil, registryError("registry declares more than one master module", normalized.Name, "")
			}
			reg.master = len(reg.modules)
		}
		reg.byName[normalized.Name] = len(reg.modules)
		reg.modules = append(reg.modules, normalized)
	}
	if reg.master < 0 {
		return nil, apperrors.New(apperrors.CodeRegistryInvalid, "registry declares no master module")
	}

	// Non-master field contracts are checked against everything the master
	// stores, not just what it pushes: a module may mirror any master column
	// and may feed back any column the master keeps for it.
	master := reg.modules[reg.master]
	if len(master.BidirectionalFields) > 0 {
		return nil, registryError("master module cannot declare bidirectional fields", master.Name, "")
	}
	for _, module := range reg.modules {
		if module.Master {
			continue
		}
		for _, field := range module.SyncFields {
			if !master.HasField(field) {
				return nil, registryError("sync field is not stored by the master record", module.Name, field)
			}
		}
		for _, field := range module.BidirectionalFields {
			if !master.HasField(field) {
				return nil, registryError("bidirectional field is not stored by the master record", module.Name, field)
			}
		}
	}

	return reg, nil
}

// Modules returns the registered descriptors in declaration order.
func (r *Registry) Modules() []Descriptor {
	modules := make([]Descriptor, len(r.modules))
	copy(modules, r.modules)
	return modules
}

// Names returns the module names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.modules))
	for i, module := range r.modules {
		names[i] = module.Name
	}
	return names
}

// Master returns the master module descriptor.
func (r *Registry) Master() Descriptor {
	return r.modules[r.master]
}

// Lookup returns the descriptor for name when registered.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	idx, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return Descriptor{}, false
	}
	return r.modules[idx], true
}

// PriorityOrder returns module names with the master first, then the
// remaining modules in declaration order. The priority conflict strategy
// resolves in this order.
func (r *Registry) PriorityOrder() []string {
	order := make([]string, 0, len(r.modules))
	order = append(order, r.Master().Name)
	for _, module := range r.modules {
		if module.Master {
			continue
		}
		order = append(order, module.Name)
	}
	return order
}

func normalizeDescriptor(descriptor Descriptor) (Descriptor, error) {
	descriptor.Name = strings.TrimSpace(descriptor.Name)
	if descriptor.Name == "" {
		return Descriptor{}, apperrors.New(apperrors.CodeRegistryInvalid, "module name is required")
	}
	if !domain.ValidName(descriptor.Name) {
		return Descriptor{}, registryError("module name must be a lowercase identifier", descriptor.Name, "")
	}

	descriptor.Engine = strings.TrimSpace(descriptor.Engine)
	switch descriptor.Engine {
	case "":
		descriptor.Engine = EngineSQLite
	case EngineSQLite, EngineBolt:
	default:
		return Descriptor{}, registryError(fmt.Sprintf("unsupported storage engine %q", descriptor.Engine), descriptor.Name, "")
	}

	descriptor.Storage = strings.TrimSpace(descriptor.Storage)
	if descriptor.Storage == "" {
		descriptor.Storage = descriptor.Name + ".db"
	}

	var err error
	if descriptor.SyncFields, err = normalizeFieldList(descriptor.Name, descriptor.SyncFields); err != nil {
		return Descriptor{}, err
	}
	if descriptor.BidirectionalFields, err = normalizeFieldList(descriptor.Name, descriptor.BidirectionalFields); err != nil {
		return Descriptor{}, err
	}
	if descriptor.ModuleFields, err = normalizeFieldList(descriptor.Name, descriptor.ModuleFields); err != nil {
		return Descriptor{}, err
	}

	// A field cannot be both shared and module-private. Overlap between sync
	// and bidirectional lists is legal: that is a two-way field.
	for _, field := range descriptor.ModuleFields {
		if contains(descriptor.SyncFields, field) || contains(descriptor.BidirectionalFields, field) {
			return Descriptor{}, registryError("module-specific field is also declared shared", descriptor.Name, field)
		}
	}

	return descriptor, nil
}

func normalizeFieldList(module string, fields []string) ([]string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	normalized := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, registryError("field name is required", module, "")
		}
		if domain.Reserved(field) {
			return nil, registryError("field name is reserved", module, field)
		}
		if !domain.ValidName(field) {
			return nil, registryError("field name must be a lowercase identifier", module, field)
		}
		if seen[field] {
			return nil, registryError("duplicate field name", module, field)
		}
		seen[field] = true
		normalized = append(normalized, field)
	}
	return normalized, nil
}

func registryError(message, module, field string) *apperrors.Error {
	metadata := map[string]string{"module": module}
	if field != "" {
		metadata["field"] = field
	}
	return apperrors.WithMetadata(apperrors.CodeRegistryInvalid, message, metadata)
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
