// Package planner computes the per-module selective update plans for one
// propagation request.
//
// A plan is the minimal set of fields a module must persist: payload fields
// the module mirrors, minus anything whose resolved value already matches
// the stored one. Modules with nothing to write get no plan at all, so an
// update touching one field never rewrites untouched columns elsewhere.
package planner

import (
	"time"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/registry"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// Plan is the write set for one module.
type Plan struct {
	Fields    domain.Fields
	UpdatedAt time.Time
}

// Build maps the resolved payload onto each module's write set. current
// holds the rows read inside the open transactions; modules without a row
// are skipped (no record yet is not an error). The master record and the
// source's own row additionally receive the source module's bidirectional
// fields, which is how a status change entered in a domain module lands on
// the master record.
func Build(payload domain.Fields, current map[string]storage.Row, reg *registry.Registry, source string, now time.Time) map[string]Plan {
	plans := make(map[string]Plan)
	master := reg.Master()
	sourceModule, _ := reg.Lookup(source)

	for _, module := range reg.Modules() {
		row, ok := current[module.Name]
		if !ok {
			continue
		}

		fields := make(domain.Fields)
		for name, value := range payload {
			if !allowed(module, master, sourceModule, name) {
				continue
			}
			if stored, ok := row.Fields[name]; ok && stored == value {
				continue
			}
			fields[name] = value
		}
		if len(fields) == 0 {
			continue
		}
		plans[module.Name] = Plan{Fields: fields, UpdatedAt: now}
	}
	return plans
}

// allowed reports whether the target module accepts the named payload field.
// Every module accepts its own sync fields. A field the source module feeds
// back additionally lands on the master record and on the source's own row
// — bidirectional columns are engine-governed, so the engine is the write
// path for both copies.
func allowed(target, master, source registry.Descriptor, field string) bool {
	if target.Syncs(field) {
		return true
	}
	if source.Name == master.Name || !source.FeedsBack(field) {
		return false
	}
	return target.Name == master.Name || target.Name == source.Name
}
