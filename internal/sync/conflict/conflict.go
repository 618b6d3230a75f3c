// Package conflict implements conflict detection and resolution for
// cross-module update propagation.
//
// A conflict exists when an incoming update carries a field that another
// module wrote a different, non-blank value for recently. Modules whose
// values differ but went stale are not in conflict; they simply need the
// sync. Resolution picks one winning value per conflicted field using a
// named strategy.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// Strategy names accepted by Resolve.
const (
	StrategyTimestamp = "timestamp"
	StrategyPriority  = "priority"
	StrategyMerge     = "merge"
)

// ErrAmbiguous flags a conflicted field that no strategy rule settled.
var ErrAmbiguous = errors.New("conflict resolution ambiguous")

// Strategies returns the known strategy names in documentation order.
func Strategies() []string {
	return []string{StrategyTimestamp, StrategyPriority, StrategyMerge}
}

// Known reports whether name is a known strategy.
func Known(name string) bool {
	switch name {
	case StrategyTimestamp, StrategyPriority, StrategyMerge:
		return true
	}
	return false
}

// Source is one module's competing value for a conflicted field.
type Source struct {
	Value       string
	LastUpdated time.Time
}

// Record describes one conflicted field: the incoming value and every
// module holding a recent competing value. Detection records all competing
// modules, so the result is the same no matter which module sourced the
// update.
type Record struct {
	Field    string
	Incoming string
	Sources  map[string]Source
}

// Detect compares an incoming payload against the current per-module rows
// and returns the conflicted fields keyed by field name. A module conflicts
// on a field when it stores a non-blank value different from the payload's
// and its row was updated within window of now.
func Detect(current map[string]storage.Row, payload domain.Fields, source string, window time.Duration, now time.Time) map[string]Record {
	conflicts := make(map[string]Record)
	for field, incoming := range payload {
		for module, row := range current {
			if module == source {
				continue
			}
			stored, ok := row.Fields[field]
			if !ok || stored == "" || stored == incoming {
				continue
			}
			if now.Sub(row.UpdatedAt) > window {
				continue
			}
			record, ok := conflicts[field]
			if !ok {
				record = Record{Field: field, Incoming: incoming, Sources: make(map[string]Source)}
			}
			record.Sources[module] = Source{Value: stored, LastUpdated: row.UpdatedAt}
			conflicts[field] = record
		}
	}
	return conflicts
}

// Resolve picks one winning value per conflicted field. occurredAt is the
// incoming update's timestamp; precedence lists module names from highest
// priority to lowest and also fixes the iteration order wherever the
// strategy must break a tie.
func Resolve(conflicts map[string]Record, strategy string, occurredAt time.Time, precedence []string) (map[string]string, error) {
	if !Known(strategy) {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	resolved := make(map[string]string, len(conflicts))
	for field, record := range conflicts {
		if len(record.Sources) == 0 {
			return nil, fmt.Errorf("field %s has no competing sources: %w", field, ErrAmbiguous)
		}
		switch strategy {
		case StrategyTimestamp:
			resolved[field] = resolveByTimestamp(record, occurredAt, precedence)
		case StrategyPriority:
			resolved[field] = resolveByPriority(record, precedence)
		case StrategyMerge:
			resolved[field] = resolveByMerge(record, precedence)
		}
	}
	return resolved, nil
}

// resolveByTimestamp keeps the newest write. The incoming value holds the
// occurredAt stamp and wins ties against stored values.
func resolveByTimestamp(record Record, occurredAt time.Time, precedence []string) string {
	winner := record.Incoming
	winnerTime := occurredAt
	for _, module := range orderedSources(record, precedence) {
		source := record.Sources[module]
		if source.LastUpdated.After(winnerTime) {
			winner = source.Value
			winnerTime = source.LastUpdated
		}
	}
	return winner
}

// resolveByPriority keeps the highest-precedence module's value. When no
// competing module appears in the precedence list the incoming value wins.
func resolveByPriority(record Record, precedence []string) string {
	for _, module := range precedence {
		if source, ok := record.Sources[module]; ok {
			return source.Value
		}
	}
	return record.Incoming
}

// resolveByMerge protects stored data from blank overwrites: a blank
// incoming value loses to the first non-blank stored value in precedence
// order, otherwise the incoming value wins.
func resolveByMerge(record Record, precedence []string) string {
	if record.Incoming != "" {
		return record.Incoming
	}
	for _, module := range orderedSources(record, precedence) {
		if source := record.Sources[module]; source.Value != "" {
			return source.Value
		}
	}
	return record.Incoming
}

// orderedSources returns the record's competing module names: precedence
// members first, then any remaining modules sorted by name.
func orderedSources(record Record, precedence []string) []string {
	ordered := make([]string, 0, len(record.Sources))
	seen := make(map[string]bool, len(record.Sources))
	for _, module := range precedence {
		if _, ok := record.Sources[module]; ok && !seen[module] {
			ordered = append(ordered, module)
			seen[module] = true
		}
	}
	var rest []string
	for module := range record.Sources {
		if !seen[module] {
			rest = append(rest, module)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}
