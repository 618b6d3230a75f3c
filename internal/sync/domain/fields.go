// Package domain holds the shared value types for client record propagation.
package domain

// Reserved column names managed by the engine. They identify the record and
// its write time and can never appear in an update payload.
const (
	FieldClientID  = "client_id"
	FieldUpdatedAt = "updated_at"
)

// Fields is one flat set of client record values keyed by field name.
// Values are stored as text; empty string means the field is blank.
type Fields map[string]string

// Clone returns an independent copy of the field set.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	copied := make(Fields, len(f))
	for name, value := range f {
		copied[name] = value
	}
	return copied
}

// Reserved reports whether name is an engine-managed column.
func Reserved(name string) bool {
	return name == FieldClientID || name == FieldUpdatedAt
}

// ValidName reports whether name can serve as a field identifier and store
// column: lowercase letters, digits, and underscores, not starting with a
// digit.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
