package registry

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk registry document shape.
type registryFile struct {
	Modules []Descriptor `yaml:"modules"`
}

// Load parses a YAML registry document. Unknown keys are rejected so that
// typos in hand-edited registry files surface at startup instead of being
// silently dropped.
func Load(r io.Reader) ([]Descriptor, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var doc registryFile
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse registry yaml: %w", err)
	}
	if len(doc.Modules) == 0 {
		return nil, fmt.Errorf("registry yaml declares no modules")
	}
	return doc.Modules, nil
}

// LoadFile reads a YAML registry document from path.
func LoadFile(path string) ([]Descriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry file: %w", err)
	}
	defer file.Close()
	return Load(file)
}
