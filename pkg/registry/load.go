package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (Catalog, error) {
	cat, err := Parse(defaultCatalog)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to parse the embedded catalog: %w", err)
	}
	return cat, nil
}

// Parse decodes a catalog from YAML. Unknown fields are rejected.
func Parse(data []byte) (Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	cat, err := Parse(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cat, nil
}
