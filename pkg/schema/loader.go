package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and structurally decodes a recipe YAML file.
// Unknown fields are a structural error.
func LoadFile(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a recipe from a reader.
func Load(r io.Reader) (*Recipe, error) {
	var rec Recipe
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // strict: reject unknown fields
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return &rec, nil
}

// Save writes the recipe to path as YAML, replacing any existing file.
func Save(path string, r *Recipe) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recipe file: %w", err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		f.Close()
		return fmt.Errorf("encode recipe: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush recipe: %w", err)
	}
	return f.Close()
}
