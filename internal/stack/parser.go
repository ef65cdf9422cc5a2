package stack

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Parse reads a stack definition from YAML, applies defaults and validates
// it. Callers that need workdir and environment resolution should use
// config.Load instead.
func Parse(r io.Reader) (*StackFile, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var doc StackFile
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode stack: %w", err)
	}
	if err := doc.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
