package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML input document from path. Unknown keys are rejected so
// a misspelled input fails loudly instead of silently taking its default.
func Load(path string) (*Inputs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML input document.
func Parse(data []byte) (*Inputs, error) {
	var in Inputs
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	return &in, nil
}
