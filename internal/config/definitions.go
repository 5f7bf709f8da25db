package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"

	"taskerman/internal/core"
)

// LoadDefinitions reads and validates a YAML definitions file.
func LoadDefinitions(path string) (core.Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Definitions{}, fmt.Errorf("read definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes a YAML document. Unknown keys are rejected.
func ParseDefinitions(data []byte) (core.Definitions, error) {
	var defs core.Definitions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return core.Definitions{}, fmt.Errorf("decode definitions: %w", err)
	}
	if err := defs.Validate(); err != nil {
		return core.Definitions{}, fmt.Errorf("invalid definitions: %w", err)
	}
	return defs, nil
}
