// Package loader provides functions for loading provisioning requests
// from YAML files.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kvm-install-vm/internal/config"
)

// LoadFromFile loads a provisioning request from a YAML file. Sizing
// fields omitted from the file are taken from defaults.
func LoadFromFile(path string, defaults config.Defaults) (*config.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data, defaults)
}

// LoadFromYAML loads a provisioning request from YAML bytes. Unknown
// fields are rejected so that typos do not silently fall back to
// defaults.
func LoadFromYAML(data []byte, defaults config.Defaults) (*config.Request, error) {
	var req config.Request

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("request file is empty")
		}
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	req.Normalize()
	req.ApplyDefaults(defaults)

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &req, nil
}

// SaveToFile saves a provisioning request to a YAML file.
func SaveToFile(req *config.Request, path string) error {
	data, err := yaml.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}
