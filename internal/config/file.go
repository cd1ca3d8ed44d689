// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile merges a YAML config file into the given options. A missing file
// is not an error; the caller decides whether the path was explicit.
func LoadFile(path string, base Options) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return base, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Decode into a copy so a malformed file cannot leave base half-applied.
	merged := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&merged); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return merged, nil
}
