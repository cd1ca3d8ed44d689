// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StateDirs resolves the on-disk layout for persisted publisher state:
//
//	<root>/state/rate-limit.json
//	<root>/state/tid-clock.json
//	<root>/cache/<sanitized-account>.json
type StateDirs struct {
	Root string
}

// ResolveStateDirs picks the state root: explicit option, SCROBSKY_STATE_DIR,
// then ~/.scrobsky.
func ResolveStateDirs(explicit string) (StateDirs, error) {
	root := strings.TrimSpace(explicit)
	if root == "" {
		root = strings.TrimSpace(ParseString("SCROBSKY_STATE_DIR", ""))
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return StateDirs{}, fmt.Errorf("resolve home directory for state: %w", err)
		}
		root = filepath.Join(home, ".scrobsky")
	}
	return StateDirs{Root: root}, nil
}

// StatePath returns the path of a file under <root>/state.
func (s StateDirs) StatePath(name string) string {
	return filepath.Join(s.Root, "state", name)
}

// CachePath returns the path of a file under <root>/cache.
func (s StateDirs) CachePath(name string) string {
	return filepath.Join(s.Root, "cache", name)
}

// Ensure creates the state and cache directories.
func (s StateDirs) Ensure() error {
	for _, dir := range []string{filepath.Join(s.Root, "state"), filepath.Join(s.Root, "cache")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}
	return nil
}
