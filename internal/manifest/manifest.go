// Package manifest loads and validates the devwatch.yaml app manifest.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExtensionConfig describes one extension entry in the manifest.
type ExtensionConfig struct {
	Handle      string   `yaml:"handle"`
	Dir         string   `yaml:"dir"`
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	Incremental bool     `yaml:"incremental"`
}

// Manifest is the parsed devwatch.yaml.
type Manifest struct {
	App        string            `yaml:"app"`
	Env        map[string]string `yaml:"env"`
	Extensions []ExtensionConfig `yaml:"extensions"`
}

// Parse decodes and validates a manifest payload.
func Parse(data []byte) (Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Manifest{}, fmt.Errorf("manifest: payload is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Load reads a manifest file from disk and returns the parsed manifest.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: %s: %w", filepath.Clean(path), err)
	}
	return m, nil
}

// Validate checks structural invariants: non-empty unique handles and a
// build command per extension.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.App) == "" {
		return fmt.Errorf("manifest: app name is required")
	}
	seen := make(map[string]bool, len(m.Extensions))
	for i, ext := range m.Extensions {
		handle := strings.TrimSpace(ext.Handle)
		if handle == "" {
			return fmt.Errorf("manifest: extensions[%d]: handle is required", i)
		}
		if seen[handle] {
			return fmt.Errorf("manifest: duplicate handle %q", handle)
		}
		seen[handle] = true
		if strings.TrimSpace(ext.Command) == "" {
			return fmt.Errorf("manifest: extension %q: command is required", handle)
		}
	}
	return nil
}

// Extension returns the config for handle, or false if absent.
func (m Manifest) Extension(handle string) (ExtensionConfig, bool) {
	for _, ext := range m.Extensions {
		if ext.Handle == handle {
			return ext, true
		}
	}
	return ExtensionConfig{}, false
}

// Equal reports whether two extension configs are identical, used by
// reconciliation to detect config-level updates.
func (c ExtensionConfig) Equal(other ExtensionConfig) bool {
	if c.Handle != other.Handle || c.Dir != other.Dir ||
		c.Command != other.Command || c.Incremental != other.Incremental {
		return false
	}
	if len(c.Args) != len(other.Args) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != other.Args[i] {
			return false
		}
	}
	return true
}
