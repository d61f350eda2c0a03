// Package manifest parses the declarative package manifest carried inside a
// plugin archive. Structural problems are hard errors; non-critical issues
// are collected as warnings so the verifier can downgrade the package to
// suspicious instead of rejecting it.
package manifest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/connectias/warden/internal/bridge"
)

// FileName is the manifest's entry name inside a package archive.
const FileName = "plugin.yaml"

// Manifest is the developer-declared description of a plugin package.
type Manifest struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	DeveloperID  string   `yaml:"developerId"`
	Description  string   `yaml:"description"`
	Permissions  []string `yaml:"permissions"`
	Dependencies []string `yaml:"dependencies"`
	Entry        string   `yaml:"entry"`
	HeavyUI      bool     `yaml:"heavyUI"`
}

// Parse decodes and validates manifest data. The returned warnings are
// non-fatal findings; a non-nil error means the manifest is structurally
// unusable.
func Parse(data []byte) (*Manifest, []string, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("manifest: parse: %w", err)
	}

	if strings.TrimSpace(m.DeveloperID) == "" {
		return nil, nil, fmt.Errorf("manifest: developerId is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, nil, fmt.Errorf("manifest: name is required")
	}
	if m.Entry != "" && (strings.Contains(m.Entry, "..") || strings.HasPrefix(m.Entry, "/")) {
		return nil, nil, fmt.Errorf("manifest: entry %q escapes the package", m.Entry)
	}

	var warnings []string
	if strings.TrimSpace(m.Version) == "" {
		warnings = append(warnings, "manifest declares no version")
	}

	known := make(map[string]bool)
	for _, tag := range bridge.KnownPermissions() {
		known[tag] = true
	}
	seen := make(map[string]bool)
	for _, perm := range m.Permissions {
		if seen[perm] {
			warnings = append(warnings, fmt.Sprintf("duplicate permission %s", perm))
			continue
		}
		seen[perm] = true
		if !known[perm] {
			warnings = append(warnings, fmt.Sprintf("unknown permission %s", perm))
		}
	}

	return &m, warnings, nil
}
