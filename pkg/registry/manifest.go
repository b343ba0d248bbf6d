package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is a handler source file that names a compiled-in handler kind.
//
//	kind: stats
//	settings:
//	  db_path: data/stats.db
type Manifest struct {
	Kind     string    `yaml:"kind"`
	Settings yaml.Node `yaml:"settings"`

	// Name and Path are filled in from the file location.
	Name string `yaml:"-"`
	Path string `yaml:"-"`
}

// ReadManifest parses the manifest at path.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}

	manifest.Kind = strings.TrimSpace(manifest.Kind)
	if manifest.Kind == "" {
		return Manifest{}, fmt.Errorf("parse manifest %s: kind is required", filepath.Base(path))
	}

	manifest.Name = NameFromSource(path)
	manifest.Path = path
	return manifest, nil
}

// DecodeSettings decodes the settings block into v. A missing block leaves v
// untouched so callers can preset defaults.
func (m Manifest) DecodeSettings(v any) error {
	if m.Settings.Kind == 0 {
		return nil
	}
	if err := m.Settings.Decode(v); err != nil {
		return fmt.Errorf("decode %s settings: %w", m.Name, err)
	}
	return nil
}

var errEmptySource = errors.New("source path is empty")

// NameFromSource derives the unit name from a source path: the base name
// without its extension.
func NameFromSource(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ignored reports whether a file name is skipped regardless of its extension.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".")
}
