// Package directory is the read-only source of the extension roster,
// display names and operator settings. The panel never writes to it.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Extension is one roster entry.
type Extension struct {
	Number string `yaml:"number" json:"number"`
	Name   string `yaml:"name" json:"name,omitempty"`
	// Monitored defaults to true when omitted.
	Monitored *bool `yaml:"monitored,omitempty" json:"-"`
}

// IsMonitored reports whether the panel should follow the extension.
func (e Extension) IsMonitored() bool {
	return e.Monitored == nil || *e.Monitored
}

// Directory is the roster and settings collaborator.
type Directory interface {
	Extensions(ctx context.Context) ([]Extension, error)
	Setting(ctx context.Context, key string) (string, bool, error)
}

// Setting keys the panel reads.
const (
	SettingQoSEnabled = "qos_enabled"
	SettingCRMURL     = "crm_url"
)

type document struct {
	Extensions []Extension       `yaml:"extensions"`
	Settings   map[string]string `yaml:"settings"`
}

// File is a Directory backed by a YAML file. Reload re-reads it.
type File struct {
	path string

	mu       sync.RWMutex
	exts     []Extension
	settings map[string]string
}

// Open loads the roster file at path.
func Open(path string) (*File, error) {
	f := &File{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file. On error the previous contents are kept.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}
	exts, settings, err := parse(data)
	if err != nil {
		return fmt.Errorf("parsing directory %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.exts = exts
	f.settings = settings
	f.mu.Unlock()
	return nil
}

func parse(data []byte) ([]Extension, map[string]string, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(doc.Extensions))
	exts := make([]Extension, 0, len(doc.Extensions))
	for i, e := range doc.Extensions {
		e.Number = strings.TrimSpace(e.Number)
		if e.Number == "" {
			return nil, nil, fmt.Errorf("extension %d: number is required", i)
		}
		if seen[e.Number] {
			return nil, nil, fmt.Errorf("extension %s listed twice", e.Number)
		}
		seen[e.Number] = true
		exts = append(exts, e)
	}
	sort.Slice(exts, func(i, j int) bool { return exts[i].Number < exts[j].Number })

	if doc.Settings == nil {
		doc.Settings = map[string]string{}
	}
	return exts, doc.Settings, nil
}

// Extensions returns the roster sorted by number.
func (f *File) Extensions(context.Context) ([]Extension, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Extension, len(f.exts))
	copy(out, f.exts)
	return out, nil
}

// Setting returns a setting value and whether it is present.
func (f *File) Setting(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.settings[key]
	return v, ok, nil
}

// Monitored returns the numbers of the monitored extensions.
func Monitored(ctx context.Context, d Directory) ([]string, error) {
	exts, err := d.Extensions(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range exts {
		if e.IsMonitored() {
			out = append(out, e.Number)
		}
	}
	return out, nil
}

// Names maps extension numbers to display names, skipping blank names.
func Names(ctx context.Context, d Directory) (map[string]string, error) {
	exts, err := d.Extensions(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(exts))
	for _, e := range exts {
		if e.Name != "" {
			names[e.Number] = e.Name
		}
	}
	return names, nil
}

// Bool reads a boolean setting. Missing or unparsable values give def.
func Bool(ctx context.Context, d Directory, key string, def bool) bool {
	v, ok, err := d.Setting(ctx, key)
	if err != nil || !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
