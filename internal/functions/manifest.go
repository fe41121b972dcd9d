package functions

import (
	"errors"
	"fmt"
	"os"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name of a function manifest inside its directory.
const ManifestFile = "manifest.yaml"

const (
	mbPerGB = 1024

	defaultEntryPoint = "handle"
)

var defaultWatchPatterns = []string{"*.wasm", ManifestFile}

// Manifest describes a function deployed from a directory.
type Manifest struct {
	Name       string            `yaml:"name"`
	Runtime    string            `yaml:"runtime"`
	EntryPoint string            `yaml:"entry_point"`
	Code       string            `yaml:"code"`
	Timeout    string            `yaml:"timeout"`
	Memory     string            `yaml:"memory"`
	Env        map[string]string `yaml:"env"`
	Active     *bool             `yaml:"active"`
	Watch      []string          `yaml:"watch"`

	// Dir is the directory the manifest was loaded from.
	Dir string `yaml:"-"`
}

// LoadManifest reads, expands and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("validating manifest: %w", err)
	}

	for k, v := range manifest.Env {
		manifest.Env[k] = os.ExpandEnv(v)
	}
	manifest.Dir = filepath.Dir(path)
	return &manifest, nil
}

// Validate validates the manifest structure.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest: name is required")
	}

	if m.Runtime != "" {
		if _, err := ParseRuntimeKind(m.Runtime); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	}

	if m.Timeout != "" {
		if parseTimeoutSeconds(m.Timeout) == 0 {
			return fmt.Errorf("manifest: invalid timeout format: %s", m.Timeout)
		}
	}

	if m.Memory != "" {
		if parseMemoryMB(m.Memory) == 0 {
			return fmt.Errorf("manifest: invalid memory format: %s", m.Memory)
		}
	}

	for k := range m.Env {
		if !ValidEnvName(k) {
			return fmt.Errorf("manifest: invalid env name: %q", k)
		}
	}

	return nil
}

// RuntimeKind returns the declared runtime, defaulting to wasm.
func (m *Manifest) RuntimeKind() RuntimeKind {
	if m.Runtime == "" {
		return RuntimeWasm
	}
	kind, err := ParseRuntimeKind(m.Runtime)
	if err != nil {
		return RuntimeKind(m.Runtime)
	}
	return kind
}

// Entry returns the entry point, defaulting to "handle".
func (m *Manifest) Entry() string {
	if m.EntryPoint == "" {
		return defaultEntryPoint
	}
	return m.EntryPoint
}

// CodeURI resolves where the module lives. URIs with a scheme are returned
// unchanged; relative paths are resolved against the manifest directory.
func (m *Manifest) CodeURI() string {
	code := m.Code
	if code == "" {
		code = m.Name + ".wasm"
	}
	if strings.Contains(code, "://") || filepath.IsAbs(code) {
		return code
	}
	return filepath.Join(m.Dir, code)
}

// MemoryMB returns the declared memory limit, or 0 when unset.
func (m *Manifest) MemoryMB() int {
	return parseMemoryMB(m.Memory)
}

// TimeoutSeconds returns the declared timeout, or 0 when unset.
func (m *Manifest) TimeoutSeconds() int {
	return parseTimeoutSeconds(m.Timeout)
}

// IsActive reports whether the function should accept invocations.
func (m *Manifest) IsActive() bool {
	return m.Active == nil || *m.Active
}

// WatchPatterns returns the glob patterns, relative to Dir, whose changes
// trigger a redeploy.
func (m *Manifest) WatchPatterns() []string {
	if len(m.Watch) == 0 {
		return defaultWatchPatterns
	}
	return append([]string{ManifestFile}, m.Watch...)
}

// DiscoverManifests loads every <root>/<dir>/manifest.yaml. Invalid
// manifests are logged and skipped.
func DiscoverManifests(root string) ([]*Manifest, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		log.Warn().Str("path", root).Msg("Functions directory does not exist")
		return nil, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading functions directory: %w", err)
	}

	var manifests []*Manifest
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}

		path := filepath.Join(root, name, ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		manifest, err := LoadManifest(path)
		if err != nil {
			log.Warn().Err(err).Str("dir", name).Msg("Failed to load manifest")
			continue
		}
		manifests = append(manifests, manifest)
	}

	log.Debug().Int("count", len(manifests)).Str("path", root).Msg("Manifests discovered")
	return manifests, nil
}

// parseTimeoutSeconds accepts a Go duration ("30s", "1m30s", "500ms") or
// a bare number of seconds. Sub-second remainders round up. Anything else,
// including non-positive values, is 0.
func parseTimeoutSeconds(s string) int {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return max(n, 0)
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// memoryUnits is matched in order; longer suffixes come first.
var memoryUnits = []struct {
	suffix string
	mb     int
}{
	{"gb", mbPerGB},
	{"g", mbPerGB},
	{"mb", 1},
	{"m", 1},
	{"", 1},
}

// parseMemoryMB accepts whole megabytes or gigabytes ("128mb", "128m",
// "2gb", "64"). Anything else, including non-positive values, is 0.
func parseMemoryMB(s string) int {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, u := range memoryUnits {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil || n <= 0 {
			return 0
		}
		return n * u.mb
	}
	return 0
}
