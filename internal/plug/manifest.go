// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package plug

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/plugos/plugos/internal/capability"
)

// ManifestFile is the manifest file name inside a plug directory.
const ManifestFile = "plug.yaml"

// Manifest represents a plug.yaml file. It is immutable once loaded.
type Manifest struct {
	Name         string                 `yaml:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version      string                 `yaml:"version" jsonschema:"minLength=1"`
	Entry        string                 `yaml:"entry,omitempty"`
	Source       string                 `yaml:"source,omitempty"`
	Capabilities []string               `yaml:"capabilities,omitempty"`
	Dependencies map[string]string      `yaml:"dependencies,omitempty"`
	Assets       []string               `yaml:"assets,omitempty"`
	Functions    map[string]FunctionDef `yaml:"functions,omitempty"`
}

// FunctionDef declares one exported function. Keys other than handler are
// metadata for hooks (slashCommand, events, cron, ...).
type FunctionDef struct {
	// Handler is the Lua function to call. Defaults to the function name.
	Handler string         `yaml:"handler,omitempty"`
	Meta    map[string]any `yaml:",inline"`
}

// Has reports whether key is present in the hook metadata.
func (f FunctionDef) Has(key string) bool {
	_, ok := f.Meta[key]
	return ok
}

// Decode decodes the hook metadata under key into out. It reports false
// when the key is absent.
func (f FunctionDef) Decode(key string, out any) (bool, error) {
	raw, ok := f.Meta[key]
	if !ok {
		return false, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: false,
		ErrorUnused:      false,
	})
	if err != nil {
		return true, err //nolint:wrapcheck // config errors are programming errors
	}
	if err := dec.Decode(raw); err != nil {
		return true, fmt.Errorf("%s: %w", key, err)
	}
	return true, nil
}

// maxNameLength is the maximum allowed length for plug names.
const maxNameLength = 64

// namePattern validates plug names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses a plug.yaml file and checks it against the schema
// and the structural rules. Every problem found is reported in one
// *ManifestError.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, manifestError("", []string{"manifest data is empty"})
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, manifestError("", []string{"invalid YAML: " + err.Error()})
	}

	var problems []string
	if err := ValidateSchema(data); err != nil {
		problems = append(problems, SchemaProblems(err)...)
	}
	problems = append(problems, m.Problems()...)
	if len(problems) > 0 {
		return nil, manifestError(m.Name, dedupe(problems))
	}
	return &m, nil
}

// Validate checks the structural rules and returns a *ManifestError if any
// are broken.
func (m *Manifest) Validate() error {
	if problems := m.Problems(); len(problems) > 0 {
		return manifestError(m.Name, problems)
	}
	return nil
}

// Problems lists every structural rule the manifest breaks. Hook-specific
// rules are checked by the hooks themselves.
func (m *Manifest) Problems() []string {
	var problems []string

	switch {
	case m.Name == "" || !namePattern.MatchString(m.Name):
		problems = append(problems, fmt.Sprintf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name))
	case len(m.Name) > maxNameLength:
		problems = append(problems, fmt.Sprintf("name must be %d characters or less, got %d", maxNameLength, len(m.Name)))
	}

	if m.Version == "" {
		problems = append(problems, "version is required")
	} else if _, err := semver.NewVersion(m.Version); err != nil {
		problems = append(problems, fmt.Sprintf("version %q is not a valid semantic version", m.Version))
	}

	if m.Entry == "" && m.Source == "" {
		problems = append(problems, "one of entry or source is required")
	}

	problems = append(problems, capability.Compile(m.Capabilities)...)

	for _, dep := range sortedKeys(m.Dependencies) {
		if dep == m.Name {
			problems = append(problems, fmt.Sprintf("plug %s cannot depend on itself", dep))
			continue
		}
		if _, err := semver.NewConstraint(m.Dependencies[dep]); err != nil {
			problems = append(problems, fmt.Sprintf("dependency %s has invalid version constraint %q", dep, m.Dependencies[dep]))
		}
	}

	for _, name := range m.FunctionNames() {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "function names must not be empty")
		}
	}

	return problems
}

// FunctionNames returns declared function names, sorted.
func (m *Manifest) FunctionNames() []string {
	names := make([]string, 0, len(m.Functions))
	for name := range m.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Function looks up a declared function.
func (m *Manifest) Function(name string) (FunctionDef, bool) {
	def, ok := m.Functions[name]
	return def, ok
}

// HandlerName returns the Lua function that implements fn.
func (m *Manifest) HandlerName(fn string) string {
	if def, ok := m.Functions[fn]; ok && def.Handler != "" {
		return def.Handler
	}
	return fn
}

// SemVer returns the parsed version. It is only valid for manifests that
// passed validation.
func (m *Manifest) SemVer() *semver.Version {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil
	}
	return v
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
