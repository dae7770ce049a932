// Package profiles reads and rewrites dbt profiles.yml and reads dbt_project.yml.
package profiles

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/target"
)

const (
	FileName    = "profiles.yml"
	ProjectFile = "dbt_project.yml"
)

// Profiles is the decoded content of a profiles.yml. Keys other than profiles
// (like "config") are kept as-is.
type Profiles map[string]any

// Load reads a profiles.yml. A missing file yields empty profiles.
func Load(fs afero.Fs, path string) (Profiles, error) {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return Profiles{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	p := Profiles{}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if p == nil {
		p = Profiles{}
	}
	return p, nil
}

// Save writes p to path with a 2-space indent, creating parent directories.
func Save(fs afero.Fs, path string, p Profiles) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any(p)); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, buf.Bytes(), 0o600)
}

// profile returns the mapping for name, creating it when absent.
func (p Profiles) profile(name string) (map[string]any, error) {
	raw, ok := p[name]
	if !ok || raw == nil {
		m := map[string]any{}
		p[name] = m
		return m, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("profile %q is not a mapping", name)
	}
	return m, nil
}

// InjectTarget adds or replaces the output name of profile. The first output of a
// new profile also becomes its default target.
func (p Profiles) InjectTarget(profile, name string, t target.Target) error {
	if profile == "" || name == "" {
		return errors.New("profile and target names are required")
	}
	m, err := p.profile(profile)
	if err != nil {
		return err
	}
	outputs, ok := m["outputs"].(map[string]any)
	if !ok {
		if m["outputs"] != nil {
			return fmt.Errorf("profile %q: outputs is not a mapping", profile)
		}
		outputs = map[string]any{}
		m["outputs"] = outputs
	}
	outputs[name] = map[string]any(t)
	if _, ok := m["target"]; !ok {
		m["target"] = name
	}
	return nil
}

// SetDefaultTarget makes name the default output of profile.
func (p Profiles) SetDefaultTarget(profile, name string) error {
	m, err := p.profile(profile)
	if err != nil {
		return err
	}
	if outputs, ok := m["outputs"].(map[string]any); ok {
		if _, ok := outputs[name]; !ok {
			return fmt.Errorf("profile %q has no output %q", profile, name)
		}
	}
	m["target"] = name
	return nil
}

// Target returns the output name of profile, if any.
func (p Profiles) Target(profile, name string) (target.Target, bool) {
	m, ok := p[profile].(map[string]any)
	if !ok {
		return nil, false
	}
	outputs, ok := m["outputs"].(map[string]any)
	if !ok {
		return nil, false
	}
	out, ok := outputs[name].(map[string]any)
	if !ok {
		return nil, false
	}
	return target.Target(out), true
}

// ProjectProfileName returns the "profile" key of projectDir/dbt_project.yml.
func ProjectProfileName(fs afero.Fs, projectDir string) (string, error) {
	path := filepath.Join(projectDir, ProjectFile)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	var project struct {
		Name    string `yaml:"name"`
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &project); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	if project.Profile == "" {
		return "", fmt.Errorf("%s: no profile set", path)
	}
	return project.Profile, nil
}
