package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
)

// Manifest describes how to launch one worker. It is read once from the
// worker's descriptor file and never changes afterwards.
type Manifest struct {
	// Name identifies the worker in the registry and is injected into the
	// worker's environment.
	Name string `yaml:"name"`

	// Command is the argv used to start the worker. A relative program path
	// that contains a separator is resolved against Dir.
	Command []string `yaml:"command"`

	// Env adds variables on top of the hub's own environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Dir is the directory holding the descriptor; the worker runs there.
	Dir string `yaml:"-"`

	// Path is the descriptor file the manifest was loaded from.
	Path string `yaml:"-"`
}

// LoadManifest reads a descriptor. JSON descriptors parse as YAML.
// A descriptor without a name takes the name of its directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidDescriptor, "failed to read descriptor", err).
			WithContext("path", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.New(errors.CodeInvalidDescriptor, "failed to parse descriptor", err).
			WithContext("path", path)
	}

	m.Path = path
	m.Dir = filepath.Dir(path)
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		m.Name = filepath.Base(m.Dir)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the fields needed to spawn the worker.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New(errors.CodeInvalidDescriptor, "descriptor has no name", nil).
			WithContext("path", m.Path)
	}
	if len(m.Command) == 0 || strings.TrimSpace(m.Command[0]) == "" {
		return errors.New(errors.CodeInvalidDescriptor, "descriptor has no command", nil).
			WithContext("path", m.Path).
			WithContext("worker", m.Name)
	}
	for key := range m.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.New(errors.CodeInvalidDescriptor, fmt.Sprintf("invalid env key %q", key), nil).
				WithContext("path", m.Path).
				WithContext("worker", m.Name)
		}
	}
	return nil
}

// Program returns the executable to start, resolving relative paths against Dir.
func (m *Manifest) Program() string {
	prog := m.Command[0]
	hasSep := strings.ContainsRune(prog, '/') || strings.ContainsRune(prog, filepath.Separator)
	if filepath.IsAbs(prog) || !hasSep {
		return prog
	}
	return filepath.Join(m.Dir, prog)
}

// Args returns the arguments after the program.
func (m *Manifest) Args() []string {
	return append([]string(nil), m.Command[1:]...)
}
