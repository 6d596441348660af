package worker

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
)

// DefaultDescriptorFiles are the file names looked up in each worker directory,
// in order of preference.
var DefaultDescriptorFiles = []string{"skill.json", "skill.yaml", "skill.yml"}

// Discover loads one manifest per immediate subdirectory of root that holds a
// descriptor. Manifests come back in directory name order. Unreadable or
// invalid descriptors are logged and skipped, and when two descriptors declare
// the same name the first one wins.
//
// A missing or unreadable root is the only error.
func Discover(root string, files []string, logger *slog.Logger) ([]*Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(files) == 0 {
		files = DefaultDescriptorFiles
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.New(errors.CodeRootNotFound, "failed to resolve worker root", err).
			WithContext("root", root)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, errors.New(errors.CodeRootNotFound, "worker root does not exist", err).
			WithContext("root", absRoot)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.CodeRootNotFound, "worker root is not a directory", nil).
			WithContext("root", absRoot)
	}

	// os.ReadDir sorts by file name.
	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return nil, errors.New(errors.CodeRootNotFound, "failed to read worker root", err).
			WithContext("root", absRoot)
	}

	var manifests []*Manifest
	seen := make(map[string]*Manifest)
	for _, entry := range entries {
		dir := filepath.Join(absRoot, entry.Name())
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}

		path := findDescriptor(dir, files)
		if path == "" {
			continue
		}

		m, err := LoadManifest(path)
		if err != nil {
			logger.Warn("skipping invalid worker descriptor", "path", path, "error", err)
			continue
		}

		if kept, ok := seen[m.Name]; ok {
			logger.Warn("duplicate worker ignored (keeping first discovered)",
				"worker", m.Name,
				"ignored_path", m.Path,
				"kept_path", kept.Path,
			)
			continue
		}
		seen[m.Name] = m
		manifests = append(manifests, m)
		logger.Debug("discovered worker", "worker", m.Name, "path", m.Path)
	}

	return manifests, nil
}

func findDescriptor(dir string, files []string) string {
	for _, name := range files {
		path := filepath.Join(dir, name)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path
		}
	}
	return ""
}
