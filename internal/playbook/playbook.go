// Package playbook loads policy playbooks from a YAML directory and selects
// the playbook for an observed forecast delta.
package playbook

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kaji/internal/model"
)

// Library loads and caches playbook specs from a directory. Each playbook
// lives in <dir>/<name>.yaml. Loaded specs are cached until Clear is called;
// there is no TTL, operators reload explicitly after editing files.
type Library struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*model.PlaybookSpec
}

// NewLibrary creates a playbook library backed by dir.
func NewLibrary(dir string, logger *slog.Logger) *Library {
	return &Library{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*model.PlaybookSpec),
	}
}

// Load returns the named playbook, reading it from disk on first use.
// Returns nil with no error when the playbook does not exist.
func (l *Library) Load(name string) (*model.PlaybookSpec, error) {
	l.mu.RLock()
	spec, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return spec, nil
	}

	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("playbook: read %s: %w", path, err)
	}

	spec = &model.PlaybookSpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("playbook: parse %s: %w", path, err)
	}
	if spec.Playbook == "" {
		spec.Playbook = name
	}

	l.mu.Lock()
	l.cache[name] = spec
	l.mu.Unlock()
	return spec, nil
}

// LoadAll reads every *.yaml file in the directory into the cache and
// returns the loaded specs keyed by playbook name.
func (l *Library) LoadAll() (map[string]*model.PlaybookSpec, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("playbook: read dir %s: %w", l.dir, err)
	}

	loaded := make(map[string]*model.PlaybookSpec)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".yaml")
		data, err := os.ReadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("playbook: read %s: %w", entry.Name(), err)
		}
		spec := &model.PlaybookSpec{}
		if err := yaml.Unmarshal(data, spec); err != nil {
			return nil, fmt.Errorf("playbook: parse %s: %w", entry.Name(), err)
		}
		if spec.Playbook == "" {
			spec.Playbook = name
		}
		l.cache[name] = spec
		loaded[name] = spec
	}
	l.logger.Info("playbook: library loaded", "dir", l.dir, "count", len(loaded))
	return loaded, nil
}

// Clear drops the cache so the next Load re-reads from disk.
func (l *Library) Clear() {
	l.mu.Lock()
	l.cache = make(map[string]*model.PlaybookSpec)
	l.mu.Unlock()
}

// Names returns the cached playbook names.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.cache))
	for name := range l.cache {
		names = append(names, name)
	}
	return names
}
