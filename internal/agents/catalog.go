package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of a multi-agent file.
type catalogFile struct {
	Agents []Definition `yaml:"agents"`
}

// Catalog is a name-indexed set of definitions loaded from a YAML file or a
// directory of YAML files. It is safe for concurrent use.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

// Empty returns a catalog with no definitions and no backing path.
func Empty() *Catalog {
	return &Catalog{defs: map[string]Definition{}, logger: slog.Default()}
}

// Load reads the catalog at path.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the definition named name.
func (c *Catalog) Get(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

// List returns all definitions sorted by name.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Reload re-reads the backing path. On error the previous contents are kept.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	defs, err := loadPath(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.defs = defs
	c.mu.Unlock()
	return nil
}

func loadPath(path string) (map[string]Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("agent catalog not found: %w", err)
	}

	defs := map[string]Definition{}
	if !info.IsDir() {
		if err := loadFile(path, defs); err != nil {
			return nil, err
		}
		return defs, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read agent directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		if err := loadFile(filepath.Join(path, entry.Name()), defs); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// loadFile accepts either {agents: [...]} or a single definition. A single
// definition without a name takes the file's base name.
func loadFile(path string, into map[string]Definition) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var multi catalogFile
	if err := yaml.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	list := multi.Agents
	if len(list) == 0 {
		var single Definition
		if err := yaml.Unmarshal(data, &single); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if single.Name == "" {
			single.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		list = []Definition{single}
	}

	for _, d := range list {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return fmt.Errorf("%s: agent definition without a name", path)
		}
		if prev, dup := into[d.Name]; dup {
			return fmt.Errorf("duplicate agent %q in %s (already defined in %s)", d.Name, path, prev.Source)
		}
		d.Source = path
		into[d.Name] = d
	}
	return nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads the catalog whenever the backing file or directory changes,
// until ctx is done. Bursts of events are coalesced.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := c.path
	file := ""
	if info, err := os.Stat(c.path); err == nil && !info.IsDir() {
		// Editors replace files on save, so watch the parent directory.
		dir, file = filepath.Dir(c.path), filepath.Clean(c.path)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		const settle = 100 * time.Millisecond
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if file != "" && filepath.Clean(event.Name) != file {
					continue
				}
				if file == "" && !isYAML(event.Name) {
					continue
				}
				debounce = time.After(settle)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("agent catalog watcher error", "error", err)
			case <-debounce:
				debounce = nil
				if err := c.Reload(); err != nil {
					c.logger.Warn("agent catalog reload failed, keeping previous definitions", "error", err)
					continue
				}
				c.logger.Info("agent catalog reloaded", "path", c.path, "agents", len(c.List()))
			}
		}
	}()
	return nil
}
