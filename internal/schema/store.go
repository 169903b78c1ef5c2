package schema

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jackzampolin/formscan/internal/home"
)

// LegacySuffix is the file name suffix older tooling wrote schemas with.
const LegacySuffix = "-schema.json"

// Store loads the schema of an application.
// Returned fields are shared and must not be modified.
type Store interface {
	Load(ctx context.Context, application string) ([]Field, error)
}

// FileStore reads schemas from {dir}/{application}.json, falling back to
// {dir}/{application}-schema.json.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a store over dir.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}
}

// Dir returns the directory the store reads from.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file holding the application's schema.
func (s *FileStore) Path(application string) (string, error) {
	if err := home.ValidateSegment("application", application); err != nil {
		return "", err
	}
	for _, name := range []string{application + ".json", application + LegacySuffix} {
		p := filepath.Join(s.dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("%w: %s (looked in %s)", ErrNotFound, application, s.dir)
}

// Load reads and validates the application's schema.
func (s *FileStore) Load(ctx context.Context, application string) ([]Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.Path(application)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, application)
		}
		return nil, fmt.Errorf("read schema %s: %w", p, err)
	}
	fields, err := Parse(application, data)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("schema loaded", "application", application, "path", p, "fields", len(fields))
	return fields, nil
}

// List returns the applications that have a schema file, sorted.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	seen := make(map[string]bool)
	var apps []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		app, ok := ApplicationFromFile(e.Name())
		if ok && !seen[app] {
			seen[app] = true
			apps = append(apps, app)
		}
	}
	sort.Strings(apps)
	return apps, nil
}

// ApplicationFromFile maps a schema file name back to its application.
func ApplicationFromFile(name string) (string, bool) {
	name = filepath.Base(name)
	switch {
	case strings.HasSuffix(name, LegacySuffix):
		name = strings.TrimSuffix(name, LegacySuffix)
	case strings.HasSuffix(name, ".json"):
		name = strings.TrimSuffix(name, ".json")
	default:
		return "", false
	}
	return name, name != ""
}

// CachedStore memoizes parsed schemas and drops them when their files change.
type CachedStore struct {
	files  *FileStore
	read   func(ctx context.Context, application string) ([]Field, error)
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string][]Field
	gens    map[string]uint64 // bumped by Invalidate
}

// NewCachedStore wraps files.
func NewCachedStore(files *FileStore, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		files:   files,
		read:    files.Load,
		logger:  logger,
		entries: make(map[string][]Field),
		gens:    make(map[string]uint64),
	}
}

// Load returns the cached schema, reading it on a miss. Failures are not cached.
func (c *CachedStore) Load(ctx context.Context, application string) ([]Field, error) {
	c.mu.RLock()
	fields, ok := c.entries[application]
	gen := c.gens[application]
	c.mu.RUnlock()
	if ok {
		return fields, nil
	}

	fields, err := c.read(ctx, application)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	// An Invalidate during the read means the file may have changed under it.
	if c.gens[application] == gen {
		c.entries[application] = fields
	}
	c.mu.Unlock()
	return fields, nil
}

// Invalidate drops one application from the cache.
func (c *CachedStore) Invalidate(application string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[application]++
	if _, ok := c.entries[application]; ok {
		delete(c.entries, application)
		c.logger.Info("schema cache invalidated", "application", application)
	}
}

// Cached reports whether application is currently cached.
func (c *CachedStore) Cached(application string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[application]
	return ok
}

// Watch invalidates cached schemas whose files change until ctx is done.
// The schema directory must exist.
func (c *CachedStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.files.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", c.files.Dir(), err)
	}
	c.logger.Debug("watching schema dir", "path", c.files.Dir())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if app, ok := ApplicationFromFile(ev.Name); ok {
				c.Invalidate(app)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("schema watcher error", "error", err)
		}
	}
}
