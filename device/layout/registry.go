package layout

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Alia5/kvmlink/internal/log"
)

// DefaultName is used when no layout is configured.
const DefaultName = "US QWERTY"

//go:embed keyboards/*.json
var bundled embed.FS

// Registry holds every loaded layout keyed by name.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	layouts map[string]*Layout
}

// NewRegistry returns a registry preloaded with the bundled layouts. A nil
// logger discards output.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = log.Discard()
	}
	r := &Registry{logger: logger, layouts: map[string]*Layout{}}
	if _, err := r.LoadFS(bundled, "keyboards"); err != nil {
		logger.Error("bundled layouts", "error", err)
	}
	return r
}

// Add stores l, replacing any layout with the same name. Unnamed layouts are
// ignored.
func (r *Registry) Add(l *Layout) bool {
	if l == nil || l.Name == "" {
		return false
	}
	r.mu.Lock()
	r.layouts[l.Name] = l
	r.mu.Unlock()
	return true
}

// LoadFromDirectory loads every *.json file in dir. Files that fail to parse
// are logged and skipped. It returns how many layouts were stored.
func (r *Registry) LoadFromDirectory(dir string) (int, error) {
	return r.LoadFS(os.DirFS(dir), ".")
}

// LoadFS loads every *.json file in dir of fsys.
func (r *Registry) LoadFS(fsys fs.FS, dir string) (int, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("read layout dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, pathJoin(dir, e.Name()))
		if err != nil {
			r.logger.Warn("cannot read layout", "file", e.Name(), "error", err)
			continue
		}
		if r.loadData(e.Name(), data) {
			n++
		}
	}
	return n, nil
}

// LoadFile loads a single layout file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read layout: %w", err)
	}
	if !r.loadData(filepath.Base(path), data) {
		return fmt.Errorf("layout %s: not loaded", path)
	}
	return nil
}

func (r *Registry) loadData(file string, data []byte) bool {
	l, skipped, err := Parse(data)
	if err != nil {
		r.logger.Warn("cannot parse layout", "file", file, "error", err)
		return false
	}
	for _, s := range skipped {
		r.logger.Debug("layout entry skipped", "file", file, "entry", s)
	}
	if !r.Add(l) {
		r.logger.Warn("layout without name discarded", "file", file)
		return false
	}
	r.logger.Debug("layout loaded", "file", file, "name", l.Name, "keys", len(l.KeyMap))
	return true
}

// Available returns the layout names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.layouts))
	for n := range r.layouts {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Get returns the layout called name.
func (r *Registry) Get(name string) (*Layout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.layouts[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrLayoutNotFound)
}

func pathJoin(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}
