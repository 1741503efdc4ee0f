package workflow

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Store loads workflow templates from a directory and caches them by name.
// Templates are read once and shared; concurrent first loads for the same
// name are coalesced so the file is parsed a single time.
type Store struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Template
	group singleflight.Group
}

func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		cache: make(map[string]*Template),
	}
}

// Load returns the named template, reading it from disk on first access.
func (s *Store) Load(name string) (*Template, error) {
	s.mu.RLock()
	tmpl, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// cache between the RUnlock and Do.
		s.mu.RLock()
		cached, ok := s.cache[name]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}

		tmpl, err := s.read(name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.cache[name] = tmpl
		s.mu.Unlock()

		log.Printf("[Workflow] Loaded template %q (version %s, %d nodes)", name, tmpl.Version, tmpl.NodeCount())
		return tmpl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// Invalidate drops a cached entry; the next Load re-reads the file.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

func (s *Store) read(name string) (*Template, error) {
	filename := name
	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	return parseTemplate(name, raw)
}
