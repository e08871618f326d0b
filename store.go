package taskflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists task results at a location derived from a path template
// and per-call substitutions.
type Store interface {
	// Read loads the value at the resolved path. It returns an error
	// wrapping ErrNotFound when nothing was written there, and one wrapping
	// ErrUnsupportedSubstitutions when the store cannot take substitutions.
	Read(ctx context.Context, subs map[string]any) (any, error)

	// Write stores value at the resolved path, overwriting any prior value.
	// A later Read returns a value of the same Go type; values a store
	// cannot hand back unchanged in type are rejected.
	Write(ctx context.Context, subs map[string]any, value any) error
}

// MemoryStore is an in-process Store keyed by resolved path.
type MemoryStore struct {
	template string
	values   map[string]any
	mutex    sync.RWMutex
}

// NewMemoryStore returns an empty in-memory store for the path template.
func NewMemoryStore(template string) (*MemoryStore, error) {
	if _, err := TemplateFields(template); err != nil {
		return nil, err
	}
	return &MemoryStore{template: template, values: map[string]any{}}, nil
}

func (s *MemoryStore) Read(ctx context.Context, subs map[string]any) (any, error) {
	path, err := ResolvePath(s.template, subs)
	if err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	value, ok := s.values[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return value, nil
}

func (s *MemoryStore) Write(ctx context.Context, subs map[string]any, value any) error {
	path, err := ResolvePath(s.template, subs)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.values[path] = value
	return nil
}

// Paths returns the resolved paths holding a value, sorted.
func (s *MemoryStore) Paths() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	paths := make([]string, 0, len(s.values))
	for path := range s.values {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (s *MemoryStore) String() string {
	return fmt.Sprintf("MemoryStore(%s)", s.template)
}
