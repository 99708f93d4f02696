package calibration

import (
	"context"
	"sort"
	"sync"
)

// Repository persists templates. Replace must swap the whole template
// atomically: a concurrent reader sees either the previous frame list or the
// new one, never a mix.
type Repository interface {
	// Get returns the template for key, or ErrNotFound.
	Get(ctx context.Context, key PhotoKey) (*Template, error)

	// List returns every template of a location that matches f, ordered by
	// time of day, finish and filename.
	List(ctx context.Context, locationKey string, f Filter) ([]*Template, error)

	// Replace inserts t or fully replaces the stored template with the same key.
	Replace(ctx context.Context, t *Template) error

	// Delete removes the template and its frames, or returns ErrNotFound.
	Delete(ctx context.Context, key PhotoKey) error
}

// InMemoryRepository is a Repository backed by a map. Used for tests and
// single-process development.
type InMemoryRepository struct {
	mu        sync.RWMutex
	templates map[PhotoKey]*Template
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		templates: make(map[PhotoKey]*Template),
	}
}

// Get returns a copy of the stored template.
func (r *InMemoryRepository) Get(_ context.Context, key PhotoKey) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[key]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns copies of all matching templates.
func (r *InMemoryRepository) List(_ context.Context, locationKey string, f Filter) ([]*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Template
	for k, t := range r.templates {
		if k.LocationKey == locationKey && f.Matches(k) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out, nil
}

// Replace stores a copy of t under its key.
func (r *InMemoryRepository) Replace(_ context.Context, t *Template) error {
	c := t.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[c.Key] = c
	return nil
}

// Delete removes the template stored under key.
func (r *InMemoryRepository) Delete(_ context.Context, key PhotoKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[key]; !ok {
		return ErrNotFound
	}
	delete(r.templates, key)
	return nil
}
