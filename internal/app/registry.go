package app

import (
	"fmt"
	"sync"
)

// Registry holds the apps of one deployment in registration order.
type Registry struct {
	mu    sync.RWMutex
	apps  map[string]SearchApp
	order []string
	types map[string]string // doc type -> app name
}

func NewRegistry() *Registry {
	return &Registry{
		apps:  make(map[string]SearchApp),
		types: make(map[string]string),
	}
}

// Register adds a. App names and doc types must be unique: two apps
// sharing a doc type would fight over the same aliases.
func (r *Registry) Register(a SearchApp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[a.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateApp, a.Name())
	}
	if other, ok := r.types[a.DocType()]; ok {
		return fmt.Errorf("%w: doc type %s already used by %s", ErrDuplicateApp, a.DocType(), other)
	}
	r.apps[a.Name()] = a
	r.types[a.DocType()] = a.Name()
	r.order = append(r.order, a.Name())
	return nil
}

// Get returns the app registered as name.
func (r *Registry) Get(name string) (SearchApp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}
	return a, nil
}

// All returns every app in registration order.
func (r *Registry) All() []SearchApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SearchApp, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.apps[name])
	}
	return out
}

// Select returns the named apps, or all apps when names is empty. Unknown
// names fail the whole selection.
func (r *Registry) Select(names []string) ([]SearchApp, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]SearchApp, 0, len(names))
	for _, n := range names {
		a, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
