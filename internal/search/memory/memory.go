// Package memory provides an in-memory search engine implementing
// search.Client.
//
// It models the parts of Elasticsearch the lifecycle manager depends on:
// alias updates are applied atomically under a single lock, writes through
// an alias require the alias to reference exactly one index, and deleting
// an index drops it from every alias. Intended for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"searchsync/internal/search"
)

type index struct {
	body search.IndexBody
	docs map[string]map[string]any
}

// Stats counts mutating calls, for asserting idempotence.
type Stats struct {
	Creates      int
	Deletes      int
	AliasUpdates int
	BulkRequests int
	Reindexes    int
}

// Engine is an in-memory search.Client.
type Engine struct {
	mu      sync.RWMutex
	indices map[string]*index
	aliases map[string]search.Set
	stats   Stats

	// BulkHook, if set, runs before each bulk request is applied. A non-nil
	// error fails the request without writing any document.
	BulkHook func(target string, docs []search.Document) error
	// ReindexHook, if set, runs before each reindex. A non-nil error fails it.
	ReindexHook func(source, dest string) error
}

var _ search.Client = (*Engine)(nil)

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		indices: make(map[string]*index),
		aliases: make(map[string]search.Set),
	}
}

func (e *Engine) Exists(_ context.Context, name string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.indices[name]
	return ok, nil
}

func (e *Engine) Create(_ context.Context, name string, body search.IndexBody) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[name]; ok {
		return fmt.Errorf("create %s: %w", name, search.ErrIndexAlreadyExists)
	}
	if _, ok := e.aliases[name]; ok {
		return fmt.Errorf("create %s: name in use by an alias: %w", name, search.ErrIndexAlreadyExists)
	}
	e.indices[name] = &index{body: body, docs: make(map[string]map[string]any)}
	e.stats.Creates++
	return nil
}

func (e *Engine) Delete(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[name]; !ok {
		return nil
	}
	delete(e.indices, name)
	for alias, members := range e.aliases {
		delete(members, name)
		if len(members) == 0 {
			delete(e.aliases, alias)
		}
	}
	e.stats.Deletes++
	return nil
}

func (e *Engine) IndicesForAlias(_ context.Context, alias string) (search.Set, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.aliases[alias]), nil
}

func (e *Engine) AliasesForIndex(_ context.Context, name string) (search.Set, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.indices[name]; !ok {
		return nil, fmt.Errorf("aliases for %s: %w", name, search.ErrIndexNotFound)
	}
	out := make(search.Set)
	for alias, members := range e.aliases {
		if members.Has(name) {
			out[alias] = struct{}{}
		}
	}
	return out, nil
}

func (e *Engine) AliasExists(_ context.Context, alias string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.aliases[alias]) > 0, nil
}

// UpdateAliases validates every action against a copy of the alias table and
// only then swaps it in, so readers never observe a partial update.
func (e *Engine) UpdateAliases(_ context.Context, actions []search.AliasAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]search.Set, len(e.aliases))
	for alias, members := range e.aliases {
		next[alias] = maps.Clone(members)
	}

	for _, a := range actions {
		for _, name := range a.Indices {
			if _, ok := e.indices[name]; !ok {
				return fmt.Errorf("update alias %s: %s: %w", a.Alias, name, search.ErrIndexNotFound)
			}
			switch a.Op {
			case search.AliasAdd:
				if _, clash := e.indices[a.Alias]; clash {
					return fmt.Errorf("update alias %s: an index has the same name: %w", a.Alias, search.ErrIndexAlreadyExists)
				}
				if next[a.Alias] == nil {
					next[a.Alias] = make(search.Set)
				}
				next[a.Alias][name] = struct{}{}
			case search.AliasRemove:
				if !next[a.Alias].Has(name) {
					return fmt.Errorf("update alias %s: %s: %w", a.Alias, name, search.ErrAliasNotFound)
				}
				delete(next[a.Alias], name)
				if len(next[a.Alias]) == 0 {
					delete(next, a.Alias)
				}
			default:
				return fmt.Errorf("update alias %s: unknown action %q", a.Alias, a.Op)
			}
		}
	}

	e.aliases = next
	e.stats.AliasUpdates++
	return nil
}

func (e *Engine) Bulk(_ context.Context, target string, docs []search.Document, _ time.Duration) error {
	if e.BulkHook != nil {
		if err := e.BulkHook(target, docs); err != nil {
			return &search.BulkError{Target: target, Total: len(docs), Cause: err}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.BulkRequests++

	name, err := e.resolveWrite(target)
	if err != nil {
		return &search.BulkError{Target: target, Total: len(docs), Cause: err}
	}
	idx := e.indices[name]
	for _, d := range docs {
		idx.docs[d.ID] = maps.Clone(d.Source)
	}
	return nil
}

// resolveWrite maps an index or alias name to the single index it writes to.
func (e *Engine) resolveWrite(target string) (string, error) {
	if _, ok := e.indices[target]; ok {
		return target, nil
	}
	members, ok := e.aliases[target]
	if !ok {
		return "", fmt.Errorf("%s: %w", target, search.ErrIndexNotFound)
	}
	name, ok := members.Only()
	if !ok {
		return "", fmt.Errorf("alias %s references %d indices; writes need exactly one", target, len(members))
	}
	return name, nil
}

func (e *Engine) Reindex(_ context.Context, source, dest string, _ time.Duration) error {
	if e.ReindexHook != nil {
		if err := e.ReindexHook(source, dest); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.indices[source]
	if !ok {
		return fmt.Errorf("reindex from %s: %w", source, search.ErrIndexNotFound)
	}
	dst, ok := e.indices[dest]
	if !ok {
		return fmt.Errorf("reindex into %s: %w", dest, search.ErrIndexNotFound)
	}
	for id, doc := range src.docs {
		dst.docs[id] = maps.Clone(doc)
	}
	e.stats.Reindexes++
	return nil
}

// Stats returns a snapshot of mutation counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Count returns the number of documents in an index, or -1 if it does not exist.
func (e *Engine) Count(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indices[name]
	if !ok {
		return -1
	}
	return len(idx.docs)
}

// Document returns a stored document.
func (e *Engine) Document(name, id string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indices[name]
	if !ok {
		return nil, false
	}
	doc, ok := idx.docs[id]
	return maps.Clone(doc), ok
}

// DocumentIDs returns the ids stored in an index.
func (e *Engine) DocumentIDs(name string) search.Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(search.Set)
	if idx, ok := e.indices[name]; ok {
		for id := range idx.docs {
			out[id] = struct{}{}
		}
	}
	return out
}

// Indices returns all index names.
func (e *Engine) Indices() search.Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(search.Set, len(e.indices))
	for name := range e.indices {
		out[name] = struct{}{}
	}
	return out
}

// Body returns the create request an index was created with.
func (e *Engine) Body(name string) (search.IndexBody, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indices[name]
	if !ok {
		return search.IndexBody{}, false
	}
	return idx.body, true
}
