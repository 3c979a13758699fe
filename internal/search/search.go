// Package search defines the administrative interface to the search engine:
// index lifecycle, alias management, bulk ingestion and reindexing.
//
// Implementations live in subpackages (elastic, memory). Callers depend only
// on Client.
package search

import (
	"context"
	"time"
)

// Client is the administrative API of a search engine.
//
// Every method is a network call in the elastic implementation and may fail
// with ErrTransport or ErrTimeout. No method retries.
type Client interface {
	// Exists reports whether an index with the given name exists.
	Exists(ctx context.Context, index string) (bool, error)

	// Create creates an index. Returns ErrIndexAlreadyExists if the name is taken.
	Create(ctx context.Context, index string, body IndexBody) error

	// Delete removes an index. Deleting a missing index is not an error.
	Delete(ctx context.Context, index string) error

	// IndicesForAlias returns the indices referenced by alias.
	// A missing alias yields an empty set.
	IndicesForAlias(ctx context.Context, alias string) (Set, error)

	// AliasesForIndex returns the aliases that reference index.
	AliasesForIndex(ctx context.Context, index string) (Set, error)

	// AliasExists reports whether alias references at least one index.
	AliasExists(ctx context.Context, alias string) (bool, error)

	// UpdateAliases applies all actions as one atomic request.
	UpdateAliases(ctx context.Context, actions []AliasAction) error

	// Bulk indexes documents into target (an index or write alias).
	// Any document-level failure fails the call with a *BulkError.
	Bulk(ctx context.Context, target string, docs []Document, timeout time.Duration) error

	// Reindex copies all documents from source into dest, waiting for completion.
	Reindex(ctx context.Context, source, dest string, timeout time.Duration) error
}

// AliasOp is the kind of an alias action.
type AliasOp string

const (
	AliasAdd    AliasOp = "add"
	AliasRemove AliasOp = "remove"
)

// AliasAction adds or removes indices to or from an alias.
type AliasAction struct {
	Op      AliasOp
	Alias   string
	Indices []string
}

// UpdateAlias adds and removes indices on a single alias in one atomic call.
// Adds are applied before removes. Empty add and remove sets are a no-op.
func UpdateAlias(ctx context.Context, c Client, alias string, add, remove []string) error {
	actions := AliasActions(alias, add, remove)
	if len(actions) == 0 {
		return nil
	}
	return c.UpdateAliases(ctx, actions)
}

// AliasActions builds the add-then-remove action list for one alias,
// omitting empty actions.
func AliasActions(alias string, add, remove []string) []AliasAction {
	var actions []AliasAction
	if len(add) > 0 {
		actions = append(actions, AliasAction{Op: AliasAdd, Alias: alias, Indices: add})
	}
	if len(remove) > 0 {
		actions = append(actions, AliasAction{Op: AliasRemove, Alias: alias, Indices: remove})
	}
	return actions
}

// Document is a single search document. ID determines overwrite semantics:
// indexing an existing ID replaces the stored document.
type Document struct {
	ID     string
	Source map[string]any
}

// IndexBody is the create-index request: settings plus the schema mapping.
type IndexBody struct {
	Settings map[string]any `json:"settings,omitempty"`
	Mappings map[string]any `json:"mappings,omitempty"`
}
