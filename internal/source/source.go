// Package source defines the record source a search app is synchronised
// from: a finite, restartable sequence of records read in pages.
package source

import (
	"context"
	"iter"
)

// Record is one row of the authoritative store.
type Record struct {
	ID     string
	Fields map[string]any
}

// Cursor marks a position in a source. The zero Cursor is the start.
// After is implementation-defined (a keyset value or an offset).
type Cursor struct {
	After any
	Done  bool
}

// Source is a paginated record source.
type Source interface {
	// Count returns the total number of records. Used for progress
	// reporting only; it may be approximate or fail.
	Count(ctx context.Context) (int64, error)

	// NextBatch returns up to limit records following cursor and the cursor
	// for the next call. The returned cursor has Done set once the source is
	// exhausted. Records come back in a stable order.
	NextBatch(ctx context.Context, cursor Cursor, limit int) ([]Record, Cursor, error)
}

// Batches iterates a source from the start in pages of size records. Every
// page except possibly the last holds exactly size records. Iteration stops
// after the first error.
func Batches(ctx context.Context, src Source, size int) iter.Seq2[[]Record, error] {
	return func(yield func([]Record, error) bool) {
		var (
			cur     Cursor
			pending []Record
		)
		for !cur.Done {
			recs, next, err := src.NextBatch(ctx, cur, size-len(pending))
			if err != nil {
				yield(nil, err)
				return
			}
			cur = next
			if len(recs) == 0 && !cur.Done {
				// A source that returns nothing must be finished.
				cur.Done = true
			}
			pending = append(pending, recs...)
			if len(pending) == size || (cur.Done && len(pending) > 0) {
				if !yield(pending, nil) {
					return
				}
				pending = nil
			}
		}
	}
}
