package search

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIndexAlreadyExists is returned by Create when the index name is taken.
	ErrIndexAlreadyExists = errors.New("index already exists")
	// ErrIndexNotFound is returned when an operation targets a missing index.
	ErrIndexNotFound = errors.New("index not found")
	// ErrAliasNotFound is returned when removing an index from an alias that
	// does not reference it.
	ErrAliasNotFound = errors.New("alias not found")
	// ErrTransport wraps network failures and unexpected engine responses.
	ErrTransport = errors.New("search engine transport error")
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("search engine timeout")
	// ErrReindexTimeout is returned when a reindex does not finish in time.
	ErrReindexTimeout = errors.New("reindex timed out")
	// ErrBulkIngest matches any *BulkError.
	ErrBulkIngest = errors.New("bulk ingest failed")
)

// ItemError is a per-document bulk failure.
type ItemError struct {
	ID     string
	Status int
	Type   string
	Reason string
}

func (e ItemError) String() string {
	return fmt.Sprintf("%s: %d %s: %s", e.ID, e.Status, e.Type, e.Reason)
}

// BulkError reports a failed bulk request. Either Items is non-empty
// (document-level failures) or Cause is set (transport-level failure).
type BulkError struct {
	Target string
	Total  int
	Items  []ItemError
	Cause  error
}

func (e *BulkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bulk ingest into %s (%d docs): %v", e.Target, e.Total, e.Cause)
	}
	const maxShown = 3
	shown := e.Items
	if len(shown) > maxShown {
		shown = shown[:maxShown]
	}
	parts := make([]string, len(shown))
	for i, it := range shown {
		parts[i] = it.String()
	}
	msg := fmt.Sprintf("bulk ingest into %s: %d of %d docs failed: %s",
		e.Target, len(e.Items), e.Total, strings.Join(parts, "; "))
	if len(e.Items) > maxShown {
		msg += fmt.Sprintf(" (and %d more)", len(e.Items)-maxShown)
	}
	return msg
}

func (e *BulkError) Unwrap() error { return e.Cause }

func (e *BulkError) Is(target error) bool { return target == ErrBulkIngest }
