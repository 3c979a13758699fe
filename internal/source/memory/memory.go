// Package memory provides a slice-backed record source.
package memory

import (
	"context"
	"errors"
	"sync"

	"searchsync/internal/source"
)

// Source serves a fixed list of records in order. The cursor is an offset.
type Source struct {
	mu      sync.RWMutex
	records []source.Record

	failAfter int
	failErr   error
	calls     int
}

var _ source.Source = (*Source)(nil)

// New returns a source over records. The slice is copied.
func New(records []source.Record) *Source {
	return &Source{records: append([]source.Record(nil), records...)}
}

// Set replaces the records.
func (s *Source) Set(records []source.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]source.Record(nil), records...)
}

// FailAfter makes NextBatch return err once it has served n pages.
func (s *Source) FailAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter, s.failErr, s.calls = n, err, 0
}

func (s *Source) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

func (s *Source) NextBatch(ctx context.Context, c source.Cursor, limit int) ([]source.Record, source.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, c, err
	}
	if limit <= 0 {
		return nil, c, errors.New("memory source: limit must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil && s.calls >= s.failAfter {
		return nil, c, s.failErr
	}
	s.calls++

	off, _ := c.After.(int)
	end := min(off+limit, len(s.records))
	if off >= end {
		return nil, source.Cursor{After: off, Done: true}, nil
	}
	out := append([]source.Record(nil), s.records[off:end]...)
	return out, source.Cursor{After: end, Done: end >= len(s.records)}, nil
}
