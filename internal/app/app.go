// Package app describes search apps: a document type with a schema, a
// record source, and a record-to-document conversion. Apps are registered
// explicitly at startup; nothing is discovered by reflection.
package app

import (
	"errors"
	"fmt"
	"strings"

	"searchsync/internal/fingerprint"
	"searchsync/internal/search"
	"searchsync/internal/source"
)

var (
	ErrDuplicateApp = errors.New("duplicate app")
	ErrUnknownApp   = errors.New("unknown app")
	ErrInvalidApp   = errors.New("invalid app")
)

// SearchApp is the capability set every search-enabled app provides.
type SearchApp interface {
	Name() string
	DocType() string
	// Schema is the index mapping for DocType. Its fingerprint names the
	// physical index. Index settings come from configuration and are not
	// part of it.
	Schema() fingerprint.Descriptor
	Source() source.Source
	Convert(source.Record) (search.Document, error)
	// BatchSize is the preferred bulk batch size. Zero means the engine default.
	BatchSize() int
}

// ConvertFunc converts one record into a search document.
type ConvertFunc func(source.Record) (search.Document, error)

// Spec declares an app.
type Spec struct {
	Name      string
	DocType   string
	Schema    fingerprint.Descriptor
	Source    source.Source
	Convert   ConvertFunc // nil copies Fields and uses the record ID
	BatchSize int
}

type specApp struct{ s Spec }

// New validates spec and returns it as a SearchApp.
func New(spec Spec) (SearchApp, error) {
	switch {
	case spec.Name == "":
		return nil, fmt.Errorf("%w: empty name", ErrInvalidApp)
	case !validSegment(spec.DocType):
		return nil, fmt.Errorf("%w: %s: doc type %q must be lowercase and non-empty", ErrInvalidApp, spec.Name, spec.DocType)
	case spec.Schema == nil:
		return nil, fmt.Errorf("%w: %s: no schema", ErrInvalidApp, spec.Name)
	case spec.Source == nil:
		return nil, fmt.Errorf("%w: %s: no source", ErrInvalidApp, spec.Name)
	case spec.BatchSize < 0:
		return nil, fmt.Errorf("%w: %s: negative batch size", ErrInvalidApp, spec.Name)
	}
	if spec.Convert == nil {
		spec.Convert = CopyFields
	}
	return &specApp{s: spec}, nil
}

func (a *specApp) Name() string                                     { return a.s.Name }
func (a *specApp) DocType() string                                  { return a.s.DocType }
func (a *specApp) Schema() fingerprint.Descriptor                   { return a.s.Schema }
func (a *specApp) Source() source.Source                            { return a.s.Source }
func (a *specApp) Convert(r source.Record) (search.Document, error) { return a.s.Convert(r) }
func (a *specApp) BatchSize() int                                   { return a.s.BatchSize }

// CopyFields is the identity conversion.
func CopyFields(r source.Record) (search.Document, error) {
	if r.ID == "" {
		return search.Document{}, errors.New("record has no id")
	}
	return search.Document{ID: r.ID, Source: r.Fields}, nil
}

// Index names must be lowercase and must not contain the separators
// Elasticsearch rejects.
func validSegment(s string) bool {
	if s == "" || s != strings.ToLower(s) {
		return false
	}
	return !strings.ContainsAny(s, ` "*\<|,>/?#:`)
}
