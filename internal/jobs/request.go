// Package jobs carries background index work (resyncs and plain syncs)
// from the code that decides it is needed to the worker that performs it.
//
// Requests travel over a Dispatcher/Receiver pair: an in-process Queue or
// a Kafka topic (package jobs/kafka). Delivery is at-least-once, so every
// handler must be idempotent. A Worker deduplicates identical requests in
// flight and runs them on a Scheduler that bounds concurrency and tracks
// progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownJobKind = errors.New("unknown job kind")
	ErrQueueClosed    = errors.New("job queue closed")
)

// Kind identifies the work a request asks for.
type Kind string

const (
	// KindResync fully syncs an app into its write index, then retires
	// every other index behind its read alias.
	KindResync Kind = "resync"
	// KindSync fully syncs an app into its write alias without touching
	// aliases.
	KindSync Kind = "sync"
)

// Request is one unit of background work.
type Request struct {
	ID   string `msgpack:"id"`
	Kind Kind   `msgpack:"kind"`
	App  string `msgpack:"app"`
	// Fingerprint is the schema fingerprint the request was issued for.
	// Informational: handlers resolve the live write index themselves.
	Fingerprint string    `msgpack:"fingerprint,omitempty"`
	EnqueuedAt  time.Time `msgpack:"enqueued_at"`
}

// NewRequest stamps a request with a time-ordered id.
func NewRequest(kind Kind, app, fingerprint string) Request {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Request{
		ID:          id.String(),
		Kind:        kind,
		App:         app,
		Fingerprint: fingerprint,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Key identifies equivalent requests. Two requests with the same key do the
// same work.
func (r Request) Key() string {
	return string(r.Kind) + "/" + r.App + "/" + r.Fingerprint
}

// JobName is the human-readable scheduler job name.
func (r Request) JobName() string {
	if r.Fingerprint == "" {
		return fmt.Sprintf("%s:%s", r.Kind, r.App)
	}
	fp := r.Fingerprint
	if len(fp) > 8 {
		fp = fp[:8]
	}
	return fmt.Sprintf("%s:%s@%s", r.Kind, r.App, fp)
}

func (r Request) Validate() error {
	switch {
	case r.Kind != KindResync && r.Kind != KindSync:
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, r.Kind)
	case r.App == "":
		return errors.New("job request has no app")
	}
	return nil
}

// Encode serialises a request for the wire.
func Encode(r Request) ([]byte, error) {
	return msgpack.Marshal(&r)
}

// Decode parses a request produced by Encode and validates it.
func Decode(b []byte) (Request, error) {
	var r Request
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("decode job request: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Dispatcher enqueues requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// HandleFunc processes one delivered request.
type HandleFunc func(ctx context.Context, req Request) error

// Receiver delivers requests to a handler until ctx is cancelled or the
// underlying queue is closed.
type Receiver interface {
	Receive(ctx context.Context, handle HandleFunc) error
}
