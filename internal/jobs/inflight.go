package jobs

import "sync"

// inflight deduplicates concurrent calls by key. While a call for a key is
// running, later callers with the same key wait for it and share its
// result. Once it returns the key is forgotten.
type inflight struct {
	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	done chan struct{}
	err  error
}

// do runs fn unless a call for key is already running. shared reports
// whether the result came from another caller's run.
func (g *inflight) do(key string, fn func() error) (err error, shared bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call)
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.err, true
	}
	c := &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()
	c.err = fn()
	return c.err, false
}
