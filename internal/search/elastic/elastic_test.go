package elastic

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"searchsync/internal/search"
	"searchsync/internal/search/memory"
)

// fakeES serves the subset of the Elasticsearch REST API the client uses,
// backed by an in-memory engine.
type fakeES struct {
	t      *testing.T
	engine *memory.Engine
	// rejectIDs makes bulk items with these ids fail with a mapping error.
	rejectIDs map[string]bool
	// reindexTimedOut makes _reindex report timed_out.
	reindexTimedOut bool
	lastAliases     []byte
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	ctx := r.Context()
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodPost && path == "_aliases":
		f.aliases(w, r)
	case r.Method == http.MethodPost && path == "_reindex":
		f.reindex(w, r)
	case len(parts) == 2 && parts[1] == "_bulk":
		f.bulk(w, r, parts[0])
	case len(parts) == 2 && parts[0] == "_alias":
		members, _ := f.engine.IndicesForAlias(ctx, parts[1])
		if len(members) == 0 {
			writeError(w, http.StatusNotFound, "", "alias ["+parts[1]+"] missing")
			return
		}
		if r.Method == http.MethodHead {
			return
		}
		body := map[string]any{}
		for _, idx := range members.Sorted() {
			body[idx] = map[string]any{"aliases": map[string]any{parts[1]: map[string]any{}}}
		}
		_ = json.NewEncoder(w).Encode(body)
	case len(parts) == 2 && parts[1] == "_alias":
		aliases, err := f.engine.AliasesForIndex(ctx, parts[0])
		if err != nil {
			writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+parts[0]+"]")
			return
		}
		am := map[string]any{}
		for _, a := range aliases.Sorted() {
			am[a] = map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{parts[0]: map[string]any{"aliases": am}})
	case len(parts) == 1 && r.Method == http.MethodHead:
		if ok, _ := f.engine.Exists(ctx, parts[0]); !ok {
			w.WriteHeader(http.StatusNotFound)
		}
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body search.IndexBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("decode create body: %v", err)
		}
		if err := f.engine.Create(ctx, parts[0], body); err != nil {
			writeError(w, http.StatusBadRequest, "resource_already_exists_exception", "index ["+parts[0]+"] already exists")
			return
		}
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if ok, _ := f.engine.Exists(ctx, parts[0]); !ok {
			writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index")
			return
		}
		_ = f.engine.Delete(ctx, parts[0])
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeES) aliases(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actions []map[string]struct {
			Alias   string   `json:"alias"`
			Indices []string `json:"indices"`
		} `json:"actions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.t.Errorf("decode aliases body: %v", err)
	}
	var actions []search.AliasAction
	for _, a := range body.Actions {
		for op, spec := range a {
			actions = append(actions, search.AliasAction{Op: search.AliasOp(op), Alias: spec.Alias, Indices: spec.Indices})
		}
	}
	f.lastAliases, _ = json.Marshal(actions)
	if err := f.engine.UpdateAliases(r.Context(), actions); err != nil {
		if errors.Is(err, search.ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, "index_not_found_exception", err.Error())
			return
		}
		writeError(w, http.StatusNotFound, "aliases_not_found_exception", err.Error())
		return
	}
	_, _ = w.Write([]byte(`{"acknowledged":true}`))
}

func (f *fakeES) bulk(w http.ResponseWriter, r *http.Request, target string) {
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	var docs []search.Document
	var items []map[string]any
	failed := false
	for sc.Scan() {
		var meta map[string]struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
			f.t.Fatalf("decode bulk meta: %v", err)
		}
		if !sc.Scan() {
			f.t.Fatal("bulk body missing source line")
		}
		var src map[string]any
		if err := json.Unmarshal(sc.Bytes(), &src); err != nil {
			f.t.Fatalf("decode bulk source: %v", err)
		}
		id := meta["index"].ID
		if f.rejectIDs[id] {
			failed = true
			items = append(items, map[string]any{"index": map[string]any{
				"_id": id, "status": 400,
				"error": map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"},
			}})
			continue
		}
		docs = append(docs, search.Document{ID: id, Source: src})
		items = append(items, map[string]any{"index": map[string]any{"_id": id, "status": 201}})
	}
	if err := f.engine.Bulk(r.Context(), target, docs, 0); err != nil {
		writeError(w, http.StatusBadRequest, "illegal_argument_exception", err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": failed, "items": items})
}

func (f *fakeES) reindex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait_for_completion") != "true" {
		f.t.Errorf("reindex should wait for completion, query = %s", r.URL.RawQuery)
	}
	var body struct {
		Source struct{ Index string } `json:"source"`
		Dest   struct{ Index string } `json:"dest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.t.Errorf("decode reindex body: %v", err)
	}
	if f.reindexTimedOut {
		_, _ = w.Write([]byte(`{"timed_out":true,"total":0,"failures":[]}`))
		return
	}
	if err := f.engine.Reindex(r.Context(), body.Source.Index, body.Dest.Index, 0); err != nil {
		writeError(w, http.StatusNotFound, "index_not_found_exception", err.Error())
		return
	}
	_, _ = w.Write([]byte(`{"timed_out":false,"total":2,"failures":[]}`))
}

func writeError(w http.ResponseWriter, status int, typ, reason string) {
	w.WriteHeader(status)
	if typ == "" {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": reason, "status": status})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  map[string]any{"type": typ, "reason": reason},
		"status": status,
	})
}

func newTestClient(t *testing.T) (*Client, *fakeES) {
	t.Helper()
	fake := &fakeES{t: t, engine: memory.New(), rejectIDs: map[string]bool{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := New(Config{Addresses: []string{srv.URL}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fake
}

func TestCreateExistsDelete(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)

	ok, err := c.Exists(ctx, "crm-order-abc")
	if err != nil || ok {
		t.Fatalf("Exists before create = %v, %v", ok, err)
	}

	body := search.NewIndexBody(map[string]any{"number_of_shards": 1}, map[string]any{"dynamic": "false"}, true)
	if err := c.Create(ctx, "crm-order-abc", body); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, _ := fake.engine.Body("crm-order-abc")
	if _, ok := stored.Settings["analysis"]; !ok {
		t.Error("create body should carry analysis settings")
	}
	if stored.Mappings["dynamic"] != "false" {
		t.Errorf("mappings = %v", stored.Mappings)
	}

	err = c.Create(ctx, "crm-order-abc", body)
	if !errors.Is(err, search.ErrIndexAlreadyExists) {
		t.Fatalf("second Create err = %v, want ErrIndexAlreadyExists", err)
	}

	ok, err = c.Exists(ctx, "crm-order-abc")
	if err != nil || !ok {
		t.Fatalf("Exists after create = %v, %v", ok, err)
	}

	if err := c.Delete(ctx, "crm-order-abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(ctx, "crm-order-abc"); err != nil {
		t.Fatalf("Delete missing should be a no-op, got %v", err)
	}
}

func TestAliases(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)
	for _, name := range []string{"crm-order-v1", "crm-order-v2"} {
		if err := c.Create(ctx, name, search.IndexBody{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.IndicesForAlias(ctx, "crm-order-read")
	if err != nil {
		t.Fatalf("IndicesForAlias missing alias: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("missing alias should be empty, got %v", got)
	}
	if ok, err := c.AliasExists(ctx, "crm-order-read"); err != nil || ok {
		t.Errorf("AliasExists = %v, %v", ok, err)
	}

	err = c.UpdateAliases(ctx, []search.AliasAction{
		{Op: search.AliasAdd, Alias: "crm-order-read", Indices: []string{"crm-order-v1", "crm-order-v2"}},
		{Op: search.AliasAdd, Alias: "crm-order-write", Indices: []string{"crm-order-v2"}},
	})
	if err != nil {
		t.Fatalf("UpdateAliases: %v", err)
	}
	if !strings.Contains(string(fake.lastAliases), `"Op":"add"`) {
		t.Errorf("unexpected actions sent: %s", fake.lastAliases)
	}

	got, err = c.IndicesForAlias(ctx, "crm-order-read")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.Sorted(), []string{"crm-order-v1", "crm-order-v2"}) {
		t.Errorf("read alias = %v", got.Sorted())
	}
	if ok, err := c.AliasExists(ctx, "crm-order-write"); err != nil || !ok {
		t.Errorf("AliasExists = %v, %v", ok, err)
	}

	aliases, err := c.AliasesForIndex(ctx, "crm-order-v2")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(aliases.Sorted(), []string{"crm-order-read", "crm-order-write"}) {
		t.Errorf("aliases of v2 = %v", aliases.Sorted())
	}

	err = search.UpdateAlias(ctx, c, "crm-order-write", nil, []string{"crm-order-v1"})
	if !errors.Is(err, search.ErrAliasNotFound) {
		t.Errorf("removing non-member err = %v, want ErrAliasNotFound", err)
	}

	if _, err := c.AliasesForIndex(ctx, "nope"); !errors.Is(err, search.ErrIndexNotFound) {
		t.Errorf("AliasesForIndex missing err = %v", err)
	}
}

func TestBulk(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)
	if err := c.Create(ctx, "crm-order-v1", search.IndexBody{}); err != nil {
		t.Fatal(err)
	}
	if err := search.UpdateAlias(ctx, c, "crm-order-write", []string{"crm-order-v1"}, nil); err != nil {
		t.Fatal(err)
	}

	docs := []search.Document{
		{ID: "1", Source: map[string]any{"reference": "ABC123"}},
		{ID: "2", Source: map[string]any{"reference": "DEF456"}},
	}
	if err := c.Bulk(ctx, "crm-order-write", docs, time.Minute); err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if got := fake.engine.Count("crm-order-v1"); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	fake.rejectIDs["3"] = true
	err := c.Bulk(ctx, "crm-order-write", []search.Document{{ID: "3"}, {ID: "4"}}, time.Minute)
	var be *search.BulkError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BulkError", err)
	}
	if len(be.Items) != 1 || be.Items[0].ID != "3" || be.Items[0].Type != "mapper_parsing_exception" {
		t.Errorf("items = %+v", be.Items)
	}

	if err := c.Bulk(ctx, "crm-order-write", nil, time.Minute); err != nil {
		t.Errorf("empty bulk should be a no-op, got %v", err)
	}
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t)
	for _, name := range []string{"crm-order-v1", "crm-order-v2"} {
		if err := c.Create(ctx, name, search.IndexBody{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Bulk(ctx, "crm-order-v1", []search.Document{{ID: "a"}, {ID: "b"}}, 0); err != nil {
		t.Fatal(err)
	}

	if err := c.Reindex(ctx, "crm-order-v1", "crm-order-v2", time.Hour); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if got := fake.engine.Count("crm-order-v2"); got != 2 {
		t.Errorf("dest count = %d, want 2", got)
	}

	fake.reindexTimedOut = true
	err := c.Reindex(ctx, "crm-order-v1", "crm-order-v2", time.Hour)
	if !errors.Is(err, search.ErrReindexTimeout) {
		t.Errorf("err = %v, want ErrReindexTimeout", err)
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c, err := New(Config{Addresses: []string{addr}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Exists(context.Background(), "x")
	if !errors.Is(err, search.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestTLSConfig(t *testing.T) {
	fake := &fakeES{t: t, engine: memory.New()}
	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	c, err := New(Config{
		Addresses: []string{srv.URL},
		TLS:       &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Exists(context.Background(), "x"); err != nil {
		t.Fatalf("Exists over TLS: %v", err)
	}

	// Without the server's root the handshake fails.
	untrusted, err := New(Config{Addresses: []string{srv.URL}, TLS: &tls.Config{MinVersion: tls.VersionTLS12}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := untrusted.Exists(context.Background(), "x"); !errors.Is(err, search.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}
