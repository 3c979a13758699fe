package migrate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"searchsync/internal/app"
	"searchsync/internal/bulksync"
	"searchsync/internal/fingerprint"
	"searchsync/internal/jobs"
	"searchsync/internal/search"
	"searchsync/internal/search/memory"
	"searchsync/internal/source"
	srcmem "searchsync/internal/source/memory"
)

var (
	schemaV1 = fingerprint.Descriptor{
		"properties": map[string]any{
			"name": map[string]any{"type": "text"},
		},
	}
	schemaV2 = fingerprint.Descriptor{
		"properties": map[string]any{
			"name":  map[string]any{"type": "text", "copy_to": "all"},
			"price": map[string]any{"type": "float"},
		},
	}
)

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []jobs.Request
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req jobs.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *recordingDispatcher) requests() []jobs.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.reqs)
}

type harness struct {
	es     *memory.Engine
	src    *srcmem.Source
	reg    *app.Registry
	disp   *recordingDispatcher
	orch   *Orchestrator
	resync *Resyncer
	names  app.Names
}

func widgetRecords(n int) []source.Record {
	recs := make([]source.Record, n)
	for i := range recs {
		id := fmt.Sprint(i + 1)
		recs[i] = source.Record{ID: id, Fields: map[string]any{"name": "widget " + id}}
	}
	return recs
}

// newHarness registers a "widgets" app with schema on es. Calling it again
// with the same engine and a new schema simulates a deploy that changed the
// app's mapping.
func newHarness(t *testing.T, es *memory.Engine, src *srcmem.Source, schema fingerprint.Descriptor) *harness {
	t.Helper()
	a, err := app.New(app.Spec{Name: "widgets", DocType: "widget", Schema: schema, Source: src})
	if err != nil {
		t.Fatal(err)
	}
	reg := app.NewRegistry()
	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}
	namer := app.Namer{Root: "acme"}
	disp := &recordingDispatcher{}
	return &harness{
		es:   es,
		src:  src,
		reg:  reg,
		disp: disp,
		orch: New(Config{
			Client: es, Registry: reg, Namer: namer, Dispatcher: disp,
			IndexSettings: map[string]any{"number_of_shards": 1}, DefaultAnalysis: true,
		}),
		resync: NewResyncer(ResyncerConfig{
			Client: es, Registry: reg, Namer: namer,
			Syncer: bulksync.New(bulksync.Config{Client: es}),
		}),
		names: namer.For("widget"),
	}
}

func fp(t *testing.T, d fingerprint.Descriptor) string {
	t.Helper()
	s, err := fingerprint.Compute(d)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) aliasIndices(t *testing.T, alias string) []string {
	t.Helper()
	s, err := h.es.IndicesForAlias(context.Background(), alias)
	if err != nil {
		t.Fatal(err)
	}
	return s.Sorted()
}

func TestBootstrap(t *testing.T) {
	h := newHarness(t, memory.New(), srcmem.New(nil), schemaV1)
	ctx := context.Background()

	res, err := h.orch.MigrateApp(ctx, "widgets")
	if err != nil {
		t.Fatal(err)
	}
	want := h.names.Index(fp(t, schemaV1))
	if res.Before != StateUninitialised || res.Action != ActionBootstrapped || res.To != want {
		t.Errorf("result = %+v", res)
	}
	if got := h.aliasIndices(t, h.names.Read); !slices.Equal(got, []string{want}) {
		t.Errorf("read alias = %v", got)
	}
	if got := h.aliasIndices(t, h.names.Write); !slices.Equal(got, []string{want}) {
		t.Errorf("write alias = %v", got)
	}
	if st := h.es.Stats(); st.Creates != 1 || st.AliasUpdates != 1 {
		t.Errorf("stats = %+v, want one create and one alias update", st)
	}
	if len(h.disp.requests()) != 0 {
		t.Error("bootstrap should not schedule a resync")
	}

	body, ok := h.es.Body(want)
	if !ok {
		t.Fatal("index body missing")
	}
	if body.Settings["number_of_shards"] != 1 || body.Settings["analysis"] == nil {
		t.Errorf("settings = %v", body.Settings)
	}
	if body.Mappings["properties"] == nil {
		t.Errorf("mappings = %v", body.Mappings)
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	h := newHarness(t, memory.New(), srcmem.New(widgetRecords(3)), schemaV1)
	ctx := context.Background()
	if _, err := h.orch.MigrateApp(ctx, "widgets"); err != nil {
		t.Fatal(err)
	}
	before := h.es.Stats()

	res, err := h.orch.MigrateApp(ctx, "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if res.Before != StateCurrent || res.Action != ActionNone {
		t.Errorf("second check = %+v", res)
	}
	if after := h.es.Stats(); after != before {
		t.Errorf("second check mutated the engine: before %+v, after %+v", before, after)
	}
	if len(h.disp.requests()) != 0 {
		t.Error("second check dispatched a job")
	}
}

func TestWidgetsSchemaChange(t *testing.T) {
	es := memory.New()
	src := srcmem.New(widgetRecords(3))
	ctx := context.Background()

	v1 := newHarness(t, es, src, schemaV1)
	if _, err := v1.orch.MigrateApp(ctx, "widgets"); err != nil {
		t.Fatal(err)
	}
	if err := v1.resync.Sync(ctx, "widgets", nil); err != nil {
		t.Fatal(err)
	}
	idxV1 := v1.names.Index(fp(t, schemaV1))
	if n := es.Count(idxV1); n != 3 {
		t.Fatalf("v1 index holds %d docs, want 3", n)
	}

	// Deploy v2.
	v2 := newHarness(t, es, src, schemaV2)
	idxV2 := v2.names.Index(fp(t, schemaV2))

	res, err := v2.orch.MigrateApp(ctx, "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if res.Before != StateNeedsMigration || res.Action != ActionMigrated || res.From != idxV1 || res.To != idxV2 {
		t.Errorf("result = %+v", res)
	}
	if got := v2.aliasIndices(t, v2.names.Read); !slices.Equal(got, []string{idxV1, idxV2}) {
		t.Errorf("read alias during backfill = %v, want both", got)
	}
	if got := v2.aliasIndices(t, v2.names.Write); !slices.Equal(got, []string{idxV2}) {
		t.Errorf("write alias = %v, want only v2", got)
	}

	reqs := v2.disp.requests()
	if len(reqs) != 1 || reqs[0].Kind != jobs.KindResync || reqs[0].App != "widgets" || reqs[0].Fingerprint != fp(t, schemaV2) {
		t.Fatalf("dispatched = %+v", reqs)
	}
	if res.JobID != reqs[0].ID {
		t.Errorf("JobID = %s, dispatched %s", res.JobID, reqs[0].ID)
	}

	// While the resync is pending the next check reschedules it.
	st, err := v2.orch.Inspect(ctx, mustGet(t, v2.reg, "widgets"))
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateResyncIncomplete {
		t.Errorf("state during backfill = %s", st.State)
	}

	if err := v2.resync.ResyncAfterMigrate(ctx, "widgets", reqs[0].Fingerprint, nil); err != nil {
		t.Fatal(err)
	}
	if got := v2.aliasIndices(t, v2.names.Read); !slices.Equal(got, []string{idxV2}) {
		t.Errorf("read alias after cleanup = %v", got)
	}
	if es.Indices().Has(idxV1) {
		t.Error("v1 index was not deleted")
	}
	if ids := es.DocumentIDs(idxV2); !slices.Equal(ids.Sorted(), []string{"1", "2", "3"}) {
		t.Errorf("v2 documents = %v", ids.Sorted())
	}

	res, err = v2.orch.MigrateApp(ctx, "widgets")
	if err != nil || res.Before != StateCurrent {
		t.Errorf("after resync: %+v, %v", res, err)
	}
}

func mustGet(t *testing.T, reg *app.Registry, name string) app.SearchApp {
	t.Helper()
	a, err := reg.Get(name)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestResyncRedeliveryIsBenign(t *testing.T) {
	es := memory.New()
	src := srcmem.New(widgetRecords(2))
	ctx := context.Background()
	if _, err := newHarness(t, es, src, schemaV1).orch.MigrateApp(ctx, "widgets"); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, es, src, schemaV2)
	if _, err := h.orch.MigrateApp(ctx, "widgets"); err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if err := h.resync.ResyncAfterMigrate(ctx, "widgets", fp(t, schemaV2), nil); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if n := es.Count(h.names.Index(fp(t, schemaV2))); n != 2 {
		t.Errorf("doc count = %d, want 2", n)
	}
}

func TestInconsistentAliasState(t *testing.T) {
	ctx := context.Background()
	setups := map[string]func(t *testing.T, es *memory.Engine){
		"two write indices": func(t *testing.T, es *memory.Engine) {
			mustCreate(t, es, "acme-widget-a", "acme-widget-b")
			mustAlias(t, es, "acme-widget-read", "acme-widget-a", "acme-widget-b")
			mustAlias(t, es, "acme-widget-write", "acme-widget-a", "acme-widget-b")
		},
		"write index not readable": func(t *testing.T, es *memory.Engine) {
			mustCreate(t, es, "acme-widget-a", "acme-widget-b")
			mustAlias(t, es, "acme-widget-read", "acme-widget-a")
			mustAlias(t, es, "acme-widget-write", "acme-widget-b")
		},
		"read alias without write alias": func(t *testing.T, es *memory.Engine) {
			mustCreate(t, es, "acme-widget-a")
			mustAlias(t, es, "acme-widget-read", "acme-widget-a")
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			es := memory.New()
			setup(t, es)
			h := newHarness(t, es, srcmem.New(nil), schemaV2)
			before := es.Stats()

			res, err := h.orch.MigrateApp(ctx, "widgets")
			if !errors.Is(err, ErrInconsistentAliasState) {
				t.Fatalf("err = %v, want ErrInconsistentAliasState", err)
			}
			if res.Before != StateInconsistent {
				t.Errorf("before = %s", res.Before)
			}
			if after := es.Stats(); after != before {
				t.Errorf("inconsistent check mutated the engine: %+v -> %+v", before, after)
			}
			if len(h.disp.requests()) != 0 {
				t.Error("inconsistent check dispatched a job")
			}
		})
	}
}

func mustCreate(t *testing.T, es *memory.Engine, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := es.Create(context.Background(), n, search.IndexBody{}); err != nil {
			t.Fatal(err)
		}
	}
}

func mustAlias(t *testing.T, es *memory.Engine, alias string, indices ...string) {
	t.Helper()
	if err := search.UpdateAlias(context.Background(), es, alias, indices, nil); err != nil {
		t.Fatal(err)
	}
}

func TestForeignWriteIndexNeedsMigration(t *testing.T) {
	es := memory.New()
	mustCreate(t, es, "legacy-widgets")
	mustAlias(t, es, "acme-widget-read", "legacy-widgets")
	mustAlias(t, es, "acme-widget-write", "legacy-widgets")
	h := newHarness(t, es, srcmem.New(nil), schemaV1)

	st, err := h.orch.Inspect(context.Background(), mustGet(t, h.reg, "widgets"))
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentFingerprint != "" || st.State != StateNeedsMigration {
		t.Errorf("status = %+v", st)
	}
}

func TestResumeReusesExistingTarget(t *testing.T) {
	es := memory.New()
	src := srcmem.New(nil)
	ctx := context.Background()
	if _, err := newHarness(t, es, src, schemaV1).orch.MigrateApp(ctx, "widgets"); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, es, src, schemaV2)
	// A previous attempt created the target then died before the alias flip.
	mustCreate(t, es, h.names.Index(fp(t, schemaV2)))
	creates := es.Stats().Creates

	res, err := h.orch.MigrateApp(ctx, "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionMigrated {
		t.Errorf("action = %s", res.Action)
	}
	if es.Stats().Creates != creates {
		t.Error("existing target index was created again")
	}
}

func TestResyncIncompleteReschedules(t *testing.T) {
	es := memory.New()
	src := srcmem.New(nil)
	ctx := context.Background()
	h := newHarness(t, es, src, schemaV1)
	if _, err := h.orch.MigrateApp(ctx, "widgets"); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, es, "acme-widget-old")
	mustAlias(t, es, h.names.Read, "acme-widget-old")
	before := es.Stats()

	res, err := h.orch.MigrateApp(ctx, "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if res.Before != StateResyncIncomplete || res.Action != ActionResyncScheduled {
		t.Errorf("result = %+v", res)
	}
	if after := es.Stats(); after != before {
		t.Errorf("rescheduling mutated the engine: %+v -> %+v", before, after)
	}
	if reqs := h.disp.requests(); len(reqs) != 1 || reqs[0].Kind != jobs.KindResync {
		t.Errorf("dispatched = %+v", reqs)
	}
}

func TestDispatchFailureIsRecoverable(t *testing.T) {
	es := memory.New()
	src := srcmem.New(nil)
	ctx := context.Background()
	if _, err := newHarness(t, es, src, schemaV1).orch.MigrateApp(ctx, "widgets"); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, es, src, schemaV2)
	down := errors.New("broker unavailable")
	h.disp.err = down

	failed, err := h.orch.MigrateApp(ctx, "widgets")
	if !errors.Is(err, down) {
		t.Fatalf("err = %v, want dispatch error", err)
	}
	if failed.Action != ActionFailed || failed.To == failed.From {
		t.Errorf("failed result = %+v", failed)
	}

	h.disp.err = nil
	res, err := h.orch.MigrateApp(ctx, "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if res.Before != StateResyncIncomplete || len(h.disp.requests()) != 1 {
		t.Errorf("retry = %+v, dispatched %d", res, len(h.disp.requests()))
	}
}

func TestMigrateAppsIsolatesFailures(t *testing.T) {
	es := memory.New()
	// "gadget" is broken: its write alias holds two indices.
	mustCreate(t, es, "acme-gadget-a", "acme-gadget-b")
	mustAlias(t, es, "acme-gadget-read", "acme-gadget-a", "acme-gadget-b")
	mustAlias(t, es, "acme-gadget-write", "acme-gadget-a", "acme-gadget-b")

	reg := app.NewRegistry()
	for _, spec := range []app.Spec{
		{Name: "gadgets", DocType: "gadget", Schema: schemaV1, Source: srcmem.New(nil)},
		{Name: "widgets", DocType: "widget", Schema: schemaV1, Source: srcmem.New(nil)},
	} {
		a, err := app.New(spec)
		if err != nil {
			t.Fatal(err)
		}
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	orch := New(Config{Client: es, Registry: reg, Namer: app.Namer{Root: "acme"}, Dispatcher: &recordingDispatcher{}})

	results, err := orch.MigrateApps(context.Background(), nil)
	if !errors.Is(err, ErrInconsistentAliasState) {
		t.Fatalf("err = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].App != "gadgets" || results[0].Action != ActionFailed ||
		results[1].App != "widgets" || results[1].Action != ActionBootstrapped {
		t.Errorf("results = %+v", results)
	}

	if _, err := orch.MigrateApps(context.Background(), []string{"nope"}); !errors.Is(err, app.ErrUnknownApp) {
		t.Errorf("unknown app: %v", err)
	}
}
