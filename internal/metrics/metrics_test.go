package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.BatchSent("a", 3)
	m.BatchFailed("a")
	m.SyncFinished("a", time.Second, nil)
	m.Migration("a", "current")
	m.IndexDeleted("a")
	m.JobStarted()
	m.JobFinished("resync", nil)
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.BatchSent("orders", 5)
	m.BatchSent("orders", 2)
	m.BatchFailed("orders")
	m.Migration("orders", "migrated")
	m.IndexDeleted("orders")
	m.JobStarted()
	m.JobFinished("resync", errors.New("x"))

	if got := testutil.ToFloat64(m.docsIngested.WithLabelValues("orders")); got != 7 {
		t.Errorf("documents = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.batches.WithLabelValues("orders", "ok")); got != 2 {
		t.Errorf("ok batches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.batches.WithLabelValues("orders", "error")); got != 1 {
		t.Errorf("failed batches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("resync", "error")); got != 1 {
		t.Errorf("failed jobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.jobsRunning); got != 0 {
		t.Errorf("running = %v, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Migration("widgets", "current")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `searchsync_migrate_checks_total{app="widgets",outcome="current"} 1`) {
		t.Errorf("exposition missing migration counter:\n%s", body)
	}
}
