package jobs

import (
	"strings"
	"testing"
)

func TestRequestKeyIgnoresID(t *testing.T) {
	a := NewRequest(KindResync, "orders", "abc")
	b := NewRequest(KindResync, "orders", "abc")
	if a.ID == b.ID {
		t.Error("request ids should be unique")
	}
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %s vs %s", a.Key(), b.Key())
	}
	if a.Key() == NewRequest(KindSync, "orders", "abc").Key() {
		t.Error("kind should be part of the key")
	}
}

func TestRequestJobName(t *testing.T) {
	if got := NewRequest(KindResync, "orders", "0123456789abcdef").JobName(); got != "resync:orders@01234567" {
		t.Errorf("JobName = %s", got)
	}
	if got := NewRequest(KindSync, "orders", "").JobName(); got != "sync:orders" {
		t.Errorf("JobName = %s", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	req := NewRequest(KindSync, "widgets", "")
	b, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != req.ID || got.Kind != KindSync || got.App != "widgets" || !got.EnqueuedAt.Equal(req.EnqueuedAt) {
		t.Errorf("got %+v, want %+v", got, req)
	}

	bad, err := Encode(Request{Kind: "drop-everything", App: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(bad); err == nil || !strings.Contains(err.Error(), "unknown job kind") {
		t.Errorf("Decode accepted unknown kind: %v", err)
	}
}
