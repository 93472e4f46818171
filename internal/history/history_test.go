package history

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open history store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)

	inv := &Invocation{
		RequestID:     "req-1",
		ProjectRoot:   "/tmp/proj",
		Model:         "sonnet",
		OperationKind: "normal",
		SessionID:     "sess-1",
		Resumed:       true,
		DurationMS:    1234,
		TokensIn:      100,
		TokensOut:     50,
	}
	if err := s.Record(inv); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := s.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(got))
	}

	r := got[0]
	if r.RequestID != "req-1" || r.Model != "sonnet" || r.SessionID != "sess-1" {
		t.Errorf("unexpected row: %+v", r)
	}
	if !r.Resumed {
		t.Error("expected resumed flag preserved")
	}
	if r.TokensIn != 100 || r.TokensOut != 50 {
		t.Errorf("unexpected token counts: in=%d out=%d", r.TokensIn, r.TokensOut)
	}
	if r.CreatedAt.IsZero() {
		t.Error("expected created_at populated by the database")
	}
}

func TestRecentFiltersByProject(t *testing.T) {
	s := newTestStore(t)

	for _, inv := range []*Invocation{
		{RequestID: "a", ProjectRoot: "/p1", Model: "m", OperationKind: "normal"},
		{RequestID: "b", ProjectRoot: "/p2", Model: "m", OperationKind: "normal"},
		{RequestID: "c", ProjectRoot: "/p1", Model: "m", OperationKind: "research"},
	} {
		if err := s.Record(inv); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := s.Recent("/p1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows for /p1, got %d", len(got))
	}
	for _, r := range got {
		if r.ProjectRoot != "/p1" {
			t.Errorf("filter leaked row from %q", r.ProjectRoot)
		}
	}
}

func TestRecentLimit(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Record(&Invocation{RequestID: id, ProjectRoot: "/p", Model: "m", OperationKind: "normal"}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := s.Recent("", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected limit of 2, got %d", len(got))
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	s := newTestStore(t)

	inv := &Invocation{RequestID: "dup", ProjectRoot: "/p", Model: "m", OperationKind: "normal"}
	if err := s.Record(inv); err != nil {
		t.Fatalf("first Record failed: %v", err)
	}
	if err := s.Record(inv); err == nil {
		t.Error("expected primary key violation on duplicate request id")
	}
}

func TestLogEvent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Record(&Invocation{RequestID: "req-1", ProjectRoot: "/p", Model: "m", OperationKind: "normal"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.LogEvent("req-1", "parse_fallback", `{"strategy":"resegment"}`); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM invocation_events WHERE request_id = ?`, "req-1").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 event row, got %d", count)
	}
}
