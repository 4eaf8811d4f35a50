// ABOUTME: Tests for the sqlite context store: contract parity with the in-memory store plus durability across reopen.
package ctxstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

var _ ContextStore = (*SqliteStore)(nil)

func newSqliteStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := OpenSqlite(filepath.Join(t.TempDir(), "context.db"), Options{})
	if err != nil {
		t.Fatalf("OpenSqlite: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestSqlite_SetGetRoundTrip(t *testing.T) {
	s := newSqliteStore(t)

	value := map[string]any{"count": float64(3), "tags": []any{"a", "b"}}
	entry, err := s.Set("k", value, "owner", SetOptions{Scope: ScopeGlobal, Metadata: map[string]any{"pipelineId": "p1"}})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if entry.Version != 1 {
		t.Errorf("version %d, want 1", entry.Version)
	}

	got, found, err := s.GetEntry("k", Accessor{AgentID: "reader"})
	if err != nil || !found {
		t.Fatalf("GetEntry: found=%v err=%v", found, err)
	}
	m, ok := got.Value.(map[string]any)
	if !ok || m["count"] != float64(3) {
		t.Errorf("value round-trip broke: %#v", got.Value)
	}
	if got.Metadata["pipelineId"] != "p1" {
		t.Errorf("metadata round-trip broke: %#v", got.Metadata)
	}
}

func TestSqlite_AccessRules(t *testing.T) {
	s := newSqliteStore(t)

	if _, err := s.Set("private", "v", "agent1", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := s.Get("private", Accessor{AgentID: "agent2"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("private read by stranger: got %v", err)
	}

	if err := s.Share("private", "agent1", []string{"agent2"}); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, found, err := s.Get("private", Accessor{AgentID: "agent2"}); err != nil || !found {
		t.Fatalf("shared read: found=%v err=%v", found, err)
	}
	if _, _, err := s.Get("private", Accessor{AgentID: "agent3"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-ACL read after share: got %v", err)
	}

	if _, err := s.Delete("private", Accessor{AgentID: "agent2"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-owner delete: got %v", err)
	}
}

func TestSqlite_VersionIncrementsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.db")
	s, err := OpenSqlite(path, Options{})
	if err != nil {
		t.Fatalf("OpenSqlite: %v", err)
	}
	if _, err := s.Set("k", "v1", "owner", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Shutdown()

	s2, err := OpenSqlite(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Shutdown()

	entry, err := s2.Set("k", "v2", "owner", SetOptions{})
	if err != nil {
		t.Fatalf("Set after reopen: %v", err)
	}
	if entry.Version != 2 {
		t.Errorf("version %d after reopen, want 2", entry.Version)
	}
}

func TestSqlite_TTLAndSweep(t *testing.T) {
	s := newSqliteStore(t)
	if _, err := s.Set("short", "v", "owner", SetOptions{TTL: 10 * time.Millisecond}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set("long", "v", "owner", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, found, err := s.Get("short", Accessor{AgentID: "owner"}); err != nil || found {
		t.Fatalf("expired read: found=%v err=%v", found, err)
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n := s.EntryCount(); n != 1 {
		t.Errorf("after sweep: %d entries, want 1", n)
	}
}

func TestSqlite_QueryPattern(t *testing.T) {
	s := newSqliteStore(t)
	for _, key := range []string{"build/plan", "build/output", "review/notes"} {
		if _, err := s.Set(key, "v", "owner", SetOptions{Scope: ScopeGlobal}); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	got, err := s.Query(Query{Pattern: "build/**"}, Accessor{AgentID: "reader"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("pattern build/**: got %d entries, want 2", len(got))
	}
}
