// ABOUTME: Context store tests: the ACL matrix per scope, sharing, TTL expiry, versioning, and capacity.
// ABOUTME: The ACL cases run as a property table over scope, owner, requester, and ACL membership.
package ctxstore

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var _ ContextStore = (*Store)(nil)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s := New(opts)
	t.Cleanup(s.Shutdown)
	return s
}

func TestAccessRules(t *testing.T) {
	cases := []struct {
		scope     Scope
		requester Accessor
		shared    []string // ACL set for SHARED entries
		meta      map[string]any
		admit     bool
	}{
		{ScopePrivate, Accessor{AgentID: "owner"}, nil, nil, true},
		{ScopePrivate, Accessor{AgentID: "other"}, nil, nil, false},
		{ScopeGlobal, Accessor{AgentID: "other"}, nil, nil, true},
		{ScopeShared, Accessor{AgentID: "other"}, []string{"other"}, nil, true},
		{ScopeShared, Accessor{AgentID: "stranger"}, []string{"other"}, nil, false},
		{ScopePipeline, Accessor{AgentID: "other", PipelineID: "p1"}, nil, map[string]any{"pipelineId": "p1"}, true},
		{ScopePipeline, Accessor{AgentID: "other", PipelineID: "p2"}, nil, map[string]any{"pipelineId": "p1"}, false},
		{ScopePipeline, Accessor{AgentID: "other"}, nil, map[string]any{"pipelineId": "p1"}, false},
		{ScopePipeline, Accessor{AgentID: "owner", PipelineID: "p2"}, nil, map[string]any{"pipelineId": "p1"}, true}, // owner always reads
	}

	for i, tc := range cases {
		name := fmt.Sprintf("%d_%s_%s", i, tc.scope, tc.requester.AgentID)
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, Options{})
			if _, err := s.Set("k", "v", "owner", SetOptions{Scope: tc.scope, Metadata: tc.meta}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if tc.scope == ScopeShared && len(tc.shared) > 0 {
				if err := s.Share("k", "owner", tc.shared); err != nil {
					t.Fatalf("Share: %v", err)
				}
			}

			val, found, err := s.Get("k", tc.requester)
			if tc.admit {
				if err != nil || !found {
					t.Fatalf("expected access, got found=%v err=%v", found, err)
				}
				if val != "v" {
					t.Errorf("got %v, want v", val)
				}
			} else if !errors.Is(err, ErrAccessDenied) {
				t.Fatalf("expected ErrAccessDenied, got found=%v err=%v", found, err)
			}
		})
	}
}

func TestShare_GrantsAndWithholds(t *testing.T) {
	s := newTestStore(t, Options{})
	agent1 := Accessor{AgentID: "agent1"}
	agent2 := Accessor{AgentID: "agent2"}
	agent3 := Accessor{AgentID: "agent3"}

	if _, err := s.Set("k", 42, "agent1", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := s.Get("k", agent2); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("before share: expected ErrAccessDenied, got %v", err)
	}

	if err := s.Share("k", "agent1", []string{"agent2"}); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, found, err := s.Get("k", agent2); err != nil || !found {
		t.Fatalf("after share: agent2 should read, got found=%v err=%v", found, err)
	}
	if _, _, err := s.Get("k", agent3); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("agent3 should still be denied, got %v", err)
	}
	if _, found, _ := s.Get("k", agent1); !found {
		t.Fatal("owner must keep access after share")
	}

	entry, _, err := s.GetEntry("k", agent1)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.Scope != ScopeShared {
		t.Errorf("share should move scope to SHARED, got %s", entry.Scope)
	}
}

func TestShare_OwnerOnly(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.Set("k", "v", "agent1", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Share("k", "agent2", []string{"agent2"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestDelete_OwnerOnly(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.Set("k", "v", "agent1", SetOptions{Scope: ScopeGlobal}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := s.Delete("k", Accessor{AgentID: "agent2"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-owner delete: expected ErrAccessDenied, got %v", err)
	}
	ok, err := s.Delete("k", Accessor{AgentID: "agent1"})
	if err != nil || !ok {
		t.Fatalf("owner delete: got ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete("k", Accessor{AgentID: "agent1"})
	if err != nil || ok {
		t.Fatalf("second delete: got ok=%v err=%v, want false", ok, err)
	}
}

func TestSet_VersionIncrements(t *testing.T) {
	s := newTestStore(t, Options{})
	first, err := s.Set("k", "v1", "owner", SetOptions{})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("initial version %d, want 1", first.Version)
	}

	second, err := s.Set("k", "v2", "owner", SetOptions{})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("replaced version %d, want 2", second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("replace must preserve CreatedAt")
	}
}

func TestSet_VersioningDisabled(t *testing.T) {
	s := newTestStore(t, Options{DisableVersioning: true})
	if _, err := s.Set("k", "v1", "owner", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entry, err := s.Set("k", "v2", "owner", SetOptions{})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if entry.Version != 1 {
		t.Errorf("version %d, want 1 with versioning disabled", entry.Version)
	}
}

func TestSet_NonOwnerReplaceDenied(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.Set("k", "v", "agent1", SetOptions{Scope: ScopeGlobal}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set("k", "hijacked", "agent2", SetOptions{}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestGet_ExpiredEntryVanishes(t *testing.T) {
	s := newTestStore(t, Options{SweepInterval: time.Hour})
	if _, err := s.Set("k", "v", "owner", SetOptions{TTL: 10 * time.Millisecond}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	_, found, err := s.Get("k", Accessor{AgentID: "owner"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expired entry should be gone")
	}
	if s.EntryCount() != 0 {
		t.Error("lazy expiry should remove the entry")
	}
}

func TestSweep_RemovesExpired(t *testing.T) {
	s := newTestStore(t, Options{SweepInterval: 10 * time.Millisecond})
	if _, err := s.Set("short", "v", "owner", SetOptions{TTL: 5 * time.Millisecond}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set("long", "v", "owner", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.EntryCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.EntryCount() != 1 {
		t.Fatalf("sweep left %d entries, want 1", s.EntryCount())
	}
}

func TestSet_CapacityBound(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 2})
	for i := 0; i < 2; i++ {
		if _, err := s.Set(fmt.Sprintf("k%d", i), i, "owner", SetOptions{}); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}

	if _, err := s.Set("k2", "overflow", "owner", SetOptions{}); !errors.Is(err, ErrStoreFull) {
		t.Fatalf("expected ErrStoreFull, got %v", err)
	}
	// Replacing an existing key is allowed on a full store.
	if _, err := s.Set("k0", "replaced", "owner", SetOptions{}); err != nil {
		t.Fatalf("replace on full store: %v", err)
	}
}

func TestQuery_Filters(t *testing.T) {
	s := newTestStore(t, Options{})
	seed := []struct {
		key   string
		owner string
		scope Scope
	}{
		{"build/plan", "agent1", ScopeGlobal},
		{"build/output", "agent1", ScopeGlobal},
		{"review/notes", "agent2", ScopeGlobal},
		{"secret", "agent2", ScopePrivate},
	}
	for _, e := range seed {
		if _, err := s.Set(e.key, "v", e.owner, SetOptions{Scope: e.scope}); err != nil {
			t.Fatalf("Set %s: %v", e.key, err)
		}
	}
	requester := Accessor{AgentID: "agent3"}

	got, err := s.Query(Query{Prefix: "build/"}, requester)
	if err != nil {
		t.Fatalf("prefix query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("prefix build/: got %d entries, want 2", len(got))
	}

	got, err = s.Query(Query{Pattern: "*/notes"}, requester)
	if err != nil {
		t.Fatalf("pattern query: %v", err)
	}
	if len(got) != 1 || got[0].Key != "review/notes" {
		t.Errorf("pattern */notes: got %v", got)
	}

	got, err = s.Query(Query{OwnerID: "agent2"}, requester)
	if err != nil {
		t.Fatalf("owner query: %v", err)
	}
	// The PRIVATE entry is filtered by ACL even though the owner matches.
	if len(got) != 1 || got[0].Key != "review/notes" {
		t.Errorf("owner agent2: got %v", got)
	}

	if _, err := s.Query(Query{Pattern: "[broken"}, requester); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("bad pattern: expected ErrInvalidQuery, got %v", err)
	}
}

func TestQuery_ScanCap(t *testing.T) {
	s := newTestStore(t, Options{MaxScanIterations: 5})
	for i := 0; i < 20; i++ {
		if _, err := s.Set(fmt.Sprintf("k%02d", i), i, "owner", SetOptions{Scope: ScopeGlobal}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	got, err := s.Query(Query{}, Accessor{AgentID: "reader"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) > 5 {
		t.Errorf("scan cap ignored: %d results", len(got))
	}
}

func TestKeys_ScopeFilter(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.Set("g", "v", "owner", SetOptions{Scope: ScopeGlobal}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set("p", "v", "owner", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	all, err := s.Keys("")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all keys: got %d, want 2", len(all))
	}
	global, err := s.Keys(ScopeGlobal)
	if err != nil {
		t.Fatalf("Keys(GLOBAL): %v", err)
	}
	if len(global) != 1 || global[0] != "g" {
		t.Errorf("global keys: got %v", global)
	}
}

func TestEvents_Emitted(t *testing.T) {
	var events []EventType
	s := newTestStore(t, Options{EventHandler: func(evt Event) {
		events = append(events, evt.Type)
	}})

	owner := Accessor{AgentID: "owner"}
	if _, err := s.Set("k", "v", "owner", SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := s.Get("k", owner); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Share("k", "owner", []string{"peer"}); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, err := s.Delete("k", owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []EventType{EventSet, EventGet, EventShared, EventDelete}
	if len(events) != len(want) {
		t.Fatalf("events %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events %v, want %v", events, want)
		}
	}
}
