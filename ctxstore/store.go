// ABOUTME: Scoped shared key-value context: GLOBAL/PIPELINE/PRIVATE/SHARED entries with owner ACLs, TTL, and versioning.
// ABOUTME: Expired entries are removed lazily on read and by a periodic sweep.
package ctxstore

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Scope is the visibility class of a context entry.
type Scope string

const (
	ScopeGlobal   Scope = "GLOBAL"
	ScopePipeline Scope = "PIPELINE"
	ScopePrivate  Scope = "PRIVATE"
	ScopeShared   Scope = "SHARED"
)

// validScopes enumerates the accepted entry scopes.
var validScopes = map[Scope]bool{
	ScopeGlobal:   true,
	ScopePipeline: true,
	ScopePrivate:  true,
	ScopeShared:   true,
}

// Entry is a single context record. Version starts at 1 and increments on
// every replacing Set while versioning is enabled.
type Entry struct {
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Scope     Scope          `json:"scope"`
	OwnerID   string         `json:"ownerId"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Version   int            `json:"version"`
	TTL       time.Duration  `json:"ttl,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.UpdatedAt.Add(e.TTL))
}

// Accessor identifies who is asking. PipelineID gates PIPELINE-scoped
// entries and is matched against the entry's "pipelineId" metadata.
type Accessor struct {
	AgentID    string
	PipelineID string
}

// SetOptions carries the optional fields of a Set call.
type SetOptions struct {
	Scope    Scope // default PRIVATE
	TTL      time.Duration
	Metadata map[string]any
}

// Query filters a store scan. Zero-value fields are ignored. Pattern uses
// doublestar glob syntax against entry keys.
type Query struct {
	Scope   Scope
	OwnerID string
	Prefix  string
	Pattern string
}

// EventType identifies context store events.
type EventType string

const (
	EventSet     EventType = "context:set"
	EventGet     EventType = "context:get"
	EventDelete  EventType = "context:delete"
	EventShared  EventType = "context:shared"
	EventExpired EventType = "context:expired"
)

// Event is a context store lifecycle event.
type Event struct {
	Type      EventType
	Key       string
	AgentID   string
	Timestamp time.Time
}

// Store error taxonomy.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrStoreFull    = errors.New("context store full")
	ErrInvalidScope = errors.New("invalid scope")
	ErrInvalidQuery = errors.New("invalid query")
)

// ContextStore is the contract shared by the in-memory store and the
// durable sqlite adapter.
type ContextStore interface {
	Set(key string, value any, ownerID string, opts SetOptions) (Entry, error)
	Get(key string, acc Accessor) (any, bool, error)
	GetEntry(key string, acc Accessor) (Entry, bool, error)
	Delete(key string, acc Accessor) (bool, error)
	Share(key, ownerID string, agentIDs []string) error
	Query(q Query, acc Accessor) ([]Entry, error)
	Keys(scope Scope) ([]string, error)
	EntryCount() int
	Shutdown()
}

// Options configures a Store.
type Options struct {
	MaxEntries        int           // capacity bound (default 10000)
	MaxScanIterations int           // query scan cap (default 10000)
	SweepInterval     time.Duration // expired-entry sweep period (default 60s)
	DisableVersioning bool          // freeze Version at 1
	EventHandler      func(Event)   // optional; must not call back into the store
}

// Store is the in-memory context store. Safe for concurrent use.
type Store struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*Entry
	acl     map[string]map[string]bool // key -> agent ids admitted to SHARED entries
	closed  bool
	done    chan struct{}
}

// New creates a started Store. Call Shutdown when finished.
func New(opts Options) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.MaxScanIterations <= 0 {
		opts.MaxScanIterations = 10000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	s := &Store{
		opts:    opts,
		entries: make(map[string]*Entry),
		acl:     make(map[string]map[string]bool),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Set creates or replaces an entry. Replacing an existing key is owner-only
// and always allowed on a full store; creating a new entry on a full store
// fails with ErrStoreFull.
func (s *Store) Set(key string, value any, ownerID string, opts SetOptions) (Entry, error) {
	if key == "" {
		return Entry{}, fmt.Errorf("%w: empty key", ErrInvalidQuery)
	}
	if ownerID == "" {
		return Entry{}, fmt.Errorf("%w: set requires an owner", ErrAccessDenied)
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopePrivate
	}
	if !validScopes[scope] {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	now := time.Now()
	s.mu.Lock()

	existing, found := s.entries[key]
	if found && existing.expired(now) {
		s.expireLocked(key)
		existing, found = nil, false
	}

	if found && existing.OwnerID != ownerID {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %q is owned by %q", ErrAccessDenied, key, existing.OwnerID)
	}
	if !found && len(s.entries) >= s.opts.MaxEntries {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: at %d entries", ErrStoreFull, s.opts.MaxEntries)
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		Scope:     scope,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		TTL:       opts.TTL,
		Metadata:  copyMetadata(opts.Metadata),
	}
	if found {
		entry.CreatedAt = existing.CreatedAt
		entry.Version = existing.Version
		if !s.opts.DisableVersioning {
			entry.Version++
		}
	}
	s.entries[key] = entry
	out := *entry
	s.mu.Unlock()

	s.emit(Event{Type: EventSet, Key: key, AgentID: ownerID})
	return out, nil
}

// Get returns the entry value, or found=false when the key is absent or
// expired. An ACL rejection returns ErrAccessDenied.
func (s *Store) Get(key string, acc Accessor) (any, bool, error) {
	entry, found, err := s.GetEntry(key, acc)
	if err != nil || !found {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// GetEntry is Get with the full entry record.
func (s *Store) GetEntry(key string, acc Accessor) (Entry, bool, error) {
	now := time.Now()
	s.mu.Lock()
	entry, found := s.entries[key]
	if !found {
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	if entry.expired(now) {
		s.expireLocked(key)
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	if !s.admitLocked(entry, acc) {
		s.mu.Unlock()
		return Entry{}, false, fmt.Errorf("%w: %q may not read %q", ErrAccessDenied, acc.AgentID, key)
	}
	out := *entry
	s.mu.Unlock()

	s.emit(Event{Type: EventGet, Key: key, AgentID: acc.AgentID})
	return out, true, nil
}

// Delete removes an entry. Only the owner may delete; reports whether the
// key existed.
func (s *Store) Delete(key string, acc Accessor) (bool, error) {
	s.mu.Lock()
	entry, found := s.entries[key]
	if !found {
		s.mu.Unlock()
		return false, nil
	}
	if entry.OwnerID != acc.AgentID {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %q may not delete %q", ErrAccessDenied, acc.AgentID, key)
	}
	delete(s.entries, key)
	delete(s.acl, key)
	s.mu.Unlock()

	s.emit(Event{Type: EventDelete, Key: key, AgentID: acc.AgentID})
	return true, nil
}

// Share transitions an entry to SHARED scope and admits the given agents.
// Owner-only; repeated shares extend the ACL set.
func (s *Store) Share(key, ownerID string, agentIDs []string) error {
	s.mu.Lock()
	entry, found := s.entries[key]
	if !found || entry.expired(time.Now()) {
		s.mu.Unlock()
		return fmt.Errorf("%w: no entry %q", ErrInvalidQuery, key)
	}
	if entry.OwnerID != ownerID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q may not share %q", ErrAccessDenied, ownerID, key)
	}
	entry.Scope = ScopeShared
	set := s.acl[key]
	if set == nil {
		set = make(map[string]bool)
		s.acl[key] = set
	}
	for _, id := range agentIDs {
		set[id] = true
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventShared, Key: key, AgentID: ownerID})
	return nil
}

// Query scans for accessible, unexpired entries matching the filters. The
// scan visits at most MaxScanIterations entries.
func (s *Store) Query(q Query, acc Accessor) ([]Entry, error) {
	if q.Scope != "" && !validScopes[q.Scope] {
		return nil, fmt.Errorf("%w: scope %q", ErrInvalidScope, q.Scope)
	}
	if q.Pattern != "" {
		if !doublestar.ValidatePattern(q.Pattern) {
			return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidQuery, q.Pattern)
		}
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []Entry
	scanned := 0
	for key, entry := range s.entries {
		scanned++
		if scanned > s.opts.MaxScanIterations {
			log.Printf("component=ctxstore action=scan_capped limit=%d", s.opts.MaxScanIterations)
			break
		}
		if entry.expired(now) {
			continue
		}
		if q.Scope != "" && entry.Scope != q.Scope {
			continue
		}
		if q.OwnerID != "" && entry.OwnerID != q.OwnerID {
			continue
		}
		if q.Prefix != "" && !strings.HasPrefix(key, q.Prefix) {
			continue
		}
		if q.Pattern != "" {
			if ok, _ := doublestar.Match(q.Pattern, key); !ok {
				continue
			}
		}
		if !s.admitLocked(entry, acc) {
			continue
		}
		results = append(results, *entry)
	}
	return results, nil
}

// Keys returns the unexpired keys, optionally filtered by scope.
func (s *Store) Keys(scope Scope) ([]string, error) {
	if scope != "" && !validScopes[scope] {
		return nil, fmt.Errorf("%w: scope %q", ErrInvalidScope, scope)
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			continue
		}
		if scope != "" && entry.Scope != scope {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// EntryCount returns the number of stored entries, expired ones included
// until a read or sweep removes them.
func (s *Store) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Shutdown stops the sweeper and clears the store.
func (s *Store) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	n := len(s.entries)
	s.entries = make(map[string]*Entry)
	s.acl = make(map[string]map[string]bool)
	s.mu.Unlock()
	log.Printf("component=ctxstore action=shutdown entries_dropped=%d", n)
}

// admitLocked applies the ACL rules for an accessor against an entry.
// Callers hold s.mu.
func (s *Store) admitLocked(entry *Entry, acc Accessor) bool {
	if entry.OwnerID == acc.AgentID {
		return true
	}
	switch entry.Scope {
	case ScopeGlobal:
		return true
	case ScopePrivate:
		return false
	case ScopeShared:
		return s.acl[entry.Key][acc.AgentID]
	case ScopePipeline:
		if acc.PipelineID == "" || entry.Metadata == nil {
			return false
		}
		id, _ := entry.Metadata["pipelineId"].(string)
		return id != "" && id == acc.PipelineID
	}
	return false
}

// expireLocked drops one expired entry. Callers hold s.mu.
func (s *Store) expireLocked(key string) {
	delete(s.entries, key)
	delete(s.acl, key)
	s.emit(Event{Type: EventExpired, Key: key})
}

// sweepLoop periodically removes expired entries.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes every expired entry.
func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if entry.expired(now) {
			s.expireLocked(key)
		}
	}
}

// emit delivers a store event to the configured callback.
func (s *Store) emit(evt Event) {
	if s.opts.EventHandler == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	s.opts.EventHandler(evt)
}

// copyMetadata shallow-copies a metadata map so later caller mutation
// cannot reach the stored entry.
func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
