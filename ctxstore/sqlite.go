// ABOUTME: Durable sqlite-backed context store implementing the same contract as the in-memory Store.
// ABOUTME: Entries and ACL rows live in WAL-mode sqlite; values are stored as JSON.
package ctxstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	_ "github.com/mattn/go-sqlite3"
)

// SqliteStore is a durable ContextStore. It applies the same ACL, TTL, and
// versioning rules as the in-memory Store but survives restarts.
type SqliteStore struct {
	db   *sql.DB
	opts Options
}

// OpenSqlite opens or creates a context database at the given path and
// ensures the schema exists.
func OpenSqlite(path string, opts Options) (*SqliteStore, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.MaxScanIterations <= 0 {
		opts.MaxScanIterations = 10000
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			scope TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL,
			metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS acl (
			key TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			PRIMARY KEY (key, agent_id)
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteStore{db: db, opts: opts}, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Set creates or replaces an entry. Same semantics as Store.Set.
func (s *SqliteStore) Set(key string, value any, ownerID string, opts SetOptions) (Entry, error) {
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
	existing, found, err := s.load(key)
	if err != nil {
		return Entry{}, err
	}
	if found && existing.expired(now) {
		if err := s.drop(key); err != nil {
			return Entry{}, err
		}
		found = false
	}
	if found && existing.OwnerID != ownerID {
		return Entry{}, fmt.Errorf("%w: %q is owned by %q", ErrAccessDenied, key, existing.OwnerID)
	}
	if !found {
		count := 0
		if err := s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
			return Entry{}, fmt.Errorf("count entries: %w", err)
		}
		if count >= s.opts.MaxEntries {
			return Entry{}, fmt.Errorf("%w: at %d entries", ErrStoreFull, s.opts.MaxEntries)
		}
	}

	entry := Entry{
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

	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return Entry{}, fmt.Errorf("encode value for %q: %w", key, err)
	}
	var metaJSON *string
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return Entry{}, fmt.Errorf("encode metadata for %q: %w", key, err)
		}
		str := string(raw)
		metaJSON = &str
	}

	_, err = s.db.Exec(
		`INSERT INTO entries (key, value, scope, owner_id, created_at, updated_at, version, ttl_ms, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			scope = excluded.scope,
			updated_at = excluded.updated_at,
			version = excluded.version,
			ttl_ms = excluded.ttl_ms,
			metadata = excluded.metadata`,
		entry.Key, string(valueJSON), string(entry.Scope), entry.OwnerID,
		entry.CreatedAt.Format(timeLayout), entry.UpdatedAt.Format(timeLayout),
		entry.Version, entry.TTL.Milliseconds(), metaJSON,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("upsert entry %q: %w", key, err)
	}
	return entry, nil
}

// Get returns the entry value, or found=false when absent or expired.
func (s *SqliteStore) Get(key string, acc Accessor) (any, bool, error) {
	entry, found, err := s.GetEntry(key, acc)
	if err != nil || !found {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// GetEntry is Get with the full entry record.
func (s *SqliteStore) GetEntry(key string, acc Accessor) (Entry, bool, error) {
	entry, found, err := s.load(key)
	if err != nil || !found {
		return Entry{}, false, err
	}
	if entry.expired(time.Now()) {
		if err := s.drop(key); err != nil {
			return Entry{}, false, err
		}
		return Entry{}, false, nil
	}
	admitted, err := s.admit(&entry, acc)
	if err != nil {
		return Entry{}, false, err
	}
	if !admitted {
		return Entry{}, false, fmt.Errorf("%w: %q may not read %q", ErrAccessDenied, acc.AgentID, key)
	}
	return entry, true, nil
}

// Delete removes an entry. Owner-only.
func (s *SqliteStore) Delete(key string, acc Accessor) (bool, error) {
	entry, found, err := s.load(key)
	if err != nil || !found {
		return false, err
	}
	if entry.OwnerID != acc.AgentID {
		return false, fmt.Errorf("%w: %q may not delete %q", ErrAccessDenied, acc.AgentID, key)
	}
	if err := s.drop(key); err != nil {
		return false, err
	}
	return true, nil
}

// Share transitions an entry to SHARED and admits the given agents.
func (s *SqliteStore) Share(key, ownerID string, agentIDs []string) error {
	entry, found, err := s.load(key)
	if err != nil {
		return err
	}
	if !found || entry.expired(time.Now()) {
		return fmt.Errorf("%w: no entry %q", ErrInvalidQuery, key)
	}
	if entry.OwnerID != ownerID {
		return fmt.Errorf("%w: %q may not share %q", ErrAccessDenied, ownerID, key)
	}

	if _, err := s.db.Exec("UPDATE entries SET scope = ? WHERE key = ?", string(ScopeShared), key); err != nil {
		return fmt.Errorf("update scope for %q: %w", key, err)
	}
	for _, id := range agentIDs {
		if _, err := s.db.Exec(
			"INSERT INTO acl (key, agent_id) VALUES (?, ?) ON CONFLICT(key, agent_id) DO NOTHING",
			key, id); err != nil {
			return fmt.Errorf("insert acl row for %q: %w", key, err)
		}
	}
	return nil
}

// Query scans for accessible, unexpired entries matching the filters.
func (s *SqliteStore) Query(q Query, acc Accessor) ([]Entry, error) {
	if q.Scope != "" && !validScopes[q.Scope] {
		return nil, fmt.Errorf("%w: scope %q", ErrInvalidScope, q.Scope)
	}
	if q.Pattern != "" && !doublestar.ValidatePattern(q.Pattern) {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidQuery, q.Pattern)
	}

	rows, err := s.db.Query("SELECT key FROM entries ORDER BY key LIMIT ?", s.opts.MaxScanIterations)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}

	now := time.Now()
	var results []Entry
	for _, key := range keys {
		entry, found, err := s.load(key)
		if err != nil {
			return nil, err
		}
		if !found || entry.expired(now) {
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
		admitted, err := s.admit(&entry, acc)
		if err != nil {
			return nil, err
		}
		if !admitted {
			continue
		}
		results = append(results, entry)
	}
	return results, nil
}

// Keys returns the unexpired keys, optionally filtered by scope.
func (s *SqliteStore) Keys(scope Scope) ([]string, error) {
	if scope != "" && !validScopes[scope] {
		return nil, fmt.Errorf("%w: scope %q", ErrInvalidScope, scope)
	}
	query := "SELECT key, updated_at, ttl_ms FROM entries"
	args := []any{}
	if scope != "" {
		query += " WHERE scope = ?"
		args = append(args, string(scope))
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := time.Now()
	var keys []string
	for rows.Next() {
		var key, updatedAt string
		var ttlMS int64
		if err := rows.Scan(&key, &updatedAt, &ttlMS); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		if ttlMS > 0 {
			updated, err := time.Parse(timeLayout, updatedAt)
			if err == nil && now.After(updated.Add(time.Duration(ttlMS)*time.Millisecond)) {
				continue
			}
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// EntryCount returns the number of stored rows.
func (s *SqliteStore) EntryCount() int {
	count := 0
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
		log.Printf("component=ctxstore action=count_failed error=%q", err.Error())
		return 0
	}
	return count
}

// Sweep removes every expired row. Callers schedule this themselves; the
// sqlite store runs no background goroutine.
func (s *SqliteStore) Sweep() error {
	keys, err := s.Keys("")
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(keys))
	for _, key := range keys {
		live[key] = true
	}

	rows, err := s.db.Query("SELECT key FROM entries")
	if err != nil {
		return fmt.Errorf("query keys: %w", err)
	}
	var stale []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan key: %w", err)
		}
		if !live[key] {
			stale = append(stale, key)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, key := range stale {
		if err := s.drop(key); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown closes the database.
func (s *SqliteStore) Shutdown() {
	if err := s.db.Close(); err != nil {
		log.Printf("component=ctxstore action=close_failed error=%q", err.Error())
	}
}

// load reads one entry row, decoding the JSON value and metadata.
func (s *SqliteStore) load(key string) (Entry, bool, error) {
	var (
		valueJSON, scope, ownerID, createdAt, updatedAt string
		version                                         int
		ttlMS                                           int64
		metaJSON                                        sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT value, scope, owner_id, created_at, updated_at, version, ttl_ms, metadata
		 FROM entries WHERE key = ?`, key).
		Scan(&valueJSON, &scope, &ownerID, &createdAt, &updatedAt, &version, &ttlMS, &metaJSON)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load entry %q: %w", key, err)
	}

	entry := Entry{
		Key:     key,
		Scope:   Scope(scope),
		OwnerID: ownerID,
		Version: version,
		TTL:     time.Duration(ttlMS) * time.Millisecond,
	}
	if err := json.Unmarshal([]byte(valueJSON), &entry.Value); err != nil {
		return Entry{}, false, fmt.Errorf("decode value for %q: %w", key, err)
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &entry.Metadata); err != nil {
			return Entry{}, false, fmt.Errorf("decode metadata for %q: %w", key, err)
		}
	}
	if entry.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Entry{}, false, fmt.Errorf("parse created_at for %q: %w", key, err)
	}
	if entry.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Entry{}, false, fmt.Errorf("parse updated_at for %q: %w", key, err)
	}
	return entry, true, nil
}

// drop deletes one entry row and its ACL rows.
func (s *SqliteStore) drop(key string) error {
	if _, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete entry %q: %w", key, err)
	}
	if _, err := s.db.Exec("DELETE FROM acl WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete acl rows for %q: %w", key, err)
	}
	return nil
}

// admit applies the ACL rules, consulting the acl table for SHARED entries.
func (s *SqliteStore) admit(entry *Entry, acc Accessor) (bool, error) {
	if entry.OwnerID == acc.AgentID {
		return true, nil
	}
	switch entry.Scope {
	case ScopeGlobal:
		return true, nil
	case ScopePrivate:
		return false, nil
	case ScopeShared:
		count := 0
		err := s.db.QueryRow("SELECT COUNT(*) FROM acl WHERE key = ? AND agent_id = ?",
			entry.Key, acc.AgentID).Scan(&count)
		if err != nil {
			return false, fmt.Errorf("check acl for %q: %w", entry.Key, err)
		}
		return count > 0, nil
	case ScopePipeline:
		if acc.PipelineID == "" || entry.Metadata == nil {
			return false, nil
		}
		id, _ := entry.Metadata["pipelineId"].(string)
		return id != "" && id == acc.PipelineID, nil
	}
	return false, nil
}
