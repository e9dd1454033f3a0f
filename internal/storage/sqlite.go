package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store is a SQLite-backed object store for one storage tier.
//
// Objects are stored as JSON bodies keyed by (collection, primary key).
// The database is opened in WAL mode so readers are never blocked by
// the single writer.
type Store struct {
	conn     *sql.DB
	path     string
	registry *Registry

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// Open creates a store at the given path.
//
// The parent directory is created if needed. The caller MUST call
// Close() when done.
//
// Example:
//
//	store, err := storage.Open(".pagevault/store.db", registry)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, registry *Registry) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:     conn,
		path:     path,
		registry: registry,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// Other components (settings, the action queue) persist their own
// tables in the same database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Registry returns the collection registry the store was opened with.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the objects table if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		collection TEXT NOT NULL,
		pk TEXT NOT NULL,
		body TEXT NOT NULL,  -- JSON
		PRIMARY KEY (collection, pk)
	);

	CREATE INDEX IF NOT EXISTS idx_objects_collection ON objects(collection);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// OnPostChange registers a listener for local mutations.
// Listeners run synchronously after the mutating statement commits.
func (s *Store) OnPostChange(listener ChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Store) notify(ctx context.Context, event ChangeEvent) {
	s.listenersMu.RLock()
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(ctx, event)
	}
}

// encodePK canonicalizes a primary key value into the pk column form.
// JSON encoding normalizes int64 and float64 representations of the
// same key so local and remote writes address the same row.
func encodePK(pk any) (string, error) {
	data, err := json.Marshal(pk)
	if err != nil {
		return "", fmt.Errorf("failed to encode primary key: %w", err)
	}
	return string(data), nil
}

// CreateObject inserts a new object and notifies change listeners.
func (s *Store) CreateObject(ctx context.Context, collection string, object map[string]any) error {
	coll, ok := s.registry.Collection(collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}

	pk, err := coll.PKOf(object)
	if err != nil {
		return err
	}
	if err := s.putObject(ctx, collection, pk, object); err != nil {
		return err
	}

	s.notify(ctx, ChangeEvent{Changes: []Change{
		{Type: ChangeCreate, Collection: collection, PKs: []any{pk}},
	}})
	return nil
}

// UpdateObject merges field updates into an existing object and
// notifies change listeners. Returns ErrNotFound if the row is missing.
func (s *Store) UpdateObject(ctx context.Context, collection string, pk any, updates map[string]any) error {
	object, err := s.GetByPK(ctx, collection, pk)
	if err != nil {
		return err
	}
	for field, value := range updates {
		object[field] = value
	}
	if err := s.putObject(ctx, collection, pk, object); err != nil {
		return err
	}

	s.notify(ctx, ChangeEvent{Changes: []Change{
		{Type: ChangeModify, Collection: collection, PKs: []any{pk}},
	}})
	return nil
}

// DeleteObject removes an object by primary key and notifies change
// listeners. Deleting a missing row is not an error, but still notifies
// so a delete racing a create settles as deleted everywhere.
func (s *Store) DeleteObject(ctx context.Context, collection string, pk any) error {
	key, err := encodePK(pk)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx,
		`DELETE FROM objects WHERE collection = ? AND pk = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	s.notify(ctx, ChangeEvent{Changes: []Change{
		{Type: ChangeDelete, Collection: collection, PKs: []any{pk}},
	}})
	return nil
}

// putObject upserts a row without notifying.
func (s *Store) putObject(ctx context.Context, collection string, pk any, object map[string]any) error {
	key, err := encodePK(pk)
	if err != nil {
		return err
	}
	body, err := json.Marshal(object)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}

	query := `
	INSERT INTO objects (collection, pk, body) VALUES (?, ?, ?)
	ON CONFLICT(collection, pk) DO UPDATE SET body = excluded.body
	`
	if _, err := s.conn.ExecContext(ctx, query, collection, key, string(body)); err != nil {
		return fmt.Errorf("failed to upsert object: %w", err)
	}
	return nil
}

// GetByPK implements Reader.
func (s *Store) GetByPK(ctx context.Context, collection string, pk any) (map[string]any, error) {
	key, err := encodePK(pk)
	if err != nil {
		return nil, err
	}

	var body string
	err = s.conn.QueryRowContext(ctx,
		`SELECT body FROM objects WHERE collection = ? AND pk = ?`, collection, key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load object: %w", err)
	}

	return decodeBody(body)
}

// FindObject implements Reader.
func (s *Store) FindObject(ctx context.Context, collection string, where map[string]any) (map[string]any, error) {
	conditions, args, err := whereConditions(collection, where)
	if err != nil {
		return nil, err
	}

	query := `SELECT body FROM objects WHERE ` + strings.Join(conditions, " AND ") + ` LIMIT 1`

	var body string
	err = s.conn.QueryRowContext(ctx, query, args...).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find object: %w", err)
	}

	return decodeBody(body)
}

// FindObjects returns all objects matching the where clause. A nil
// where clause matches the whole collection.
func (s *Store) FindObjects(ctx context.Context, collection string, where map[string]any) ([]map[string]any, error) {
	conditions, args, err := whereConditions(collection, where)
	if err != nil {
		return nil, err
	}

	query := `SELECT body FROM objects WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY pk`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var objects []map[string]any
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		object, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		objects = append(objects, object)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}

	return objects, nil
}

// WriteIncoming implements Writer.
//
// The write targets the row identified by where (or by the object's
// own primary key) and replaces it completely. No change notification
// is raised: incoming data must not be pushed back out.
func (s *Store) WriteIncoming(ctx context.Context, collection string, object map[string]any, where map[string]any) error {
	coll, ok := s.registry.Collection(collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}

	if where != nil {
		// An existing row matched by where may have a different key
		// than the incoming object; replace it in place.
		existing, err := s.FindObject(ctx, collection, where)
		if err != nil && err != ErrNotFound {
			return err
		}
		if existing != nil {
			oldPK, err := coll.PKOf(existing)
			if err != nil {
				return err
			}
			newPK, err := coll.PKOf(object)
			if err == nil {
				oldKey, errOld := encodePK(oldPK)
				newKey, errNew := encodePK(newPK)
				if errOld == nil && errNew == nil && oldKey != newKey {
					if err := s.DeleteObjects(ctx, collection, where); err != nil {
						return err
					}
				}
			}
		}
	}

	pk, err := coll.PKOf(object)
	if err != nil {
		return err
	}
	return s.putObject(ctx, collection, pk, object)
}

// DeleteObjects implements Writer.
func (s *Store) DeleteObjects(ctx context.Context, collection string, where map[string]any) error {
	conditions, args, err := whereConditions(collection, where)
	if err != nil {
		return err
	}

	query := `DELETE FROM objects WHERE ` + strings.Join(conditions, " AND ")
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete objects: %w", err)
	}
	return nil
}

// CountObjects returns the number of rows in a collection.
func (s *Store) CountObjects(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count objects: %w", err)
	}
	return count, nil
}

// whereConditions builds SQL conditions matching a where clause against
// the JSON object bodies.
func whereConditions(collection string, where map[string]any) ([]string, []any, error) {
	conditions := []string{"collection = ?"}
	args := []any{collection}

	// Deterministic order keeps queries stable across runs.
	fields := make([]string, 0, len(where))
	for field := range where {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if strings.ContainsAny(field, "'\"$[]") {
			return nil, nil, fmt.Errorf("invalid field name %q in where clause", field)
		}
		conditions = append(conditions, fmt.Sprintf("json_extract(body, '$.%s') = ?", field))
		args = append(args, where[field])
	}

	return conditions, args, nil
}

func decodeBody(body string) (map[string]any, error) {
	var object map[string]any
	if err := json.Unmarshal([]byte(body), &object); err != nil {
		return nil, fmt.Errorf("failed to decode object body: %w", err)
	}
	return object, nil
}
