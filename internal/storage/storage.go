// Package storage provides the local object store for synchronized
// collections.
//
// The store keeps schemaless objects addressed by collection name and
// primary key, persisted in an embedded SQLite database. Two
// independently addressable tiers exist: the normal store for regular
// rows and a persistent store for large document content. Both tiers
// share the same API.
//
// Mutations made through the store's own API (Create/Modify/Delete)
// raise post-change notifications to registered listeners. Writes that
// integrate remote data (WriteIncoming/DeleteObjects) do not notify,
// so remotely applied changes are never echoed back out.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no object matches a lookup.
var ErrNotFound = errors.New("object not found")

// ChangeType identifies the kind of local mutation in a change event.
type ChangeType string

const (
	// ChangeCreate is a newly created row.
	ChangeCreate ChangeType = "create"

	// ChangeModify is an update to one or more existing rows.
	ChangeModify ChangeType = "modify"

	// ChangeDelete is a removal of one or more rows.
	ChangeDelete ChangeType = "delete"
)

// Change describes one local mutation, carrying only primary keys.
// Consumers fetch current row state themselves if they need it.
type Change struct {
	Type       ChangeType
	Collection string
	PKs        []any
}

// ChangeEvent groups the changes of a single storage operation.
type ChangeEvent struct {
	Changes []Change
}

// ChangeListener receives post-change notifications for local mutations.
type ChangeListener func(ctx context.Context, event ChangeEvent)

// Reader is the lookup surface consumed by the sync engine.
type Reader interface {
	// GetByPK returns the object with the given primary key, or
	// ErrNotFound if no such row exists.
	GetByPK(ctx context.Context, collection string, pk any) (map[string]any, error)

	// FindObject returns the first object matching the where clause,
	// or ErrNotFound.
	FindObject(ctx context.Context, collection string, where map[string]any) (map[string]any, error)
}

// Writer is the remote-integration surface consumed by the sync engine.
type Writer interface {
	// WriteIncoming upserts an object. If where is non-nil it
	// identifies the target row; otherwise the object's own primary
	// key does. The object fully replaces any existing row.
	WriteIncoming(ctx context.Context, collection string, object map[string]any, where map[string]any) error

	// DeleteObjects removes all rows matching the where clause.
	// Deleting zero rows is not an error.
	DeleteObjects(ctx context.Context, collection string, where map[string]any) error
}

// ObjectStore is one storage tier.
type ObjectStore interface {
	Reader
	Writer
}
