// Package store provides the on-device durable store the replication
// engine persists into: one opaque payload per collection, attachment
// blobs keyed by image id, and named boolean flags (used by the one-time
// legacy migration guard).
//
// Two implementations exist: a SQLite store for devices and an in-memory
// store for tests and as the legacy pre-replication stand-in. Payloads
// are opaque bytes; the store knows nothing about the document's wire
// format.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an attachment id is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the durable key-value surface consumed by the engine. All
// implementations must be safe for concurrent use.
type Store interface {
	// Records returns the persisted payload for a collection, or
	// (nil, nil) when nothing has been persisted yet.
	Records(ctx context.Context, collection string) ([]byte, error)

	// PutRecords replaces the persisted payload for a collection.
	PutRecords(ctx context.Context, collection string, payload []byte) error

	// Attachment returns the bytes for an image id, or ErrNotFound.
	Attachment(ctx context.Context, id string) ([]byte, error)

	// PutAttachment stores the bytes for an image id, replacing any
	// previous value.
	PutAttachment(ctx context.Context, id string, data []byte) error

	// Flag returns a named boolean flag; absent flags read as false.
	Flag(ctx context.Context, name string) (bool, error)

	// SetFlag sets a named boolean flag.
	SetFlag(ctx context.Context, name string, value bool) error

	// Close releases the store. Further calls fail.
	Close() error
}
