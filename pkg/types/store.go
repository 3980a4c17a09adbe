package types

import "context"

// Store is a backing store able to hand out per-session connections.
// Implementations must be safe for concurrent use.
type Store interface {
	// Connect acquires a connection dedicated to one session.
	Connect(ctx context.Context) (Conn, error)

	// Close releases the store and every pooled resource.
	Close() error
}

// Conn is the backing-store adapter contract consumed by a session. A Conn is
// used by one session at a time and released with Close.
type Conn interface {
	// FetchByIdentity returns the row for (kind, id) or ErrNotFound.
	FetchByIdentity(ctx context.Context, kind Kind, id any) (Row, error)

	// FetchByForeignKey returns every row of kind whose fkColumn equals ownerID.
	FetchByForeignKey(ctx context.Context, kind Kind, fkColumn string, ownerID any) ([]Row, error)

	// FetchByQuery returns every row of kind matching the predicate.
	FetchByQuery(ctx context.Context, kind Kind, pred Predicate) ([]Row, error)

	// ApplyInsert writes a new row and returns its primary-key value, which
	// the store assigns when the row carries none.
	ApplyInsert(ctx context.Context, row Row) (any, error)

	// ApplyUpdate overwrites the row with the same identity.
	ApplyUpdate(ctx context.Context, row Row) error

	// ApplyDelete removes the row identified by key.
	ApplyDelete(ctx context.Context, key Key) error

	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error

	// Close releases the connection. Idempotent.
	Close() error
}
