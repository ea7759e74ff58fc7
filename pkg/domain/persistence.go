package domain

import "context"

// PersistentStore is the relational backing for the command registry. The
// registry reads everything once through Load and afterwards only writes,
// batching changes through SyncTx.
type PersistentStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Begin(ctx context.Context) (SyncTx, error)
	Close() error
}

// SyncTx is one synchronization transaction. Savepoint runs fn so that a
// failure inside it rolls back only fn's writes and leaves the transaction
// usable.
type SyncTx interface {
	UpsertRegistry(ctx context.Context, reg Registry) (int64, error)
	InsertCommand(ctx context.Context, registryID int64, row CommandRow) (int64, error)
	// UpdateCommand rewrites the row's metadata; the payload column is left
	// untouched when keepData is true. It returns ErrNotFound when no row has
	// the given id.
	UpdateCommand(ctx context.Context, registryID int64, row CommandRow, keepData bool) error
	DeleteCommand(ctx context.Context, id int64) error
	UpsertUser(ctx context.Context, row UserRow) error
	DeleteUser(ctx context.Context, id UserID) error
	Savepoint(ctx context.Context, fn func() error) error
	Commit() error
	Rollback() error
}
