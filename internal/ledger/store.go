package ledger

import (
	"context"
	"time"
)

// Store is the persistence layer behind the Ledger. Every method is atomic
// with respect to concurrent callers; state transitions are conditional on
// the current status and never read-modify-write from the caller's side.
type Store interface {
	// InsertOrGet stores rec unless a record with the same source location,
	// bucket and key already exists. It returns the stored record and whether
	// it was created by this call.
	InsertOrGet(ctx context.Context, rec *Record) (*Record, bool, error)

	// Get returns the record with id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// FindBySource returns all records for a source location, most recently updated first.
	FindBySource(ctx context.Context, sourceLocation string) ([]*Record, error)

	// ResetFailed moves a FAILED record back to PENDING and returns the current record.
	ResetFailed(ctx context.Context, id string, now time.Time) (*Record, error)

	// MarkMigrated moves a non-migrated record to MIGRATED. It reports false
	// when the record already was MIGRATED.
	MarkMigrated(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkFailed moves a non-migrated record to FAILED. MIGRATED records
	// yield ErrRegression and are left untouched.
	MarkFailed(ctx context.Context, id, message string, now time.Time) error

	// MarkVerified sets the verification flag on a MIGRATED record. It
	// reports false without changes for any other status.
	MarkVerified(ctx context.Context, id string, now time.Time) (bool, error)

	// ClearVerified resets the verification flag. It reports whether the flag was set.
	ClearVerified(ctx context.Context, id string, now time.Time) (bool, error)

	// ListByStatus returns up to limit records with status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)

	// ListUnverified returns up to limit MIGRATED records without the verification flag, oldest first.
	ListUnverified(ctx context.Context, limit int) ([]*Record, error)

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (Stats, error)

	// Purge deletes matching records and returns how many were removed.
	Purge(ctx context.Context, filter PurgeFilter) (int64, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}
