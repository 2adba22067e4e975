// Package ledger implements the Migration Ledger, the durable record of every
// discovered media asset and its migration and verification state.
//
// The Ledger is the single source of truth when filesystem, object storage
// and database disagree. It enforces the record state machine:
//
//	PENDING -> MIGRATED
//	PENDING -> FAILED -> PENDING (retry)
//	MIGRATED: verification flag may be set or cleared
//
// Three stores implement the persistence layer: PostgreSQL and SQLite through
// database/sql (SQLStore) and an embedded BadgerDB key/value store (BadgerStore).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/metrics"
)

// DefaultOpTimeout bounds every store call made by the Ledger.
const DefaultOpTimeout = 5 * time.Second

// Ledger exposes the migration ledger operations on top of a Store.
type Ledger struct {
	store     Store
	router    *bucket.Router
	opTimeout time.Duration
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithOpTimeout overrides the per-call timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.opTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger over store using router to compute buckets.
func New(store Store, router *bucket.Router, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		router:    router,
		opTimeout: DefaultOpTimeout,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.opTimeout)
}

// UpsertPending records a discovered asset. A new source is inserted as
// PENDING, a FAILED record is reset to PENDING, and PENDING or MIGRATED
// records are returned unchanged.
func (l *Ledger) UpsertPending(ctx context.Context, sourceType SourceType, sourceLocation, mediaType string) (*Record, error) {
	sourceLocation = strings.TrimSpace(sourceLocation)
	if sourceLocation == "" {
		return nil, fmt.Errorf("%w: empty source location", ErrInvalidRecord)
	}

	if !sourceType.Valid() {
		return nil, fmt.Errorf("%w: source type %q", ErrInvalidRecord, sourceType)
	}

	key, err := bucket.ObjectKey(mediaType, sourceLocation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	now := l.clock()
	candidate := &Record{
		ID:             uuid.New().String(),
		SourceType:     sourceType,
		SourceLocation: sourceLocation,
		MediaBucket:    l.router.Resolve(mediaType),
		MediaType:      bucket.NormalizeType(mediaType),
		StorageKey:     key,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rec, created, err := l.store.InsertOrGet(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s: %w", sourceLocation, err)
	}

	if created {
		metrics.RecordLedgerTransition(string(StatusPending))
		log.Debug().
			Str("id", rec.ID).
			Str("source", sourceLocation).
			Str("bucket", rec.MediaBucket).
			Str("key", rec.StorageKey).
			Msg("Ledger record created")

		return rec, nil
	}

	if rec.Status != StatusFailed {
		return rec, nil
	}

	id := rec.ID

	rec, err = l.store.ResetFailed(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reset %s: %w", id, err)
	}

	metrics.RecordLedgerTransition(string(StatusPending))
	log.Info().Str("id", rec.ID).Str("source", sourceLocation).Msg("Failed record reset to pending for retry")

	return rec, nil
}

// MarkMigrated flips a record to MIGRATED. Marking an already migrated
// record is a no-op that keeps the original migration time.
func (l *Ledger) MarkMigrated(ctx context.Context, id string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	changed, err := l.store.MarkMigrated(ctx, id, l.clock())
	if err != nil {
		return fmt.Errorf("failed to mark %s migrated: %w", id, err)
	}

	if changed {
		metrics.RecordLedgerTransition(string(StatusMigrated))
	}

	return nil
}

// MarkFailed flips a record to FAILED with message. A MIGRATED record is
// never regressed; the attempt is logged as an anomaly and ErrRegression
// is returned.
func (l *Ledger) MarkFailed(ctx context.Context, id, message string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	err := l.store.MarkFailed(ctx, id, message, l.clock())
	if err != nil {
		if errors.Is(err, ErrRegression) {
			metrics.RecordLedgerAnomaly("regression")
			log.Warn().
				Str("id", id).
				Str("error_message", message).
				Msg("Anomaly: attempted to mark a migrated record as failed; record left unchanged")
		}

		return fmt.Errorf("failed to mark %s failed: %w", id, err)
	}

	metrics.RecordLedgerTransition(string(StatusFailed))

	return nil
}

// MarkVerified sets the verification flag. Records that are not MIGRATED are
// left untouched and false is returned.
func (l *Ledger) MarkVerified(ctx context.Context, id string) (bool, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	ok, err := l.store.MarkVerified(ctx, id, l.clock())
	if err != nil {
		return false, fmt.Errorf("failed to mark %s verified: %w", id, err)
	}

	if !ok {
		log.Warn().Str("id", id).Msg("Verification ignored: record is not migrated")
		return false, nil
	}

	return true, nil
}

// MarkUnverified clears the verification flag after a failed re-verification.
func (l *Ledger) MarkUnverified(ctx context.Context, id string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	cleared, err := l.store.ClearVerified(ctx, id, l.clock())
	if err != nil {
		return fmt.Errorf("failed to clear verification of %s: %w", id, err)
	}

	if cleared {
		metrics.RecordLedgerAnomaly("verification_lost")
		log.Warn().Str("id", id).Msg("Anomaly: previously verified asset failed re-verification")
	}

	return nil
}

// Get returns the record with id.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	return l.store.Get(ctx, id)
}

// FindBySource returns the record for a source location, or nil when the
// source was never ledgered. When the source is known under several buckets
// the MIGRATED record wins, then the most recently updated.
func (l *Ledger) FindBySource(ctx context.Context, sourceLocation string) (*Record, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	recs, err := l.store.FindBySource(ctx, strings.TrimSpace(sourceLocation))
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", sourceLocation, err)
	}

	if len(recs) == 0 {
		return nil, nil
	}

	for _, r := range recs {
		if r.Status == StatusMigrated {
			return r, nil
		}
	}

	return recs[0], nil
}

// ListByStatus returns up to limit records with status, oldest first.
func (l *Ledger) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	return l.store.ListByStatus(ctx, status, normalizeLimit(limit))
}

// ListUnverified returns up to limit migrated records awaiting verification.
func (l *Ledger) ListUnverified(ctx context.Context, limit int) ([]*Record, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	return l.store.ListUnverified(ctx, normalizeLimit(limit))
}

// Stats returns aggregate counts.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	return l.store.Stats(ctx)
}

// Purge deletes records matching filter. It is an explicit administrative
// action; no automatic path calls it.
func (l *Ledger) Purge(ctx context.Context, filter PurgeFilter) (int64, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	n, err := l.store.Purge(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to purge: %w", err)
	}

	log.Warn().
		Int64("deleted", n).
		Str("status", string(filter.Status)).
		Time("older_than", filter.OlderThan).
		Bool("all", filter.All).
		Msg("Ledger records purged")

	return n, nil
}

// Ping checks that the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	return l.store.Ping(ctx)
}

// Close closes the store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
