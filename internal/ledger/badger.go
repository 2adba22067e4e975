package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes in the badger keyspace.
const (
	prefixRecord = "rec/"
	prefixUnique = "uniq/"
	prefixSource = "src/"
)

const maxTxnRetries = 16

// BadgerConfig configures an embedded ledger.
type BadgerConfig struct {
	Dir      string
	InMemory bool
}

// BadgerStore implements Store on an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the embedded ledger.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, errors.New("badger ledger directory is required")
	}

	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

func recordKey(id string) []byte {
	return []byte(prefixRecord + id)
}

func uniqueKey(source, bucketName, key string) []byte {
	return []byte(prefixUnique + source + "\x00" + bucketName + "\x00" + key)
}

func sourcePrefix(source string) []byte {
	return []byte(prefixSource + source + "\x00")
}

func sourceKey(source, id string) []byte {
	return append(sourcePrefix(source), id...)
}

func readRecord(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	var rec Record

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func writeRecord(txn *badger.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return txn.Set(recordKey(rec.ID), data)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for range maxTxnRetries {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}

	return badger.ErrConflict
}

// mutate loads the record, applies fn and stores it when fn reports a change.
func (s *BadgerStore) mutate(ctx context.Context, id string, fn func(rec *Record) (bool, error)) (*Record, bool, error) {
	var (
		out     *Record
		changed bool
	)

	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, id)
		if err != nil {
			return err
		}

		changed, err = fn(rec)
		if err != nil {
			return err
		}

		out = rec

		if !changed {
			return nil
		}

		return writeRecord(txn, rec)
	})
	if err != nil {
		return nil, false, err
	}

	return out, changed, nil
}

// InsertOrGet implements Store.
func (s *BadgerStore) InsertOrGet(ctx context.Context, rec *Record) (*Record, bool, error) {
	var (
		out     *Record
		created bool
	)

	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		uk := uniqueKey(rec.SourceLocation, rec.MediaBucket, rec.StorageKey)

		item, err := txn.Get(uk)
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			out, err = readRecord(txn, string(id))

			return err
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		c := rec.Clone()
		c.Status = StatusPending
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()

		if err := writeRecord(txn, c); err != nil {
			return err
		}

		if err := txn.Set(uk, []byte(c.ID)); err != nil {
			return err
		}

		if err := txn.Set(sourceKey(c.SourceLocation, c.ID), nil); err != nil {
			return err
		}

		out, created = c, true

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return out, created, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (*Record, error) {
	var out *Record

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = readRecord(txn, id)

		return err
	})

	return out, err
}

// FindBySource implements Store.
func (s *BadgerStore) FindBySource(ctx context.Context, sourceLocation string) ([]*Record, error) {
	var out []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := sourcePrefix(sourceLocation)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(prefix):])

			rec, err := readRecord(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			out = append(out, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

// ResetFailed implements Store.
func (s *BadgerStore) ResetFailed(ctx context.Context, id string, now time.Time) (*Record, error) {
	rec, _, err := s.mutate(ctx, id, func(rec *Record) (bool, error) {
		if rec.Status != StatusFailed {
			return false, nil
		}

		rec.Status = StatusPending
		rec.ErrorMessage = ""
		rec.UpdatedAt = now.UTC()

		return true, nil
	})

	return rec, err
}

// MarkMigrated implements Store.
func (s *BadgerStore) MarkMigrated(ctx context.Context, id string, now time.Time) (bool, error) {
	_, changed, err := s.mutate(ctx, id, func(rec *Record) (bool, error) {
		if rec.Status == StatusMigrated {
			return false, nil
		}

		t := now.UTC()
		rec.Status = StatusMigrated
		rec.MigratedAt = &t
		rec.ErrorMessage = ""
		rec.UpdatedAt = t

		return true, nil
	})

	return changed, err
}

// MarkFailed implements Store.
func (s *BadgerStore) MarkFailed(ctx context.Context, id, message string, now time.Time) error {
	_, _, err := s.mutate(ctx, id, func(rec *Record) (bool, error) {
		if rec.Status == StatusMigrated {
			return false, ErrRegression
		}

		rec.Status = StatusFailed
		rec.ErrorMessage = message
		rec.UpdatedAt = now.UTC()

		return true, nil
	})

	return err
}

// MarkVerified implements Store.
func (s *BadgerStore) MarkVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	_, changed, err := s.mutate(ctx, id, func(rec *Record) (bool, error) {
		if rec.Status != StatusMigrated {
			return false, nil
		}

		t := now.UTC()
		rec.Verified = true
		rec.VerifiedAt = &t
		rec.UpdatedAt = t

		return true, nil
	})

	return changed, err
}

// ClearVerified implements Store.
func (s *BadgerStore) ClearVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	_, changed, err := s.mutate(ctx, id, func(rec *Record) (bool, error) {
		if !rec.Verified {
			return false, nil
		}

		rec.Verified = false
		rec.VerifiedAt = nil
		rec.UpdatedAt = now.UTC()

		return true, nil
	})

	return changed, err
}

// scan visits every record. Order is by id; callers sort as needed.
func (s *BadgerStore) scan(ctx context.Context, fn func(rec *Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var rec Record

			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}

			if err := fn(&rec); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *BadgerStore) listWhere(ctx context.Context, limit int, match func(rec *Record) bool) ([]*Record, error) {
	var out []*Record

	err := s.scan(ctx, func(rec *Record) error {
		if match(rec) {
			out = append(out, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// ListByStatus implements Store.
func (s *BadgerStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	return s.listWhere(ctx, limit, func(rec *Record) bool {
		return rec.Status == status
	})
}

// ListUnverified implements Store.
func (s *BadgerStore) ListUnverified(ctx context.Context, limit int) ([]*Record, error) {
	return s.listWhere(ctx, limit, func(rec *Record) bool {
		return rec.Status == StatusMigrated && !rec.Verified
	})
}

// Stats implements Store.
func (s *BadgerStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	err := s.scan(ctx, func(rec *Record) error {
		st.Total++

		switch rec.Status {
		case StatusPending:
			st.Pending++
		case StatusMigrated:
			st.Migrated++
		case StatusFailed:
			st.Failed++
		}

		if rec.Verified {
			st.Verified++
		}

		return nil
	})

	return st, err
}

// Purge implements Store.
func (s *BadgerStore) Purge(ctx context.Context, filter PurgeFilter) (int64, error) {
	var victims []*Record

	err := s.scan(ctx, func(rec *Record) error {
		if filter.Status != "" && rec.Status != filter.Status {
			return nil
		}

		if !filter.OlderThan.IsZero() && !rec.UpdatedAt.Before(filter.OlderThan) {
			return nil
		}

		victims = append(victims, rec)

		return nil
	})
	if err != nil {
		return 0, err
	}

	var deleted int64

	for _, rec := range victims {
		err := s.update(ctx, func(txn *badger.Txn) error {
			for _, k := range [][]byte{
				recordKey(rec.ID),
				uniqueKey(rec.SourceLocation, rec.MediaBucket, rec.StorageKey),
				sourceKey(rec.SourceLocation, rec.ID),
			} {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			return deleted, err
		}

		deleted++
	}

	return deleted, nil
}

// Ping implements Store.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger ledger is closed")
	}

	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
