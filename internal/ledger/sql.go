package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

// Supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}

	return "sqlite"
}

// SQLConfig configures a SQL-backed store.
type SQLConfig struct {
	Dialect Dialect
	// DSN is a PostgreSQL connection string, or a file path for SQLite.
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// SkipMigrations leaves schema management to an external tool.
	SkipMigrations bool
}

// SQLStore implements Store on database/sql for PostgreSQL and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

const recordColumns = `id, source_type, source_location, media_bucket, media_type, storage_key,
	migration_status, error_message, migrated_at, verification_status, verified_at, created_at, updated_at`

// OpenSQL opens the database, applies migrations and returns the store.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	dsn := cfg.DSN

	switch cfg.Dialect {
	case DialectPostgres:
	case DialectSQLite:
		dsn = sqliteDSN(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported ledger dialect %q", cfg.Dialect)
	}

	if cfg.DSN == "" {
		return nil, errors.New("ledger dsn is required")
	}

	if !cfg.SkipMigrations {
		if err := Migrate(cfg.Dialect, dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(cfg.Dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if cfg.Dialect == DialectSQLite {
		// SQLite allows one writer; a single connection serialises access.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}

		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	return &SQLStore{db: db, dialect: cfg.Dialect}, nil
}

// NewSQLStore wraps an already opened and migrated database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path
	}

	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder

	b.Grow(len(query) + 8)

	n := 0

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r          Record
		errMsg     sql.NullString
		migratedAt sql.NullTime
		verifiedAt sql.NullTime
	)

	err := row.Scan(
		&r.ID, &r.SourceType, &r.SourceLocation, &r.MediaBucket, &r.MediaType, &r.StorageKey,
		&r.Status, &errMsg, &migratedAt, &r.Verified, &verifiedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ErrorMessage = errMsg.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()

	if migratedAt.Valid {
		t := migratedAt.Time.UTC()
		r.MigratedAt = &t
	}

	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		r.VerifiedAt = &t
	}

	return &r, nil
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	var out []*Record

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *SQLStore) getBy(ctx context.Context, where string, args ...any) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM migration_records WHERE `+where), args...)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return r, nil
}

func (s *SQLStore) exists(ctx context.Context, id string) (Status, error) {
	var status Status

	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT migration_status FROM migration_records WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	return status, err
}

// InsertOrGet implements Store.
func (s *SQLStore) InsertOrGet(ctx context.Context, rec *Record) (*Record, bool, error) {
	n, err := s.exec(ctx, `INSERT INTO migration_records (
			id, source_type, source_location, media_bucket, media_type, storage_key,
			migration_status, verification_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_location, media_bucket, storage_key) DO NOTHING`,
		rec.ID, string(rec.SourceType), rec.SourceLocation, rec.MediaBucket, rec.MediaType, rec.StorageKey,
		string(StatusPending), false, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert: %w", err)
	}

	existing, err := s.getBy(ctx, `source_location = ? AND media_bucket = ? AND storage_key = ?`,
		rec.SourceLocation, rec.MediaBucket, rec.StorageKey)
	if err != nil {
		return nil, false, fmt.Errorf("fetch after insert: %w", err)
	}

	return existing, n == 1, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.getBy(ctx, `id = ?`, id)
}

// FindBySource implements Store.
func (s *SQLStore) FindBySource(ctx context.Context, sourceLocation string) ([]*Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM migration_records
		WHERE source_location = ? ORDER BY updated_at DESC, id`, sourceLocation)
}

// ResetFailed implements Store.
func (s *SQLStore) ResetFailed(ctx context.Context, id string, now time.Time) (*Record, error) {
	_, err := s.exec(ctx, `UPDATE migration_records
		SET migration_status = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND migration_status = ?`,
		string(StatusPending), now.UTC(), id, string(StatusFailed))
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// MarkMigrated implements Store.
func (s *SQLStore) MarkMigrated(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE migration_records
		SET migration_status = ?, migrated_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND migration_status <> ?`,
		string(StatusMigrated), now.UTC(), now.UTC(), id, string(StatusMigrated))
	if err != nil {
		return false, err
	}

	if n == 1 {
		return true, nil
	}

	if _, err := s.exists(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

// MarkFailed implements Store.
func (s *SQLStore) MarkFailed(ctx context.Context, id, message string, now time.Time) error {
	n, err := s.exec(ctx, `UPDATE migration_records
		SET migration_status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND migration_status <> ?`,
		string(StatusFailed), message, now.UTC(), id, string(StatusMigrated))
	if err != nil {
		return err
	}

	if n == 1 {
		return nil
	}

	if _, err := s.exists(ctx, id); err != nil {
		return err
	}

	return ErrRegression
}

// MarkVerified implements Store.
func (s *SQLStore) MarkVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE migration_records
		SET verification_status = ?, verified_at = ?, updated_at = ?
		WHERE id = ? AND migration_status = ?`,
		true, now.UTC(), now.UTC(), id, string(StatusMigrated))
	if err != nil {
		return false, err
	}

	if n == 1 {
		return true, nil
	}

	if _, err := s.exists(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

// ClearVerified implements Store.
func (s *SQLStore) ClearVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE migration_records
		SET verification_status = ?, verified_at = NULL, updated_at = ?
		WHERE id = ? AND verification_status = ?`,
		false, now.UTC(), id, true)
	if err != nil {
		return false, err
	}

	if n == 1 {
		return true, nil
	}

	if _, err := s.exists(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

// ListByStatus implements Store.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM migration_records
		WHERE migration_status = ? ORDER BY created_at, id LIMIT ?`, string(status), limit)
}

// ListUnverified implements Store.
func (s *SQLStore) ListUnverified(ctx context.Context, limit int) ([]*Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM migration_records
		WHERE migration_status = ? AND verification_status = ? ORDER BY created_at, id LIMIT ?`,
		string(StatusMigrated), false, limit)
}

// Stats implements Store.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN migration_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN migration_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN migration_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verification_status THEN 1 ELSE 0 END), 0)
		FROM migration_records`),
		string(StatusPending), string(StatusMigrated), string(StatusFailed),
	).Scan(&st.Total, &st.Pending, &st.Migrated, &st.Failed, &st.Verified)
	if err != nil {
		return Stats{}, err
	}

	return st, nil
}

// Purge implements Store.
func (s *SQLStore) Purge(ctx context.Context, filter PurgeFilter) (int64, error) {
	query := `DELETE FROM migration_records WHERE 1 = 1`

	var args []any

	if filter.Status != "" {
		query += ` AND migration_status = ?`

		args = append(args, string(filter.Status))
	}

	if !filter.OlderThan.IsZero() {
		query += ` AND updated_at < ?`

		args = append(args, filter.OlderThan.UTC())
	}

	return s.exec(ctx, query, args...)
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
