package ledger

import (
	"errors"
	"time"
)

// SourceType identifies where an asset came from.
type SourceType string

// Source types.
const (
	SourceFilesystem SourceType = "FILESYSTEM"
	SourceDatabase   SourceType = "DATABASE"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	return t == SourceFilesystem || t == SourceDatabase
}

// Status is the migration state of a record.
type Status string

// Migration statuses.
const (
	StatusPending  Status = "PENDING"
	StatusMigrated Status = "MIGRATED"
	StatusFailed   Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusMigrated || s == StatusFailed
}

// Ledger errors.
var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("migration record not found")

	// ErrRegression is returned when a MIGRATED record is asked to become FAILED.
	ErrRegression = errors.New("refusing to mark a migrated record as failed")

	// ErrUnboundedPurge is returned by Purge when no filter narrows the deletion.
	ErrUnboundedPurge = errors.New("purge requires a status or age filter")

	// ErrInvalidRecord is returned for records that fail validation before insert.
	ErrInvalidRecord = errors.New("invalid migration record")
)

// Record is a durable ledger entry for one discovered asset.
type Record struct {
	ID             string     `json:"id" yaml:"id"`
	SourceType     SourceType `json:"source_type" yaml:"source_type"`
	SourceLocation string     `json:"source_location" yaml:"source_location"`
	MediaBucket    string     `json:"media_bucket" yaml:"media_bucket"`
	MediaType      string     `json:"media_type" yaml:"media_type"`
	StorageKey     string     `json:"storage_key" yaml:"storage_key"`
	Status         Status     `json:"migration_status" yaml:"migration_status"`
	ErrorMessage   string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	MigratedAt     *time.Time `json:"migrated_at,omitempty" yaml:"migrated_at,omitempty"`
	Verified       bool       `json:"verification_status" yaml:"verification_status"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty" yaml:"verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r

	if r.MigratedAt != nil {
		t := *r.MigratedAt
		c.MigratedAt = &t
	}

	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		c.VerifiedAt = &t
	}

	return &c
}

// Stats holds aggregate ledger counts.
type Stats struct {
	Total    int64 `json:"total" yaml:"total"`
	Pending  int64 `json:"pending" yaml:"pending"`
	Migrated int64 `json:"migrated" yaml:"migrated"`
	Failed   int64 `json:"failed" yaml:"failed"`
	Verified int64 `json:"verified" yaml:"verified"`
}

// PurgeFilter selects records for administrative deletion. At least one of
// Status or OlderThan must be set unless All is true.
type PurgeFilter struct {
	Status    Status
	OlderThan time.Time
	All       bool
}

func (f PurgeFilter) validate() error {
	if f.All {
		return nil
	}

	if f.Status == "" && f.OlderThan.IsZero() {
		return ErrUnboundedPurge
	}

	if f.Status != "" && !f.Status.Valid() {
		return errors.New("invalid purge status: " + string(f.Status))
	}

	return nil
}

// DefaultListLimit is used when a list call passes a non-positive limit.
const DefaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}

	return limit
}
