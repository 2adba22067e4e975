// Package verify confirms that migrated assets are actually present and
// plausible in object storage, and records the result in the ledger.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
	"github.com/piwi3910/assetbridge/internal/upload"
)

// Mode selects how an object is checked.
type Mode string

// Verification modes.
const (
	// ModeRead downloads the object, counts its bytes and sniffs its content.
	ModeRead Mode = "read"
	// ModeHead only inspects object metadata.
	ModeHead Mode = "head"
)

// sniffLen is how much of an object is inspected for its media type.
const sniffLen = 3072

// Config holds verifier settings.
type Config struct {
	Mode      Mode
	OpTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeRead,
		OpTimeout: 30 * time.Second,
	}
}

// Ledger is the subset of the migration ledger used by the verifier.
type Ledger interface {
	MarkVerified(ctx context.Context, id string) (bool, error)
	MarkUnverified(ctx context.Context, id string) error
	ListUnverified(ctx context.Context, limit int) ([]*ledger.Record, error)
}

// Report summarises a verification pass.
type Report struct {
	Checked  int           `json:"checked" yaml:"checked"`
	Verified int           `json:"verified" yaml:"verified"`
	Failed   int           `json:"failed" yaml:"failed"`
	Errors   int           `json:"errors" yaml:"errors"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Verifier checks migrated objects.
type Verifier struct {
	ledger  Ledger
	storage backend.Backend
	cfg     Config
}

// New creates a Verifier.
func New(l Ledger, storage backend.Backend, cfg Config) (*Verifier, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeRead
	}

	if cfg.Mode != ModeRead && cfg.Mode != ModeHead {
		return nil, fmt.Errorf("unknown verification mode %q", cfg.Mode)
	}

	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}

	return &Verifier{ledger: l, storage: storage, cfg: cfg}, nil
}

// errStorage marks a check that could not reach storage; the ledger is left alone.
var errStorage = errors.New("storage unavailable")

// Verify checks rec's object and updates the ledger. It returns false
// without error for a discrepancy or a record that is not MIGRATED, and an
// error only when the ledger cannot be updated.
func (v *Verifier) Verify(ctx context.Context, rec *ledger.Record) (bool, error) {
	if rec == nil || rec.Status != ledger.StatusMigrated {
		metrics.RecordVerification("skipped")
		return false, nil
	}

	logger := log.With().
		Str("id", rec.ID).
		Str("bucket", rec.MediaBucket).
		Str("key", rec.StorageKey).
		Str("mode", string(v.cfg.Mode)).
		Logger()

	reason, err := v.check(ctx, rec)
	if err != nil {
		metrics.RecordVerification("error")
		logger.Warn().Err(err).Msg("Verification could not reach storage")

		return false, nil
	}

	if reason != "" {
		metrics.RecordVerification("failed")
		logger.Warn().Str("reason", reason).Msg("Verification discrepancy")

		if rec.Verified {
			if err := v.ledger.MarkUnverified(ctx, rec.ID); err != nil {
				return false, err
			}
		}

		return false, nil
	}

	ok, err := v.ledger.MarkVerified(ctx, rec.ID)
	if err != nil {
		return false, err
	}

	if ok {
		metrics.RecordVerification("verified")
		logger.Debug().Msg("Object verified")
	}

	return ok, nil
}

// check returns a non-empty discrepancy reason, or an error when storage
// could not be consulted.
func (v *Verifier) check(ctx context.Context, rec *ledger.Record) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, v.cfg.OpTimeout)
	defer cancel()

	expected := upload.FamilyOf(upload.ContentTypeFor(rec.StorageKey))

	if v.cfg.Mode == ModeHead {
		info, err := v.storage.StatObject(opCtx, rec.MediaBucket, rec.StorageKey)
		if err != nil {
			return missingOr(err)
		}

		if info.Size <= 0 {
			return "object is empty", nil
		}

		if info.ContentType != "" {
			return familyMismatch(expected, info.ContentType), nil
		}

		return "", nil
	}

	rc, _, err := v.storage.GetObject(opCtx, rec.MediaBucket, rec.StorageKey)
	if err != nil {
		return missingOr(err)
	}

	defer func() { _ = rc.Close() }()

	head := make([]byte, sniffLen)

	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("%w: %w", errStorage, err)
	}

	head = head[:n]

	rest, err := io.Copy(io.Discard, rc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errStorage, err)
	}

	if int64(n)+rest <= 0 {
		return "object is empty", nil
	}

	return familyMismatch(expected, mimetype.Detect(head).String()), nil
}

func missingOr(err error) (string, error) {
	if backend.IsNotFound(err) {
		return "object missing", nil
	}

	return "", fmt.Errorf("%w: %w", errStorage, err)
}

func familyMismatch(expected, detected string) string {
	if expected != upload.FamilyImage && expected != upload.FamilyVideo {
		return ""
	}

	if got := upload.FamilyOf(detected); got != expected {
		return fmt.Sprintf("expected %s content, found %s", expected, detected)
	}

	return ""
}

// VerifyPending verifies up to limit MIGRATED records that are not yet verified.
func (v *Verifier) VerifyPending(ctx context.Context, limit int) (Report, error) {
	start := time.Now()

	var report Report

	recs, err := v.ledger.ListUnverified(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to list unverified records: %w", err)
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}

		report.Checked++

		ok, err := v.Verify(ctx, rec)
		switch {
		case err != nil:
			report.Errors++
			log.Error().Err(err).Str("id", rec.ID).Msg("Failed to record verification result")
		case ok:
			report.Verified++
		default:
			report.Failed++
		}
	}

	report.Duration = time.Since(start)

	log.Info().
		Int("checked", report.Checked).
		Int("verified", report.Verified).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Verification pass complete")

	return report, nil
}
