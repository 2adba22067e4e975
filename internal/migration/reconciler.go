// Package migration discovers legacy media files on disk and drives them
// through the ledger into object storage.
//
// A run always writes the PENDING record before uploading, and the
// MIGRATED or FAILED write is the commit point for each asset. Re-running
// over the same directories is safe: migrated records are skipped, failed
// ones are reset and retried.
package migration

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/upload"
	"github.com/piwi3910/assetbridge/internal/verify"
)

// Concurrency bounds.
const (
	DefaultConcurrency = 4
	MaxConcurrency     = 64
)

// maxFailures caps the per-file failure details kept in a Report.
const maxFailures = 100

// Ledger is the subset of the migration ledger used by the reconciler.
type Ledger interface {
	UpsertPending(ctx context.Context, sourceType ledger.SourceType, sourceLocation, mediaType string) (*ledger.Record, error)
	FindBySource(ctx context.Context, sourceLocation string) (*ledger.Record, error)
	MarkMigrated(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, message string) error
	Get(ctx context.Context, id string) (*ledger.Record, error)
}

// Options controls a single run.
type Options struct {
	// DryRun records PENDING entries but uploads nothing.
	DryRun bool
	// DryRunSkipLedger makes a dry run read-only: nothing is written to the ledger.
	DryRunSkipLedger bool
	// Concurrency is the worker pool size, clamped to [1, MaxConcurrency].
	Concurrency int
	// Verify re-reads each uploaded object and sets the verified flag.
	Verify bool
}

// Failure describes a file that could not be migrated.
type Failure struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

// Report summarises a run.
type Report struct {
	Scanned  int `json:"scanned" yaml:"scanned"`
	Uploaded int `json:"uploaded" yaml:"uploaded"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	Failed   int `json:"failed" yaml:"failed"`
	// Planned counts files a dry run would have uploaded.
	Planned  int  `json:"planned" yaml:"planned"`
	Verified int  `json:"verified" yaml:"verified"`
	DryRun   bool `json:"dry_run" yaml:"dry_run"`
	// Cancelled is set when the run stopped dispatching work early.
	Cancelled bool          `json:"cancelled" yaml:"cancelled"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Failures  []Failure     `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// OK reports whether the run finished without failures.
func (r *Report) OK() bool {
	return r.Failed == 0
}

// Reconciler migrates files from source directories.
type Reconciler struct {
	ledger   Ledger
	uploader *upload.Uploader
	verifier *verify.Verifier
}

// NewReconciler creates a Reconciler. verifier may be nil, in which case
// Options.Verify is ignored.
func NewReconciler(l Ledger, uploader *upload.Uploader, verifier *verify.Verifier) *Reconciler {
	return &Reconciler{
		ledger:   l,
		uploader: uploader,
		verifier: verifier,
	}
}

// tally collects outcomes from concurrent workers.
type tally struct {
	uploaded atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	planned  atomic.Int64
	verified atomic.Int64

	mu       sync.Mutex
	failures []Failure
}

func (t *tally) fail(path string, err error) {
	t.failed.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failures) < maxFailures {
		t.failures = append(t.failures, Failure{Path: path, Error: err.Error()})
	}
}

// Run reconciles every file below dirs as mediaType. Cancelling ctx stops
// new work from being dispatched; uploads already in flight are allowed to
// finish. The returned error is non-nil only when the run could not start.
func (r *Reconciler) Run(ctx context.Context, dirs []string, mediaType string, opts Options) (*Report, error) {
	start := time.Now()

	if err := bucket.ValidateType(mediaType); err != nil {
		return nil, err
	}

	workers := clampConcurrency(opts.Concurrency)
	report := &Report{DryRun: opts.DryRun || opts.DryRunSkipLedger}

	logger := log.With().
		Str("media_type", mediaType).
		Bool("dry_run", report.DryRun).
		Int("concurrency", workers).
		Logger()

	logger.Info().Strs("dirs", dirs).Msg("Reconcile started")

	found, err := scan(ctx, dirs)
	if err != nil {
		report.Cancelled = true
	}

	report.Scanned = found.Scanned

	var t tally

	t.skipped.Add(int64(len(found.Duplicates)))

	// In-flight work keeps running after ctx is cancelled. Each ledger and
	// storage call carries its own timeout.
	workCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(workers)

	if !report.Cancelled {
		for _, c := range found.Files {
			if ctx.Err() != nil {
				report.Cancelled = true
				break
			}

			g.Go(func() error {
				r.reconcileFile(workCtx, c, mediaType, opts, &t, logger)
				return nil
			})
		}
	}

	_ = g.Wait()

	report.Uploaded = int(t.uploaded.Load())
	report.Skipped = int(t.skipped.Load())
	report.Failed = int(t.failed.Load())
	report.Planned = int(t.planned.Load())
	report.Verified = int(t.verified.Load())
	report.Failures = t.failures
	report.Duration = time.Since(start)

	result := "success"

	switch {
	case report.Cancelled:
		result = "cancelled"
	case report.Failed > 0:
		result = "failed"
	}

	metrics.RecordReconcileRun(result, report.Duration)
	metrics.AddReconcileFiles("uploaded", report.Uploaded)
	metrics.AddReconcileFiles("skipped", report.Skipped)
	metrics.AddReconcileFiles("failed", report.Failed)

	logger.Info().
		Int("scanned", report.Scanned).
		Int("uploaded", report.Uploaded).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("planned", report.Planned).
		Bool("cancelled", report.Cancelled).
		Dur("duration", report.Duration).
		Msg("Reconcile finished")

	return report, nil
}

func (r *Reconciler) reconcileFile(ctx context.Context, c candidate, mediaType string, opts Options, t *tally, logger zerolog.Logger) {
	logger = logger.With().Str("path", c.Path).Logger()

	if opts.DryRunSkipLedger {
		rec, err := r.ledger.FindBySource(ctx, c.Path)
		if err != nil {
			t.fail(c.Path, err)
			logger.Error().Err(err).Msg("Ledger lookup failed")

			return
		}

		if rec != nil && rec.Status == ledger.StatusMigrated {
			t.skipped.Add(1)
			return
		}

		t.planned.Add(1)
		logger.Info().Msg("Dry run: would upload")

		return
	}

	rec, err := r.ledger.UpsertPending(ctx, ledger.SourceFilesystem, c.Path, mediaType)
	if err != nil {
		t.fail(c.Path, err)
		logger.Error().Err(err).Msg("Failed to record pending migration")

		return
	}

	if rec.Status == ledger.StatusMigrated {
		t.skipped.Add(1)
		logger.Debug().Str("id", rec.ID).Msg("Already migrated, skipping")

		return
	}

	if opts.DryRun {
		t.planned.Add(1)
		logger.Info().
			Str("id", rec.ID).
			Str("bucket", rec.MediaBucket).
			Str("key", rec.StorageKey).
			Msg("Dry run: would upload")

		return
	}

	f, err := os.Open(c.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Nothing to retry; the record stays PENDING.
			t.skipped.Add(1)
			logger.Warn().Msg("Source file vanished, skipping")

			return
		}

		r.markFailed(ctx, rec.ID, c.Path, err, t, logger)

		return
	}

	res, err := r.uploader.Upload(ctx, f, mediaType, c.Base)
	_ = f.Close()

	if err != nil {
		r.markFailed(ctx, rec.ID, c.Path, err, t, logger)
		return
	}

	if err := r.ledger.MarkMigrated(ctx, rec.ID); err != nil {
		// The object is stored; the next run finds it and only commits the ledger.
		t.fail(c.Path, err)
		logger.Error().Err(err).Str("id", rec.ID).Msg("Uploaded but failed to mark migrated")

		return
	}

	if res.Existed {
		t.skipped.Add(1)
	} else {
		t.uploaded.Add(1)
	}

	if opts.Verify && r.verifier != nil {
		r.verify(ctx, rec.ID, t, logger)
	}
}

func (r *Reconciler) markFailed(ctx context.Context, id, path string, cause error, t *tally, logger zerolog.Logger) {
	t.fail(path, cause)

	if err := r.ledger.MarkFailed(ctx, id, cause.Error()); err != nil {
		logger.Error().Err(err).Str("id", id).Msg("Failed to record migration failure")
	}
}

func (r *Reconciler) verify(ctx context.Context, id string, t *tally, logger zerolog.Logger) {
	rec, err := r.ledger.Get(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Str("id", id).Msg("Could not reload record for verification")
		return
	}

	ok, err := r.verifier.Verify(ctx, rec)
	if err != nil {
		logger.Warn().Err(err).Str("id", id).Msg("Verification not recorded")
		return
	}

	if ok {
		t.verified.Add(1)
	}
}

func clampConcurrency(n int) int {
	switch {
	case n <= 0:
		return DefaultConcurrency
	case n > MaxConcurrency:
		return MaxConcurrency
	default:
		return n
	}
}
