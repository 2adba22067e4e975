package resolver

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/upload"
)

// lazyMigrator copies legacy files found during resolution into object
// storage in the background. Work is best effort: when all slots are busy or
// the same reference is already in flight the request is dropped.
type lazyMigrator struct {
	ledger   Ledger
	uploader *upload.Uploader
	timeout  time.Duration
	sem      *semaphore.Weighted

	// ctx is cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func newLazyMigrator(l Ledger, u *upload.Uploader, concurrency int64, timeout time.Duration) *lazyMigrator {
	ctx, cancel := context.WithCancel(context.Background())

	return &lazyMigrator{
		ledger:   l,
		uploader: u,
		timeout:  timeout,
		sem:      semaphore.NewWeighted(concurrency),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// trigger schedules a migration of file for ref. It never blocks.
func (m *lazyMigrator) trigger(reqCtx context.Context, ref Reference, file string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if _, busy := m.inflight[ref.Logical]; busy {
		m.mu.Unlock()
		metrics.RecordLazyMigration("deduplicated")

		return
	}

	if !m.sem.TryAcquire(1) {
		m.mu.Unlock()
		metrics.RecordLazyMigration("saturated")
		log.Debug().Str("ref", ref.Logical).Msg("Lazy migration skipped: all slots busy")

		return
	}

	m.inflight[ref.Logical] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.IncrementLazyInFlight()

	// Detached from the request so a finished response does not abort the copy.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), m.timeout)
	stop := context.AfterFunc(m.ctx, cancel)

	go func() {
		defer func() {
			stop()
			cancel()
			m.sem.Release(1)
			metrics.DecrementLazyInFlight()

			m.mu.Lock()
			delete(m.inflight, ref.Logical)
			m.mu.Unlock()

			m.wg.Done()
		}()

		m.migrate(ctx, ref, file)
	}()
}

func (m *lazyMigrator) migrate(ctx context.Context, ref Reference, file string) {
	logger := log.With().Str("ref", ref.Logical).Str("file", file).Logger()

	rec, err := m.ledger.UpsertPending(ctx, ledger.SourceFilesystem, ref.Logical, ref.MediaType)
	if err != nil {
		metrics.RecordLazyMigration("failed")
		logger.Warn().Err(err).Msg("Lazy migration could not record pending asset")

		return
	}

	if rec.Status == ledger.StatusMigrated {
		metrics.RecordLazyMigration("skipped")
		return
	}

	f, err := os.Open(file)
	if err != nil {
		// Left PENDING; the file vanished between probe and copy.
		metrics.RecordLazyMigration("skipped")
		logger.Warn().Err(err).Msg("Lazy migration source disappeared")

		return
	}

	defer func() { _ = f.Close() }()

	res, err := m.uploader.Upload(ctx, f, ref.MediaType, ref.Base)
	if err != nil {
		metrics.RecordLazyMigration("failed")
		logger.Warn().Err(err).Msg("Lazy migration upload failed")

		if markErr := m.ledger.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil && !errors.Is(markErr, ledger.ErrRegression) {
			logger.Error().Err(markErr).Msg("Failed to record lazy migration failure")
		}

		return
	}

	if err := m.ledger.MarkMigrated(ctx, rec.ID); err != nil {
		metrics.RecordLazyMigration("failed")
		logger.Error().Err(err).Msg("Failed to mark lazily migrated asset")

		return
	}

	metrics.RecordLazyMigration("migrated")
	logger.Info().
		Str("bucket", res.Bucket).
		Str("key", res.Key).
		Bool("existed", res.Existed).
		Msg("Legacy asset migrated on access")
}

// close stops accepting work and waits for running migrations. When ctx
// expires first the running migrations are cancelled.
func (m *lazyMigrator) close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done

		return ctx.Err()
	}
}
