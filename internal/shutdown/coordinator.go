// Package shutdown stops the assetbridge server in a fixed order:
//
//  1. HTTP servers stop accepting requests and let handlers finish
//  2. the verification scheduler stops
//  3. background lazy migrations drain
//  4. the migration ledger closes
//  5. the object storage backend closes
//
// Lazy migrations write to the ledger, so the ledger only closes once they
// have drained or timed out. Every step has its own timeout inside an
// overall budget; a step that times out is recorded and the sequence moves on.
package shutdown

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/metrics"
)

// Phase names a shutdown step.
type Phase string

// Phases in order of execution.
const (
	PhaseNone        Phase = "none"
	PhaseHTTPServers Phase = "http_servers"
	PhaseScheduler   Phase = "scheduler"
	PhaseMigrations  Phase = "migrations"
	PhaseLedger      Phase = "ledger"
	PhaseStorage     Phase = "storage"
	PhaseComplete    Phase = "complete"
)

// Config holds the shutdown budget.
type Config struct {
	// TotalTimeout bounds the whole sequence.
	TotalTimeout time.Duration
	// HTTPTimeout bounds draining the HTTP servers.
	HTTPTimeout time.Duration
	// WorkerTimeout bounds stopping the scheduler and draining migrations, each.
	WorkerTimeout time.Duration
	// LedgerTimeout bounds closing the ledger.
	LedgerTimeout time.Duration
	// StorageTimeout bounds closing the storage backend.
	StorageTimeout time.Duration
}

// DefaultConfig returns the default shutdown budget.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:   30 * time.Second,
		HTTPTimeout:    10 * time.Second,
		WorkerTimeout:  10 * time.Second,
		LedgerTimeout:  10 * time.Second,
		StorageTimeout: 5 * time.Second,
	}
}

// Stoppable is a component with a blocking Stop.
type Stoppable interface {
	Stop() error
}

// Drainer waits for background work to finish or ctx to expire.
type Drainer interface {
	Close(ctx context.Context) error
}

// HTTPServer is an HTTP listener that can drain gracefully.
type HTTPServer interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Components are the parts of a running server. Nil fields are skipped.
type Components struct {
	HTTPServers []HTTPServer
	Scheduler   Stoppable
	Migrations  Drainer
	Ledger      io.Closer
	Storage     io.Closer
}

type step struct {
	phase   Phase
	timeout time.Duration
	run     func(ctx context.Context) error
}

// Coordinator runs the shutdown sequence once.
type Coordinator struct {
	cfg Config

	mu    sync.RWMutex
	phase Phase
	errs  []error

	started atomic.Bool
	done    chan struct{}
}

// NewCoordinator creates a coordinator with the given budget.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		phase: PhaseNone,
		done:  make(chan struct{}),
	}
}

// Phase returns the step currently running.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown reports whether Shutdown has been called.
func (c *Coordinator) IsShuttingDown() bool {
	return c.started.Load()
}

// Done is closed once the sequence has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Errors returns the errors recorded by the steps, in order.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errs...)
}

// Shutdown stops comps in order. Step failures are recorded and available
// from Errors; only a repeated call is a no-op.
func (c *Coordinator) Shutdown(ctx context.Context, comps Components) error {
	if !c.started.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")
		return nil
	}

	begin := time.Now()

	log.Info().Msg("Initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	for _, s := range c.steps(comps) {
		c.setPhase(s.phase)

		if s.run == nil {
			continue
		}

		c.runStep(ctx, s)
	}

	c.setPhase(PhaseComplete)
	close(c.done)

	elapsed := time.Since(begin)
	metrics.SetShutdownDuration(elapsed)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().Int("error_count", len(errs)).Dur("duration", elapsed).Msg("Shutdown completed with errors")
	} else {
		log.Info().Dur("duration", elapsed).Msg("Shutdown completed")
	}

	return nil
}

func (c *Coordinator) steps(comps Components) []step {
	steps := []step{
		{phase: PhaseHTTPServers, timeout: c.cfg.HTTPTimeout},
		{phase: PhaseScheduler, timeout: c.cfg.WorkerTimeout},
		{phase: PhaseMigrations, timeout: c.cfg.WorkerTimeout},
		{phase: PhaseLedger, timeout: c.cfg.LedgerTimeout},
		{phase: PhaseStorage, timeout: c.cfg.StorageTimeout},
	}

	if len(comps.HTTPServers) > 0 {
		steps[0].run = func(ctx context.Context) error {
			return shutdownServers(ctx, comps.HTTPServers)
		}
	}

	if comps.Scheduler != nil {
		steps[1].run = func(context.Context) error { return comps.Scheduler.Stop() }
	}

	if comps.Migrations != nil {
		steps[2].run = comps.Migrations.Close
	}

	if comps.Ledger != nil {
		steps[3].run = func(context.Context) error { return comps.Ledger.Close() }
	}

	if comps.Storage != nil {
		steps[4].run = func(context.Context) error { return comps.Storage.Close() }
	}

	return steps
}

// runStep waits for s until its timeout; a step still running then is
// abandoned and recorded as timed out.
func (c *Coordinator) runStep(ctx context.Context, s step) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		result <- s.run(ctx)
	}()

	var err error

	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}

	switch {
	case err == nil:
		metrics.RecordShutdownStep(string(s.phase), "ok")
		log.Info().Str("phase", string(s.phase)).Msg("Shutdown step complete")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RecordShutdownStep(string(s.phase), "timeout")
		log.Warn().Str("phase", string(s.phase)).Dur("timeout", s.timeout).Msg("Shutdown step timed out")
		c.addError(err)
	default:
		metrics.RecordShutdownStep(string(s.phase), "error")
		log.Error().Err(err).Str("phase", string(s.phase)).Msg("Shutdown step failed")
		c.addError(err)
	}
}

// shutdownServers drains all servers in parallel.
func shutdownServers(ctx context.Context, servers []HTTPServer) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, srv := range servers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")

				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return errors.Join(errs...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()

	log.Debug().Str("phase", string(phase)).Msg("Shutdown phase")
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}
