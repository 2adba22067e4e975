package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler runs periodic verification passes.
type Scheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	verifier  *Verifier
	batchSize int
	timeout   time.Duration
	running   bool
	busy      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers a verification pass on spec, a standard cron
// expression or descriptor such as "@every 15m".
func NewScheduler(v *Verifier, spec string, batchSize int, timeout time.Duration) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid verification schedule %q: %w", spec, err)
	}

	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:      cron.New(),
		verifier:  v,
		batchSize: batchSize,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}

	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule verification: %w", err)
	}

	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	s.cron.Start()
	s.running = true

	return nil
}

// Stop stops the scheduler and waits for a running pass.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.New("scheduler not running")
	}

	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false

	return nil
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// RunOnce runs a single pass unless one is already running.
func (s *Scheduler) RunOnce() {
	if !s.busy.CompareAndSwap(false, true) {
		log.Debug().Msg("Verification pass already running, skipping")
		return
	}

	defer s.busy.Store(false)

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.verifier.VerifyPending(ctx, s.batchSize); err != nil {
		log.Error().Err(err).Msg("Scheduled verification failed")
	}
}
