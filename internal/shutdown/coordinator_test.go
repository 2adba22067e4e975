package shutdown_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/shutdown"
)

func testConfig() shutdown.Config {
	return shutdown.Config{
		TotalTimeout:   500 * time.Millisecond,
		HTTPTimeout:    50 * time.Millisecond,
		WorkerTimeout:  50 * time.Millisecond,
		LedgerTimeout:  50 * time.Millisecond,
		StorageTimeout: 50 * time.Millisecond,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := shutdown.DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.TotalTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Second, cfg.WorkerTimeout)
	assert.Equal(t, 10*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 5*time.Second, cfg.StorageTimeout)
}

func TestNewCoordinator(t *testing.T) {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())

	require.NotNil(t, coord)
	assert.Equal(t, shutdown.PhaseNone, coord.Phase())
	assert.False(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorEmptyShutdown(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
	assert.True(t, coord.IsShuttingDown())

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done channel was not closed")
	}

	// A second call returns immediately.
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{}))
}

func TestCoordinatorOrder(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	order := &recorder{}

	components := shutdown.Components{
		HTTPServers: []shutdown.HTTPServer{&mockHTTPServer{name: "http", rec: order}},
		Scheduler:   &mockStoppable{name: "scheduler", rec: order},
		Migrations:  &mockDrainer{rec: order},
		Ledger:      &mockCloser{name: "ledger", rec: order},
		Storage:     &mockCloser{name: "storage", rec: order},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))
	assert.Equal(t, []string{"http", "scheduler", "migrations", "ledger", "storage"}, order.get())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorConcurrentHTTPServerShutdown(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	servers := []shutdown.HTTPServer{
		&mockHTTPServer{name: "a", delay: 30 * time.Millisecond},
		&mockHTTPServer{name: "b", delay: 30 * time.Millisecond},
		&mockHTTPServer{name: "c", delay: 30 * time.Millisecond},
	}

	start := time.Now()
	require.NoError(t, coord.Shutdown(context.Background(), shutdown.Components{HTTPServers: servers}))

	assert.Less(t, time.Since(start), 85*time.Millisecond)
}

func TestCoordinatorRecordsErrors(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	boom := errors.New("close failed")

	components := shutdown.Components{
		HTTPServers: []shutdown.HTTPServer{&mockHTTPServer{name: "http", err: errors.New("listener busy")}},
		Ledger:      &mockCloser{name: "ledger", err: boom},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))

	errs := coord.Errors()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1], boom)
}

func TestCoordinatorMigrationDrainTimeout(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	components := shutdown.Components{
		Migrations: &mockDrainer{block: true},
		Ledger:     &mockCloser{name: "ledger"},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))

	errs := coord.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestCoordinatorTimeoutOnSlowComponent(t *testing.T) {
	cfg := testConfig()
	cfg.StorageTimeout = 20 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	components := shutdown.Components{
		Storage: &mockCloser{name: "storage", delay: 200 * time.Millisecond},
	}

	timeouts := promtest.ToFloat64(metrics.ShutdownStepsTotal.WithLabelValues(string(shutdown.PhaseStorage), "timeout"))

	require.NoError(t, coord.Shutdown(context.Background(), components))
	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
	assert.Equal(t, timeouts+1, promtest.ToFloat64(metrics.ShutdownStepsTotal.WithLabelValues(string(shutdown.PhaseStorage), "timeout")))
}

// Mock implementations.

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) add(name string) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string{}, r.names...)
}

type mockHTTPServer struct {
	name  string
	err   error
	delay time.Duration
	rec   *recorder
}

func (m *mockHTTPServer) Name() string {
	return m.name
}

func (m *mockHTTPServer) Shutdown(_ context.Context) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.rec.add(m.name)

	return m.err
}

type mockCloser struct {
	name  string
	err   error
	delay time.Duration
	rec   *recorder
}

func (m *mockCloser) Close() error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.rec.add(m.name)

	return m.err
}

type mockStoppable struct {
	name string
	err  error
	rec  *recorder
}

func (m *mockStoppable) Stop() error {
	m.rec.add(m.name)

	return m.err
}

type mockDrainer struct {
	block bool
	rec   *recorder
}

func (m *mockDrainer) Close(ctx context.Context) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}

	m.rec.add("migrations")

	return nil
}
