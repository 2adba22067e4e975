// Package health reports whether assetbridge can do its job.
//
// Three probes feed the status:
//
//   - ledger: the migration ledger answers (critical)
//   - storage: the object store answers; when it does not, the proxy still
//     serves placeholders, so the service is only degraded
//   - backlog: FAILED ledger records mean some assets currently resolve to
//     placeholders; reported as degraded until a reconcile run clears them
//
// Endpoints: /health/live (process up), /health/ready (ledger reachable) and
// /health (every probe, JSON).
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

// Status is a probe or overall verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// probeKey is looked up in the DEFAULT bucket to prove storage is reachable.
// Its absence is fine; only the error matters.
const probeKey = "placeholders/.health-probe"

// Check is one probe result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the combined result of all probes.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Ledger is the part of the migration ledger the probes use.
type Ledger interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (ledger.Stats, error)
}

type probe struct {
	name string
	run  func(ctx context.Context) Check
}

// Checker runs the probes and caches the combined result briefly.
type Checker struct {
	ledger  Ledger
	storage backend.Backend
	probes  []probe

	checkTimeout time.Duration

	mu       sync.Mutex
	cacheTTL time.Duration
	cached   *HealthStatus
	expires  time.Time
}

// NewChecker creates a checker over the ledger and storage backend.
func NewChecker(l Ledger, storage backend.Backend) *Checker {
	c := &Checker{
		ledger:       l,
		storage:      storage,
		checkTimeout: 3 * time.Second,
		cacheTTL:     5 * time.Second,
	}

	c.probes = []probe{
		{name: "ledger", run: c.CheckLedger},
		{name: "storage", run: c.CheckStorage},
		{name: "backlog", run: c.CheckBacklog},
	}

	return c
}

// SetCacheTTL changes how long a combined status is reused. Zero disables caching.
func (c *Checker) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheTTL = ttl
	c.cached = nil
}

// Check runs every probe in parallel and returns the combined status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.Lock()
	if c.cached != nil && time.Now().Before(c.expires) {
		cached := c.cached
		c.mu.Unlock()

		return cached
	}
	c.mu.Unlock()

	results := make([]Check, len(c.probes))

	var wg sync.WaitGroup

	for i, p := range c.probes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
			defer cancel()

			results[i] = p.run(pctx)
		}()
	}

	wg.Wait()

	status := &HealthStatus{
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(c.probes)),
		Status:    StatusHealthy,
	}

	for i, p := range c.probes {
		status.Checks[p.name] = results[i]
	}

	status.Status = determineOverallStatus(status.Checks)

	if status.Status != StatusHealthy {
		log.Warn().Interface("checks", status.Checks).Msg("Health check not healthy")
	}

	c.mu.Lock()
	if c.cacheTTL > 0 {
		c.cached = status
		c.expires = time.Now().Add(c.cacheTTL)
	}
	c.mu.Unlock()

	return status
}

// CheckLedger pings the migration ledger.
func (c *Checker) CheckLedger(ctx context.Context) Check {
	if c.ledger == nil {
		return Check{Status: StatusUnhealthy, Message: "ledger not initialized"}
	}

	if err := c.ledger.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Message: "ledger check failed: " + err.Error()}
	}

	return Check{Status: StatusHealthy, Message: "ledger is operational"}
}

// CheckStorage issues an existence check against the DEFAULT bucket.
func (c *Checker) CheckStorage(ctx context.Context) Check {
	if c.storage == nil {
		return Check{Status: StatusUnhealthy, Message: "storage backend not initialized"}
	}

	if _, err := c.storage.ObjectExists(ctx, bucket.Default, probeKey); err != nil {
		return Check{Status: StatusDegraded, Message: "storage check failed: " + err.Error()}
	}

	return Check{Status: StatusHealthy, Message: "storage is operational"}
}

// CheckBacklog reports the ledger's pending and failed counts.
func (c *Checker) CheckBacklog(ctx context.Context) Check {
	if c.ledger == nil {
		return Check{Status: StatusUnhealthy, Message: "ledger not initialized"}
	}

	stats, err := c.ledger.Stats(ctx)
	if err != nil {
		return Check{Status: StatusDegraded, Message: "ledger stats unavailable: " + err.Error()}
	}

	msg := fmt.Sprintf("%d pending, %d failed, %d migrated", stats.Pending, stats.Failed, stats.Migrated)
	if stats.Failed > 0 {
		return Check{Status: StatusDegraded, Message: msg}
	}

	return Check{Status: StatusHealthy, Message: msg}
}

// IsReady reports whether the ledger is reachable.
func (c *Checker) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	return c.CheckLedger(ctx).Status == StatusHealthy
}

func determineOverallStatus(checks map[string]Check) Status {
	worst := StatusHealthy

	for _, check := range checks {
		if check.Status.severity() > worst.severity() {
			worst = check.Status
		}
	}

	return worst
}

// Handler serves the health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler answers as long as the process serves HTTP.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessHandler answers 503 while the ledger is unreachable.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// DetailedHandler reports every probe. Degraded still answers 200.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
