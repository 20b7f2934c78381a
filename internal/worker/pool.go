package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IshaanNene/Dragnet/internal/types"
)

// Config tunes pool scheduling and health behavior.
type Config struct {
	HealthCheckInterval time.Duration // background re-probe cadence
	UnhealthyThreshold  float64       // error-rate percentage that trips unhealthy
	CooldownPeriod      time.Duration // minimum wait before re-probing an unhealthy endpoint
	RateLimitCooldown   time.Duration // how long a rate-limited endpoint sits out
	DailyQuota          int64         // default per-endpoint daily URL budget
	CallTimeout         time.Duration // overall deadline for one batch call
}

// DefaultConfig returns the stock pool tuning.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 60 * time.Second,
		UnhealthyThreshold:  90.0,
		CooldownPeriod:      300 * time.Second,
		RateLimitCooldown:   60 * time.Second,
		DailyQuota:          100000,
		CallTimeout:         10 * time.Second,
	}
}

// QuotaState is the persisted slice of an endpoint's quota accounting.
type QuotaState struct {
	DailyUsage   int64
	DailyQuota   int64
	QuotaResetAt time.Time
}

// QuotaStore persists per-endpoint quota state across restarts. Load
// returns nil when no state is stored for the worker.
type QuotaStore interface {
	LoadQuota(ctx context.Context, workerID string) (*QuotaState, error)
	SaveQuota(ctx context.Context, workerID, workerURL string, state QuotaState) error
}

// Endpoint is the pool's view of one remote worker.
type Endpoint struct {
	ID                  string    `json:"id"`
	URL                 string    `json:"url"`
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	SuccessCount        int64     `json:"success_count"`
	ErrorCount          int64     `json:"error_count"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	RateLimitedUntil    time.Time `json:"rate_limited_until"`
	DailyQuota          int64     `json:"daily_quota"`
	DailyUsage          int64     `json:"daily_usage"`
	QuotaResetAt        time.Time `json:"quota_reset_at"`
	PermanentlyDisabled bool      `json:"permanently_disabled"`
	DisabledReason      string    `json:"disabled_reason,omitempty"`
}

// ErrorRate returns the endpoint's failure percentage over recorded calls.
func (e *Endpoint) ErrorRate() float64 {
	total := e.SuccessCount + e.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(e.ErrorCount) / float64(total) * 100
}

// QuotaExhausted reports whether the endpoint spent its daily budget.
func (e *Endpoint) QuotaExhausted() bool {
	return e.DailyUsage >= e.DailyQuota
}

// Pool manages worker endpoints: rotation, health accounting, rate-limit
// cooldowns, and persistent daily quotas.
type Pool struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	clients   map[string]*Client
	index     int64
	cfg       Config
	store     QuotaStore
	logger    *slog.Logger
}

// NewPool creates an empty pool. store may be nil for ephemeral quota
// accounting (tests).
func NewPool(cfg Config, store QuotaStore, logger *slog.Logger) *Pool {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 60 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 90.0
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 300 * time.Second
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 60 * time.Second
	}
	if cfg.DailyQuota <= 0 {
		cfg.DailyQuota = 100000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Pool{
		clients: make(map[string]*Client),
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "worker_pool"),
	}
}

// endpointID derives a stable identifier from the worker URL host. Hosts
// that cannot be extracted fall back to a random token.
func endpointID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return uuid.NewString()
	}
	return strings.ReplaceAll(u.Host, ".", "_")
}

// AddEndpoint registers a worker URL. Only https endpoints are accepted.
// Adding a URL that is already registered is a no-op and returns the
// existing endpoint.
func (p *Pool) AddEndpoint(ctx context.Context, rawURL string) (Endpoint, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return Endpoint{}, types.ErrInvalidWorkerURL
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.endpoints {
		if e.URL == rawURL {
			return *e, nil
		}
	}

	now := time.Now().UTC()
	e := &Endpoint{
		ID:           endpointID(rawURL),
		URL:          rawURL,
		Healthy:      true,
		DailyQuota:   p.cfg.DailyQuota,
		QuotaResetAt: nextUTCMidnight(now),
	}

	if p.store != nil {
		state, err := p.store.LoadQuota(ctx, e.ID)
		if err != nil {
			p.logger.Warn("quota state load failed", "worker", e.ID, "error", err)
		} else if state != nil {
			e.DailyUsage = state.DailyUsage
			if state.DailyQuota > 0 {
				e.DailyQuota = state.DailyQuota
			}
			e.QuotaResetAt = state.QuotaResetAt
			// Stored state from a previous day starts fresh.
			if !now.Before(e.QuotaResetAt) {
				e.DailyUsage = 0
				e.QuotaResetAt = nextUTCMidnight(now)
			}
		}
		p.persistQuotaLocked(ctx, e)
	}

	p.endpoints = append(p.endpoints, e)
	p.clients[e.ID] = NewClient(e.ID, e.URL, p.cfg.CallTimeout, p.logger)
	p.logger.Info("worker added", "worker", e.ID, "url", e.URL, "quota", e.DailyQuota)
	return *e, nil
}

// RemoveEndpoint drops a worker from the pool.
func (p *Pool) RemoveEndpoint(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.endpoints {
		if e.ID == id {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			delete(p.clients, id)
			p.logger.Info("worker removed", "worker", id)
			return true
		}
	}
	return false
}

// Select returns the next available endpoint round-robin, with its client.
// An endpoint is available when it is not permanently disabled, is healthy,
// has daily quota left, and is not cooling down from a rate limit.
func (p *Pool) Select() (Endpoint, *Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.availableLocked(time.Now())
	if len(available) == 0 {
		return Endpoint{}, nil, false
	}
	e := available[p.index%int64(len(available))]
	p.index++
	return *e, p.clients[e.ID], true
}

func (p *Pool) availableLocked(now time.Time) []*Endpoint {
	available := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.PermanentlyDisabled || !e.Healthy || e.QuotaExhausted() {
			continue
		}
		if !e.RateLimitedUntil.IsZero() && now.Before(e.RateLimitedUntil) {
			continue
		}
		available = append(available, e)
	}
	return available
}

// RecordSuccess credits a completed batch call.
func (p *Pool) RecordSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(id)
	if e == nil {
		return
	}
	e.SuccessCount++
	e.ConsecutiveFailures = 0
	e.LastCheck = time.Now()
	if !e.Healthy && !e.PermanentlyDisabled && e.ErrorRate() < p.cfg.UnhealthyThreshold {
		e.Healthy = true
		p.logger.Info("worker recovered", "worker", id, "error_rate", e.ErrorRate())
	}
}

// RecordFailure debits a failed batch call. Counters rescale once their sum
// passes 100 so old history decays, and the endpoint goes unhealthy when
// its error rate reaches the threshold.
func (p *Pool) RecordFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(id)
	if e == nil {
		return
	}
	e.ErrorCount++
	e.ConsecutiveFailures++
	e.LastCheck = time.Now()

	if total := e.SuccessCount + e.ErrorCount; total > 100 {
		rescaled := int64(float64(e.SuccessCount) / float64(total) * 50)
		e.SuccessCount = rescaled
		e.ErrorCount = 50 - rescaled
	}

	if e.Healthy && e.ErrorRate() >= p.cfg.UnhealthyThreshold {
		e.Healthy = false
		p.logger.Warn("worker marked unhealthy",
			"worker", id,
			"error_rate", e.ErrorRate(),
			"consecutive_failures", e.ConsecutiveFailures,
		)
	}
}

// RecordRateLimit puts an endpoint on rate-limit cooldown.
func (p *Pool) RecordRateLimit(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(id)
	if e == nil {
		return
	}
	e.RateLimitedUntil = time.Now().Add(p.cfg.RateLimitCooldown)
	p.logger.Warn("worker rate limited", "worker", id, "until", e.RateLimitedUntil)
}

// DisablePermanently takes an endpoint out of rotation until an operator
// re-enables it. Used when a worker reports a block signal.
func (p *Pool) DisablePermanently(id, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(id)
	if e == nil {
		return
	}
	e.PermanentlyDisabled = true
	e.Healthy = false
	e.DisabledReason = reason
	p.logger.Warn("worker permanently disabled", "worker", id, "reason", reason)
}

// Enable clears a permanent disable and returns the endpoint to rotation.
func (p *Pool) Enable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(id)
	if e == nil {
		return false
	}
	e.PermanentlyDisabled = false
	e.DisabledReason = ""
	e.Healthy = true
	e.ConsecutiveFailures = 0
	p.logger.Info("worker re-enabled", "worker", id)
	return true
}

// IncrementUsage charges n URLs against the endpoint's daily quota and
// persists the new state. Hitting the quota turns the endpoint unhealthy
// until the next reset; the return reports that transition.
func (p *Pool) IncrementUsage(ctx context.Context, id string, n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(id)
	if e == nil {
		return false
	}
	e.DailyUsage += int64(n)
	p.persistQuotaLocked(ctx, e)
	if e.QuotaExhausted() && e.Healthy {
		e.Healthy = false
		p.logger.Warn("worker daily quota exhausted",
			"worker", id,
			"usage", e.DailyUsage,
			"quota", e.DailyQuota,
		)
		return true
	}
	return false
}

// ResetDailyQuotas zeroes usage for every endpoint whose reset time has
// passed, advances the reset to the next UTC midnight, and restores health
// unless the endpoint is permanently disabled. Returns how many endpoints
// were reset.
func (p *Pool) ResetDailyQuotas(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	reset := 0
	for _, e := range p.endpoints {
		if now.Before(e.QuotaResetAt) {
			continue
		}
		e.DailyUsage = 0
		e.QuotaResetAt = nextUTCMidnight(now)
		if !e.PermanentlyDisabled {
			e.Healthy = true
		}
		p.persistQuotaLocked(ctx, e)
		reset++
	}
	if reset > 0 {
		p.logger.Info("daily quotas reset", "workers", reset)
	}
	return reset
}

// HasAvailable reports whether any endpoint could serve a batch right now.
func (p *Pool) HasAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.availableLocked(time.Now())) > 0
}

// Size returns the number of registered endpoints.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Snapshot returns a copy of every endpoint for status APIs.
func (p *Pool) Snapshot() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Endpoint, len(p.endpoints))
	for i, e := range p.endpoints {
		out[i] = *e
	}
	return out
}

// Client returns the batch client for an endpoint, or nil if unknown.
func (p *Pool) Client(id string) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[id]
}

// RunHealthChecks re-probes unhealthy endpoints on the configured interval
// until the context is cancelled.
func (p *Pool) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckUnhealthy(ctx)
		}
	}
}

// CheckUnhealthy health-checks endpoints that are down but eligible for
// recovery: not permanently disabled, not quota-exhausted, and past the
// cooldown period since their last check.
func (p *Pool) CheckUnhealthy(ctx context.Context) {
	p.mu.RLock()
	candidates := make([]*Endpoint, 0, len(p.endpoints))
	now := time.Now()
	for _, e := range p.endpoints {
		if e.Healthy || e.PermanentlyDisabled || e.QuotaExhausted() {
			continue
		}
		if now.Sub(e.LastCheck) < p.cfg.CooldownPeriod {
			continue
		}
		candidates = append(candidates, e)
	}
	clients := make([]*Client, len(candidates))
	for i, e := range candidates {
		clients[i] = p.clients[e.ID]
	}
	p.mu.RUnlock()

	for i, e := range candidates {
		if clients[i] == nil {
			continue
		}
		err := clients[i].HealthCheck(ctx)
		if err == nil {
			p.markHealthy(e.ID)
			continue
		}
		var werr *types.WorkerError
		if errors.As(err, &werr) && werr.IsBlock() {
			p.DisablePermanently(e.ID, string(werr.Reason))
			continue
		}
		p.touch(e.ID)
		p.logger.Debug("health check failed", "worker", e.ID, "error", err)
	}
}

func (p *Pool) markHealthy(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(id)
	if e == nil {
		return
	}
	e.Healthy = true
	e.ConsecutiveFailures = 0
	e.LastCheck = time.Now()
	p.logger.Info("worker passed health check", "worker", id)
}

func (p *Pool) touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.findLocked(id); e != nil {
		e.LastCheck = time.Now()
	}
}

func (p *Pool) findLocked(id string) *Endpoint {
	for _, e := range p.endpoints {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// persistQuotaLocked writes quota state through the store. Failures are
// logged, not fatal; in-memory accounting stays authoritative.
func (p *Pool) persistQuotaLocked(ctx context.Context, e *Endpoint) {
	if p.store == nil {
		return
	}
	state := QuotaState{
		DailyUsage:   e.DailyUsage,
		DailyQuota:   e.DailyQuota,
		QuotaResetAt: e.QuotaResetAt,
	}
	if err := p.store.SaveQuota(ctx, e.ID, e.URL, state); err != nil {
		p.logger.Warn("quota state save failed", "worker", e.ID, "error", err)
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
