package automation

import (
	"context"
	"log/slog"
	"time"
)

// QuotaPool resets expired daily quotas. *worker.Pool satisfies it.
type QuotaPool interface {
	ResetDailyQuotas(ctx context.Context) int
}

// QuotaResetter re-opens worker endpoints whose daily quota window rolled
// over. Windows end at UTC midnight; the tick bounds how long an expired
// window can linger.
type QuotaResetter struct {
	pool   QuotaPool
	tick   time.Duration
	logger *slog.Logger
}

// NewQuotaResetter builds the resetter. A non-positive tick means hourly.
func NewQuotaResetter(pool QuotaPool, tick time.Duration, logger *slog.Logger) *QuotaResetter {
	if tick <= 0 {
		tick = time.Hour
	}
	return &QuotaResetter{
		pool:   pool,
		tick:   tick,
		logger: logger.With("component", "quota_reset"),
	}
}

// Run resets immediately, then on every tick, until ctx is cancelled.
func (q *QuotaResetter) Run(ctx context.Context) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	q.reset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reset(ctx)
		}
	}
}

func (q *QuotaResetter) reset(ctx context.Context) {
	if n := q.pool.ResetDailyQuotas(ctx); n > 0 {
		q.logger.Info("daily quotas reset", "endpoints", n)
	}
}
