package governor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/observability"
	"github.com/kursadbilgin/notify-router/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 60 * time.Second
	maxRetryJitterMillis = 250
)

type Option func(*Governor)

func WithBackoff(base, max time.Duration) Option {
	return func(g *Governor) {
		if base > 0 {
			g.baseDelay = base
		}
		if max > 0 {
			g.maxDelay = max
		}
	}
}

// WithRand replaces the jitter source.
func WithRand(intn func(n int) int) Option {
	return func(g *Governor) {
		if intn != nil {
			g.randIntn = intn
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Governor) {
		g.metrics = metrics
	}
}

// Governor gates delivery attempts: it enforces per-provider rate limits and
// decides whether a failed attempt may be retried.
type Governor struct {
	limiter   ratelimit.RateLimiter
	logger    *zap.Logger
	metrics   *observability.Metrics
	baseDelay time.Duration
	maxDelay  time.Duration
	randIntn  func(n int) int
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(limiter ratelimit.RateLimiter, logger *zap.Logger, opts ...Option) (*Governor, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Governor{
		limiter:   limiter,
		logger:    logger,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		randIntn:  rand.Intn,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.maxDelay < g.baseDelay {
		g.maxDelay = g.baseDelay
	}

	return g, nil
}

// Admit reserves one attempt against the provider's per-minute quota.
// A failing limiter backend admits the attempt.
func (g *Governor) Admit(ctx context.Context, p domain.Provider) error {
	allowed, err := g.limiter.Allow(ctx, p.Key, p.Limits.RateLimitPerMinute)
	if err != nil {
		g.logger.Warn("rate limiter unavailable, admitting attempt",
			zap.String("providerKey", p.Key),
			zap.Error(err),
		)
		return nil
	}
	if !allowed {
		g.metrics.IncRateLimited(p.Key)
		return fmt.Errorf("provider %s exceeded %d/min: %w", p.Key, p.Limits.RateLimitPerMinute, domain.ErrRateLimited)
	}
	return nil
}

// ShouldRetry reports whether another attempt may be made against the same
// provider. candidateRetries counts retries already spent on that provider and
// totalRetries counts every send after the first across the chain. providerMax
// caps the former, groupMax the latter.
func ShouldRetry(candidateRetries, totalRetries, providerMax, groupMax int) bool {
	if providerMax <= 0 || groupMax <= 0 {
		return false
	}
	return candidateRetries < providerMax && totalRetries < groupMax
}

// HasBudget reports whether the chain still has retries left for a failover.
func HasBudget(totalRetries, groupMax int) bool {
	return totalRetries < groupMax
}

// Backoff returns base*2^attempt capped at the configured maximum, plus up to
// 250ms of jitter. attempt is zero-based.
func (g *Governor) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := g.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= g.maxDelay {
			delay = g.maxDelay
			break
		}
	}
	if delay > g.maxDelay {
		delay = g.maxDelay
	}

	jitterMillis := 0
	if g.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = g.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

// Wait blocks for d or until ctx is done.
func (g *Governor) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return g.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
