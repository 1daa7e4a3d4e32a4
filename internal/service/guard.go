package service

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"api-guard/internal/quota"
)

// maxSleep caps every retry/backoff wait so a single call can never hang
// for more than a minute per attempt.
const maxSleep = 60 * time.Second

// dayRetryHint is surfaced on day-scoped exhaustion, which is never retried
// in-process.
const dayRetryHint = 24 * time.Hour

// Operation is the upstream call being guarded: an arbitrary callable
// returning a result or an error.
type Operation func(ctx context.Context) (interface{}, error)

// Guard wraps upstream calls with quota-check, outcome recording, and
// retry-with-backoff. It is the single entry point application code must
// use to reach the upstream API; bypassing it makes quota accounting
// meaningless.
type Guard struct {
	limiter *RateLimiter
	quotas  *quota.Table
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGuard(limiter *RateLimiter, quotas *quota.Table, logger *zap.Logger) *Guard {
	return &Guard{
		limiter: limiter,
		quotas:  quotas,
		logger:  logger,
		sleep:   ctxSleep,
	}
}

// Execute runs op through the guard with a typed result.
func Execute[T any](ctx context.Context, g *Guard, userID, endpoint string, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := g.Run(ctx, userID, endpoint, func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Run executes op under quota control. Per attempt: check quota, invoke,
// record the outcome, and retry with backoff when the failure is a
// rate-limit signal. Non-rate-limit upstream errors are re-raised unchanged
// after exactly one recording.
func (g *Guard) Run(ctx context.Context, userID, endpoint string, op Operation) (interface{}, error) {
	maxAttempts := g.quotas.Global().RetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		decision, err := g.limiter.CheckQuota(ctx, userID, endpoint)
		if err != nil {
			return nil, err
		}

		if !decision.Allowed() {
			if decision.RetryAfter == nil {
				// Day-scoped exhaustion: no in-process retry loop.
				return nil, &QuotaExceededError{
					Endpoint:   endpoint,
					Scope:      ScopeDay,
					RetryAfter: dayRetryHint,
				}
			}
			if attempt == maxAttempts {
				return nil, &QuotaExceededError{
					Endpoint:   endpoint,
					Scope:      decision.ExhaustedScope,
					RetryAfter: *decision.RetryAfter,
				}
			}

			wait := *decision.RetryAfter
			if wait > maxSleep {
				wait = maxSleep
			}
			g.logger.Debug("quota exhausted, waiting before retry",
				zap.String("user_id", userID),
				zap.String("endpoint", endpoint),
				zap.String("scope", decision.ExhaustedScope),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt))
			if err := g.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		result, opErr := op(ctx)
		if opErr == nil {
			if err := g.limiter.RecordUsage(ctx, userID, endpoint, true, 0); err != nil {
				// The upstream call happened; surfacing a store error here
				// would make the caller retry a succeeded operation.
				g.logger.Error("usage recording failed after successful call",
					zap.String("user_id", userID),
					zap.String("endpoint", endpoint),
					zap.Error(err))
			}
			return result, nil
		}

		statusCode := StatusCodeOf(opErr)
		if err := g.limiter.RecordUsage(ctx, userID, endpoint, false, statusCode); err != nil {
			g.logger.Error("usage recording failed after failed call",
				zap.String("user_id", userID),
				zap.String("endpoint", endpoint),
				zap.Error(err))
		}

		if IsRateLimitError(opErr) && attempt < maxAttempts {
			backoff := g.backoff(attempt)
			g.logger.Warn("upstream rate limit hit, backing off",
				zap.String("user_id", userID),
				zap.String("endpoint", endpoint),
				zap.Int("status_code", statusCode),
				zap.Duration("backoff", backoff),
				zap.Int("attempt", attempt))
			if err := g.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		}

		// Non-rate-limit upstream failures are never retried or interpreted.
		return nil, opErr
	}

	// Unreachable: every path above returns or continues to a final attempt.
	return nil, &QuotaExceededError{Endpoint: endpoint, Scope: ScopeHour, RetryAfter: time.Hour}
}

func (g *Guard) backoff(attempt int) time.Duration {
	multiplier := g.quotas.Global().BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	d := time.Duration(math.Pow(multiplier, float64(attempt)) * float64(time.Second))
	if d > maxSleep {
		d = maxSleep
	}
	return d
}

// ctxSleep waits for d or until the context is cancelled, so callers can
// abandon a stuck retry loop.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
