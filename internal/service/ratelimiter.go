package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"api-guard/internal/audit"
	"api-guard/internal/model"
	"api-guard/internal/quota"
)

// CounterStore is the shared atomic-counter backend. The Redis
// implementation lives in internal/repository/redis.
type CounterStore interface {
	IncrementUsage(ctx context.Context, userID, endpoint string) error
	UsageCounts(ctx context.Context, userID, endpoint string) (model.UsageCounts, error)
	HourlyCount(ctx context.Context, userID, endpoint string, at time.Time) (int64, error)
	DailyCount(ctx context.Context, userID, endpoint string, day time.Time) (int64, error)
	ResetUser(ctx context.Context, userID string) error
	KnownUsers(ctx context.Context, limit int) ([]string, error)
	ActiveUserCount(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Ledger is the append-only outcome/violation log.
type Ledger interface {
	AppendOutcome(ctx context.Context, event model.OutcomeEvent) error
	RecentOutcomes(ctx context.Context, userID string, limit int) ([]model.OutcomeEvent, error)
	AppendViolation(ctx context.Context, record model.ViolationRecord) error
	Violations(ctx context.Context, userID string) ([]model.ViolationRecord, error)
}

// RateLimiter computes remaining quota across the five enforced windows and
// records usage after every attempted upstream call.
type RateLimiter struct {
	store    CounterStore
	ledger   Ledger
	quotas   *quota.Table
	exporter *audit.Exporter
	logger   *zap.Logger
	now      func() time.Time
}

func NewRateLimiter(store CounterStore, ledger Ledger, quotas *quota.Table, exporter *audit.Exporter, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		store:    store,
		ledger:   ledger,
		quotas:   quotas,
		exporter: exporter,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckQuota is a pure read + compute over the five windows for one
// (user, endpoint) pair. It never blocks beyond store I/O and has no side
// effects. The read is not linearizable with concurrent RecordUsage calls;
// a decision may be based on slightly stale counts, which is an accepted
// tolerance in favor of availability.
func (rl *RateLimiter) CheckQuota(ctx context.Context, userID, endpoint string) (*model.RateLimitDecision, error) {
	if userID == "" || endpoint == "" {
		return nil, ErrInvalidInput
	}

	snap := rl.quotas.Snapshot()
	eq := snap.Resolve(endpoint)
	gq := snap.Global

	counts, err := rl.store.UsageCounts(ctx, userID, endpoint)
	if err != nil {
		// No fallback: a store outage blocks all calls rather than letting
		// them through unaccounted.
		return nil, &StoreError{Op: "check quota", Err: err}
	}

	at := rl.now()
	type window struct {
		scope     string
		remaining int
		resetIn   time.Duration
	}
	windows := []window{
		{ScopeHour, eq.RequestsPerHour - int(counts.EndpointHour), untilNextHour(at)},
		{ScopeDay, eq.RequestsPerDay - int(counts.EndpointDay), untilNextDay(at)},
		{ScopeHour, gq.MaxRequestsPerHour - int(counts.GlobalHour), untilNextHour(at)},
		{ScopeDay, gq.MaxRequestsPerDay - int(counts.GlobalDay), untilNextDay(at)},
		{ScopeBurst, eq.BurstLimit - int(counts.Burst), untilNextMinute(at)},
	}

	// Windows are AND-combined: any single exhausted window blocks.
	remaining := windows[0].remaining
	for _, w := range windows[1:] {
		if w.remaining < remaining {
			remaining = w.remaining
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	decision := &model.RateLimitDecision{
		Endpoint:  endpoint,
		Limit:     eq.RequestsPerHour,
		Remaining: remaining,
		ResetTime: at.Truncate(time.Hour).Add(time.Hour),
	}

	if remaining == 0 {
		// RetryAfter points at the nearest-expiring exhausted hour/burst
		// window. Daily-only exhaustion deliberately carries no RetryAfter;
		// callers infer the 24h horizon.
		var retryAfter time.Duration
		scope := ScopeDay
		for _, w := range windows {
			if w.remaining > 0 || w.scope == ScopeDay {
				continue
			}
			if retryAfter == 0 || w.resetIn < retryAfter {
				retryAfter = w.resetIn
				scope = w.scope
			}
		}
		decision.ExhaustedScope = scope
		if retryAfter > 0 {
			decision.RetryAfter = &retryAfter
		}
	}

	return decision, nil
}

// RecordUsage atomically bumps all five counters and appends an outcome
// event. Call it exactly once per real upstream attempt: skipping it leaks
// quota, calling it without an attempt corrupts accounting.
func (rl *RateLimiter) RecordUsage(ctx context.Context, userID, endpoint string, success bool, statusCode int) error {
	if userID == "" || endpoint == "" {
		return ErrInvalidInput
	}

	if err := rl.store.IncrementUsage(ctx, userID, endpoint); err != nil {
		return &StoreError{Op: "record usage", Err: err}
	}

	event := model.OutcomeEvent{
		UserID:     userID,
		Endpoint:   endpoint,
		Success:    success,
		Timestamp:  rl.now(),
		StatusCode: statusCode,
	}
	if err := rl.ledger.AppendOutcome(ctx, event); err != nil {
		// Counters already landed; the analytics sample just loses a point.
		rl.logger.Error("outcome event lost",
			zap.String("user_id", userID),
			zap.String("endpoint", endpoint),
			zap.Error(err))
	}

	rl.exporter.PublishOutcome(ctx, event)
	return nil
}

// UsageStatistics returns the per-endpoint and global usage snapshot for
// display and response headers.
func (rl *RateLimiter) UsageStatistics(ctx context.Context, userID string) (*model.UsageStatistics, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	snap := rl.quotas.Snapshot()
	at := rl.now()

	globalHour, err := rl.store.HourlyCount(ctx, userID, "global", at)
	if err != nil {
		return nil, &StoreError{Op: "usage statistics", Err: err}
	}
	globalDay, err := rl.store.DailyCount(ctx, userID, "global", at)
	if err != nil {
		return nil, &StoreError{Op: "usage statistics", Err: err}
	}

	stats := &model.UsageStatistics{
		UserID:    userID,
		Global:    usageRow("global", globalHour, globalDay, snap.Global.MaxRequestsPerHour, snap.Global.MaxRequestsPerDay),
		Timestamp: at,
	}

	for _, eq := range snap.Endpoints {
		hourly, err := rl.store.HourlyCount(ctx, userID, eq.Endpoint, at)
		if err != nil {
			return nil, &StoreError{Op: "usage statistics", Err: err}
		}
		daily, err := rl.store.DailyCount(ctx, userID, eq.Endpoint, at)
		if err != nil {
			return nil, &StoreError{Op: "usage statistics", Err: err}
		}
		stats.Endpoints = append(stats.Endpoints, usageRow(eq.Endpoint, hourly, daily, eq.RequestsPerHour, eq.RequestsPerDay))
	}

	return stats, nil
}

// ResetUserRateLimits clears all counters for one user. Administrative
// override only.
func (rl *RateLimiter) ResetUserRateLimits(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	if err := rl.store.ResetUser(ctx, userID); err != nil {
		return &StoreError{Op: "reset user", Err: err}
	}
	return nil
}

// HealthStatus reports store connectivity and a rough active-user count.
func (rl *RateLimiter) HealthStatus(ctx context.Context) *model.HealthStatus {
	status := &model.HealthStatus{
		Healthy:   true,
		Store:     "connected",
		CheckedAt: rl.now(),
	}

	if err := rl.store.Ping(ctx); err != nil {
		status.Healthy = false
		status.Store = "unreachable"
		return status
	}

	if count, err := rl.store.ActiveUserCount(ctx); err == nil {
		status.ActiveUsers = count
	}
	return status
}

func usageRow(endpoint string, hourly, daily int64, hourLimit, dayLimit int) model.EndpointUsage {
	return model.EndpointUsage{
		Endpoint:        endpoint,
		HourlyUsage:     hourly,
		DailyUsage:      daily,
		HourlyLimit:     hourLimit,
		DailyLimit:      dayLimit,
		HourlyRemaining: clampNonNegative(hourLimit - int(hourly)),
		DailyRemaining:  clampNonNegative(dayLimit - int(daily)),
	}
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func untilNextHour(at time.Time) time.Duration {
	return at.Truncate(time.Hour).Add(time.Hour).Sub(at)
}

func untilNextMinute(at time.Time) time.Duration {
	return at.Truncate(time.Minute).Add(time.Minute).Sub(at)
}

func untilNextDay(at time.Time) time.Duration {
	utc := at.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(utc)
}
