package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"api-guard/internal/quota"
)

const (
	scaleDownFactor = 0.8
	scaleUpFactor   = 1.1

	// Error-rate bands: above the high mark quotas tighten immediately;
	// below the low mark the tick counts as clean.
	highErrorRate = 0.05
	lowErrorRate  = 0.01

	outcomesPerUserSample = 100
)

// Throttler periodically samples recent outcome analytics and scales the
// quota table globally. Scale-down is a one-shot multiplicative correction;
// recovery is deterministic — quotas grow only after RecoveryTicks
// consecutive clean intervals, replacing the cautious-but-random recovery
// the behavior was derived from.
type Throttler struct {
	quotas   *quota.Table
	store    CounterStore
	ledger   Ledger
	logger   *zap.Logger
	interval time.Duration

	sampleUsers   int
	recoveryTicks int
	cleanTicks    int

	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewThrottler(quotas *quota.Table, store CounterStore, ledger Ledger, logger *zap.Logger, interval time.Duration, sampleUsers, recoveryTicks int) *Throttler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if sampleUsers <= 0 {
		sampleUsers = 50
	}
	if recoveryTicks <= 0 {
		recoveryTicks = 10
	}
	return &Throttler{
		quotas:        quotas,
		store:         store,
		ledger:        ledger,
		logger:        logger,
		interval:      interval,
		sampleUsers:   sampleUsers,
		recoveryTicks: recoveryTicks,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the background loop. Independent of request traffic.
func (t *Throttler) Start() {
	t.startOnce.Do(func() {
		t.started = true
		go func() {
			defer close(t.done)
			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), t.interval/2)
					t.Tick(ctx)
					cancel()
				case <-t.stop:
					return
				}
			}
		}()
		t.logger.Info("adaptive throttler started",
			zap.Duration("interval", t.interval),
			zap.Int("sample_users", t.sampleUsers),
			zap.Int("recovery_ticks", t.recoveryTicks))
	})
}

// Stop halts the loop and waits for the current tick to finish. Safe to call
// on a throttler that was never started.
func (t *Throttler) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.started {
			<-t.done
		}
	})
}

// Tick runs one sampling/adjustment pass. Exported so tests can drive the
// throttler without the ticker.
func (t *Throttler) Tick(ctx context.Context) {
	if !t.quotas.Global().AdaptiveEnabled {
		return
	}

	total, rateLimited, err := t.sampleOutcomes(ctx)
	if err != nil {
		t.logger.Warn("throttler sampling failed, leaving quotas untouched", zap.Error(err))
		return
	}
	if total == 0 {
		return
	}

	errorRate := float64(rateLimited) / float64(total)

	switch {
	case errorRate > highErrorRate:
		t.cleanTicks = 0
		snap := t.quotas.Scale(scaleDownFactor)
		t.logger.Warn("error rate high, quotas scaled down",
			zap.Float64("error_rate", errorRate),
			zap.Int("sampled_attempts", total),
			zap.Int64("quota_version", snap.Version))
	case errorRate < lowErrorRate:
		t.cleanTicks++
		if t.cleanTicks >= t.recoveryTicks {
			t.cleanTicks = 0
			snap := t.quotas.Scale(scaleUpFactor)
			t.logger.Info("sustained clean interval, quotas recovered",
				zap.Float64("error_rate", errorRate),
				zap.Int64("quota_version", snap.Version))
		}
	default:
		// Mid-band: neither tighten nor count toward recovery.
		t.cleanTicks = 0
	}
}

// sampleOutcomes gathers a bounded set of recent per-user outcome logs and
// counts rate-limit failures (upstream 429/999) against total attempts.
func (t *Throttler) sampleOutcomes(ctx context.Context) (total, rateLimited int, err error) {
	users, err := t.store.KnownUsers(ctx, t.sampleUsers)
	if err != nil {
		return 0, 0, err
	}

	for _, userID := range users {
		outcomes, err := t.ledger.RecentOutcomes(ctx, userID, outcomesPerUserSample)
		if err != nil {
			t.logger.Debug("skipping user in throttler sample",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		for _, ev := range outcomes {
			total++
			if !ev.Success && (ev.StatusCode == 429 || ev.StatusCode == 999) {
				rateLimited++
			}
		}
	}
	return total, rateLimited, nil
}
