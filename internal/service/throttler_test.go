package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"api-guard/internal/model"
	"api-guard/internal/quota"
)

func seedOutcomes(t *testing.T, ledger *fakeLedger, userID string, total, rateLimited int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < total; i++ {
		ev := model.OutcomeEvent{
			UserID:    userID,
			Endpoint:  "/v2/people",
			Success:   true,
			Timestamp: time.Now().Add(-time.Duration(i) * time.Minute),
		}
		if i < rateLimited {
			ev.Success = false
			ev.StatusCode = 429
		}
		require.NoError(t, ledger.AppendOutcome(ctx, ev))
	}
}

func newTestThrottler(table *quota.Table, store *fakeStore, ledger *fakeLedger, recoveryTicks int) *Throttler {
	return NewThrottler(table, store, ledger, zap.NewNop(), time.Minute, 50, recoveryTicks)
}

func TestThrottler_HighErrorRateScalesDown(t *testing.T) {
	table := quota.NewTable()
	store := newFakeStore()
	ledger := newFakeLedger()
	store.users = []string{"user-1"}
	seedOutcomes(t, ledger, "user-1", 100, 10) // 10% rate-limit failures

	th := newTestThrottler(table, store, ledger, 10)
	th.Tick(context.Background())

	assert.Equal(t, 40, table.Resolve("/v2/people").RequestsPerHour)
	assert.Equal(t, 80, table.Global().MaxRequestsPerHour)
	assert.Equal(t, int64(2), table.Snapshot().Version)
}

func TestThrottler_MidBandLeavesQuotasAlone(t *testing.T) {
	table := quota.NewTable()
	store := newFakeStore()
	ledger := newFakeLedger()
	store.users = []string{"user-1"}
	seedOutcomes(t, ledger, "user-1", 100, 3) // 3%: between the bands

	th := newTestThrottler(table, store, ledger, 10)
	th.Tick(context.Background())

	assert.Equal(t, 50, table.Resolve("/v2/people").RequestsPerHour)
	assert.Equal(t, int64(1), table.Snapshot().Version)
}

func TestThrottler_RecoveryNeedsConsecutiveCleanTicks(t *testing.T) {
	table := quota.NewTable()
	store := newFakeStore()
	ledger := newFakeLedger()
	store.users = []string{"user-1"}
	seedOutcomes(t, ledger, "user-1", 100, 0)

	table.Scale(0.8) // a prior scale-down to recover from
	require.Equal(t, 40, table.Resolve("/v2/people").RequestsPerHour)

	th := newTestThrottler(table, store, ledger, 3)
	ctx := context.Background()

	th.Tick(ctx)
	th.Tick(ctx)
	assert.Equal(t, 40, table.Resolve("/v2/people").RequestsPerHour, "two clean ticks must not recover yet")

	th.Tick(ctx)
	assert.Equal(t, 44, table.Resolve("/v2/people").RequestsPerHour, "third clean tick grows quotas by 1.1x")
}

func TestThrottler_MidBandTickResetsCleanStreak(t *testing.T) {
	table := quota.NewTable()
	store := newFakeStore()
	ledger := newFakeLedger()
	store.users = []string{"user-1"}

	th := newTestThrottler(table, store, ledger, 3)
	ctx := context.Background()

	seedOutcomes(t, ledger, "user-1", 100, 0)
	th.Tick(ctx)
	th.Tick(ctx)

	// replace the window with a mid-band error rate
	ledger.outcomes = map[string][]model.OutcomeEvent{}
	seedOutcomes(t, ledger, "user-1", 100, 3)
	th.Tick(ctx)

	ledger.outcomes = map[string][]model.OutcomeEvent{}
	seedOutcomes(t, ledger, "user-1", 100, 0)
	th.Tick(ctx)
	th.Tick(ctx)
	assert.Equal(t, int64(1), table.Snapshot().Version, "streak restarted: still short of three clean ticks")

	th.Tick(ctx)
	assert.Equal(t, int64(2), table.Snapshot().Version)
}

func TestThrottler_DisabledAdaptiveIsNoOp(t *testing.T) {
	global := quota.DefaultGlobalQuota()
	global.AdaptiveEnabled = false
	table := quota.NewTableWith(quota.DefaultEndpointQuotas(), global)

	store := newFakeStore()
	ledger := newFakeLedger()
	store.users = []string{"user-1"}
	seedOutcomes(t, ledger, "user-1", 100, 50)

	th := newTestThrottler(table, store, ledger, 10)
	th.Tick(context.Background())

	assert.Equal(t, int64(1), table.Snapshot().Version)
}

func TestThrottler_NoTrafficIsNoOp(t *testing.T) {
	table := quota.NewTable()
	th := newTestThrottler(table, newFakeStore(), newFakeLedger(), 10)

	th.Tick(context.Background())
	assert.Equal(t, int64(1), table.Snapshot().Version)
}

func TestThrottler_SamplingFailureLeavesQuotasUntouched(t *testing.T) {
	table := quota.NewTable()
	store := newFakeStore()
	store.failWith = errors.New("connection refused")

	th := newTestThrottler(table, store, newFakeLedger(), 10)
	th.Tick(context.Background())

	assert.Equal(t, int64(1), table.Snapshot().Version)
}

func TestThrottler_ScaleDownFloorsAtOne(t *testing.T) {
	table := quota.NewTableWith([]model.EndpointQuota{
		{Endpoint: "/v2/ugcPosts", RequestsPerHour: 1, RequestsPerDay: 1, BurstLimit: 1},
	}, quota.DefaultGlobalQuota())
	store := newFakeStore()
	ledger := newFakeLedger()
	store.users = []string{"user-1"}
	seedOutcomes(t, ledger, "user-1", 100, 10)

	th := newTestThrottler(table, store, ledger, 10)
	for i := 0; i < 5; i++ {
		th.Tick(context.Background())
	}

	q := table.Resolve("/v2/ugcPosts")
	assert.Equal(t, 1, q.RequestsPerHour)
	assert.Equal(t, 1, q.BurstLimit)
	assert.GreaterOrEqual(t, table.Global().MaxRequestsPerHour, 10)
}

func TestThrottler_StopIsIdempotent(t *testing.T) {
	table := quota.NewTable()
	th := newTestThrottler(table, newFakeStore(), newFakeLedger(), 10)
	th.Start()
	th.Stop()
	th.Stop()
}
