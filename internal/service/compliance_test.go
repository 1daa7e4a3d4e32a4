package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"api-guard/internal/model"
	"api-guard/internal/quota"
)

func newTestScorer(store *fakeStore, ledger *fakeLedger) *ComplianceScorer {
	return NewComplianceScorer(store, ledger, quota.NewTable(), nil, zap.NewNop())
}

func TestComplianceStatus_FreshUserIsCompliant(t *testing.T) {
	s := newTestScorer(newFakeStore(), newFakeLedger())
	at := time.Now()
	s.now = func() time.Time { return at }

	status, err := s.ComplianceStatus(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 100, status.Score)
	assert.Equal(t, model.StateCompliant, status.Status)
	assert.Empty(t, status.RiskFactors)
	assert.Equal(t, at, status.NextAllowedAction, "perfect score carries no cooldown")
	assert.Equal(t, 100.0, status.SafetyMetrics.VelocityScore)
	assert.Equal(t, 100.0, status.SafetyMetrics.ComplianceHistory)
}

func TestComplianceStatus_EmptyUserRejected(t *testing.T) {
	s := newTestScorer(newFakeStore(), newFakeLedger())

	_, err := s.ComplianceStatus(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestComplianceStatus_ViolationHistoryPenalty(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	s := newTestScorer(store, ledger)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordViolation(ctx, "user-1", "quota_abuse", "test"))
	}

	status, err := s.ComplianceStatus(ctx, "user-1")
	require.NoError(t, err)

	// 100 - 15*3 = 55 history score, below the 80 mark: -20 points
	assert.Equal(t, 55.0, status.SafetyMetrics.ComplianceHistory)
	assert.Equal(t, 80, status.Score)
	assert.Equal(t, model.StateCompliant, status.Status)
	assert.NotEmpty(t, status.RiskFactors)
}

func TestComplianceStatus_DailyUtilizationPenalty(t *testing.T) {
	store := newFakeStore()
	s := newTestScorer(store, newFakeLedger())

	// 450 of the 500 global daily budget: 90% > 80% threshold
	store.setCounts("user-1", "/v2/people", model.UsageCounts{GlobalDay: 450})

	status, err := s.ComplianceStatus(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 70, status.Score)
	assert.Equal(t, model.StateCompliant, status.Status)
	require.NotEmpty(t, status.Recommendations)
	assert.Contains(t, status.Recommendations[0], "pause")
}

func TestComplianceStatus_StackedPenaltiesDropBand(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	s := newTestScorer(store, ledger)
	ctx := context.Background()

	store.setCounts("user-1", "/v2/people", model.UsageCounts{GlobalDay: 450, GlobalHour: 90})
	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordViolation(ctx, "user-1", "pattern_anomaly", "test"))
	}

	// -30 daily, -20 hourly, -20 history = 30: VIOLATION band, 4h cooldown
	at := time.Now()
	s.now = func() time.Time { return at }

	status, err := s.ComplianceStatus(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 30, status.Score)
	assert.Equal(t, model.StateViolation, status.Status)
	assert.Equal(t, at.Add(4*time.Hour), status.NextAllowedAction)
}

func TestVelocityScore(t *testing.T) {
	assert.Equal(t, 100.0, velocityScore(0, 0), "no traffic, no penalty")
	assert.Equal(t, 100.0, velocityScore(500, 0), "no baseline yesterday, no penalty")
	assert.Equal(t, 100.0, velocityScore(200, 100), "doubling is tolerated")
	assert.Equal(t, 20.0, velocityScore(400, 100), "3x growth: (3-1)*40 = 80 penalty")
	assert.Equal(t, 20.0, velocityScore(5000, 100), "penalty caps at 80")
}

func TestPatternScore(t *testing.T) {
	at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

	quiet := eventsAtHours(at, map[int]int{9: 5})
	assert.Equal(t, 100.0, patternScore(quiet, at), "10 or fewer requests score clean")

	concentrated := eventsAtHours(at, map[int]int{14: 30})
	// fewer than 3 active hours and one hour above 50% of the day
	assert.Equal(t, 40.0, patternScore(concentrated, at))

	spread := eventsAtHours(at, map[int]int{9: 6, 11: 6, 13: 6, 15: 6, 17: 6})
	assert.Equal(t, 100.0, patternScore(spread, at))

	yesterday := eventsAtHours(at.Add(-24*time.Hour), map[int]int{14: 30})
	assert.Equal(t, 100.0, patternScore(yesterday, at), "only today's events count")
}

func eventsAtHours(day time.Time, perHour map[int]int) []model.OutcomeEvent {
	var events []model.OutcomeEvent
	base := day.Truncate(24 * time.Hour)
	for hour, count := range perHour {
		for i := 0; i < count; i++ {
			events = append(events, model.OutcomeEvent{
				Timestamp: base.Add(time.Duration(hour)*time.Hour + time.Duration(i)*time.Second),
			})
		}
	}
	return events
}

func TestHistoryScore(t *testing.T) {
	assert.Equal(t, 100.0, historyScore(0))
	assert.Equal(t, 85.0, historyScore(1))
	assert.Equal(t, 55.0, historyScore(3))
	assert.Equal(t, 0.0, historyScore(7), "floors at zero")
}

func TestTimingRisk(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 0.0, timingRisk(eventsSpaced(now, 4, time.Minute)), "insufficient samples")

	// machine-regular 60s spacing: zero variance
	assert.Equal(t, 0.8, timingRisk(eventsSpaced(now, 10, time.Minute)))

	// rapid-fire: mean spacing well under 30s
	rapid := timingRisk(eventsSpaced(now, 10, 5*time.Second))
	assert.GreaterOrEqual(t, rapid, 0.7)

	// irregular human-looking spacing
	irregular := []model.OutcomeEvent{}
	ts := now
	for _, gap := range []time.Duration{2 * time.Minute, 11 * time.Minute, 40 * time.Second, 25 * time.Minute, 3 * time.Minute, 90 * time.Second, 17 * time.Minute} {
		irregular = append(irregular, model.OutcomeEvent{Timestamp: ts})
		ts = ts.Add(-gap)
	}
	irregular = append(irregular, model.OutcomeEvent{Timestamp: ts})
	assert.Equal(t, 0.25, timingRisk(irregular))
}

// eventsSpaced builds n events, newest first, separated by gap.
func eventsSpaced(newest time.Time, n int, gap time.Duration) []model.OutcomeEvent {
	events := make([]model.OutcomeEvent, n)
	for i := range events {
		events[i] = model.OutcomeEvent{Timestamp: newest.Add(-time.Duration(i) * gap)}
	}
	return events
}

func TestRecordViolation_SeverityMapping(t *testing.T) {
	ledger := newFakeLedger()
	s := newTestScorer(newFakeStore(), ledger)
	ctx := context.Background()

	require.NoError(t, s.RecordViolation(ctx, "user-1", "account_restriction", "flagged upstream"))
	require.NoError(t, s.RecordViolation(ctx, "user-1", "quota_abuse", ""))
	require.NoError(t, s.RecordViolation(ctx, "user-1", "something_else", ""))

	records, err := s.Violations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	// newest first
	assert.Equal(t, "low", records[0].Severity)
	assert.Equal(t, "medium", records[1].Severity)
	assert.Equal(t, "high", records[2].Severity)
	for _, r := range records {
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, "user-1", r.UserID)
	}
}

func TestRecordViolation_RejectsMissingFields(t *testing.T) {
	s := newTestScorer(newFakeStore(), newFakeLedger())

	assert.ErrorIs(t, s.RecordViolation(context.Background(), "", "quota_abuse", ""), ErrInvalidInput)
	assert.ErrorIs(t, s.RecordViolation(context.Background(), "user-1", "", ""), ErrInvalidInput)
}

func TestComplianceReport_AggregatesSampledUsers(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	s := newTestScorer(store, ledger)
	ctx := context.Background()

	store.users = []string{"user-1", "user-2", "user-3"}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordViolation(ctx, "user-2", "quota_abuse", "test"))
	}

	report, err := s.ComplianceReport(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.SampledUsers)
	assert.Equal(t, "user-2", report.WorstOffender)
	assert.Equal(t, 3, report.StatusCounts[string(model.StateCompliant)])
	assert.InDelta(t, (100.0+80.0+100.0)/3.0, report.AverageScore, 0.01)
}

func TestSampleUsers_DeterministicSubset(t *testing.T) {
	users := make([]string, 40)
	for i := range users {
		users[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
	}

	first := sampleUsers(users, 25)
	second := sampleUsers(users, 25)

	require.Len(t, first, 25)
	assert.Equal(t, first, second, "successive reports sample the same subset")
	for _, u := range first {
		assert.Contains(t, users, u)
	}

	small := []string{"x", "y"}
	assert.Equal(t, small, sampleUsers(small, 25), "fewer users than the sample size pass through")
}

func TestBandsAndCooldowns(t *testing.T) {
	assert.Equal(t, model.StateCompliant, bandFor(70))
	assert.Equal(t, model.StateWarning, bandFor(69))
	assert.Equal(t, model.StateWarning, bandFor(50))
	assert.Equal(t, model.StateViolation, bandFor(49))

	assert.Equal(t, time.Duration(0), cooldownFor(100))
	assert.Equal(t, 15*time.Minute, cooldownFor(80))
	assert.Equal(t, time.Hour, cooldownFor(60))
	assert.Equal(t, 4*time.Hour, cooldownFor(30))
}
