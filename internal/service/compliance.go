package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"api-guard/internal/audit"
	"api-guard/internal/model"
	"api-guard/internal/quota"
)

const (
	connectionEndpoint = "/v2/connections"
	invitationEndpoint = "/v2/invitations"

	minTimingSamples = 5
	outcomeSample    = 200
	reportScanLimit  = 200
	reportSampleSize = 25
	reportFanOut     = 8
)

// Score thresholds for the status bands.
const (
	compliantThreshold = 70
	warningThreshold   = 50
)

// ComplianceScorer derives a 0-100 risk score per user from quota
// utilization, request-timing regularity, and violation history. The score
// is advisory: callers decide whether to gate automation on it.
type ComplianceScorer struct {
	store    CounterStore
	ledger   Ledger
	quotas   *quota.Table
	exporter *audit.Exporter
	logger   *zap.Logger
	now      func() time.Time
}

func NewComplianceScorer(store CounterStore, ledger Ledger, quotas *quota.Table, exporter *audit.Exporter, logger *zap.Logger) *ComplianceScorer {
	return &ComplianceScorer{
		store:    store,
		ledger:   ledger,
		quotas:   quotas,
		exporter: exporter,
		logger:   logger,
		now:      time.Now,
	}
}

// ComplianceStatus computes the current status for one user. Always derived
// fresh from counters, outcomes, and violations — never persisted.
func (s *ComplianceScorer) ComplianceStatus(ctx context.Context, userID string) (*model.ComplianceStatus, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	at := s.now()
	snap := s.quotas.Snapshot()
	gq := snap.Global

	globalDay, err := s.store.DailyCount(ctx, userID, "global", at)
	if err != nil {
		return nil, &StoreError{Op: "compliance status", Err: err}
	}
	globalHour, err := s.store.HourlyCount(ctx, userID, "global", at)
	if err != nil {
		return nil, &StoreError{Op: "compliance status", Err: err}
	}
	yesterdayDay, err := s.store.DailyCount(ctx, userID, "global", at.Add(-24*time.Hour))
	if err != nil {
		return nil, &StoreError{Op: "compliance status", Err: err}
	}
	connDay, err := s.store.DailyCount(ctx, userID, connectionEndpoint, at)
	if err != nil {
		return nil, &StoreError{Op: "compliance status", Err: err}
	}
	invDay, err := s.store.DailyCount(ctx, userID, invitationEndpoint, at)
	if err != nil {
		return nil, &StoreError{Op: "compliance status", Err: err}
	}

	outcomes, err := s.ledger.RecentOutcomes(ctx, userID, outcomeSample)
	if err != nil {
		return nil, &StoreError{Op: "compliance status", Err: err}
	}
	violations, err := s.ledger.Violations(ctx, userID)
	if err != nil {
		return nil, &StoreError{Op: "compliance status", Err: err}
	}

	metrics := model.SafetyMetrics{
		VelocityScore:     velocityScore(globalDay, yesterdayDay),
		PatternScore:      patternScore(outcomes, at),
		ComplianceHistory: historyScore(len(violations)),
	}
	timing := timingRisk(outcomes)

	score := 100
	var risks, recommendations []string
	penalize := func(points int, risk, recommendation string) {
		score -= points
		risks = append(risks, risk)
		recommendations = append(recommendations, recommendation)
	}

	dailyRatio := ratio(globalDay, gq.MaxRequestsPerDay)
	hourlyRatio := ratio(globalHour, gq.MaxRequestsPerHour)
	connRatio := ratio(connDay, snap.Resolve(connectionEndpoint).RequestsPerDay)
	invRatio := ratio(invDay, snap.Resolve(invitationEndpoint).RequestsPerDay)

	if dailyRatio > 0.8 {
		penalize(30, fmt.Sprintf("daily usage at %.0f%% of the global limit", dailyRatio*100),
			"pause all activity until tomorrow")
	}
	if hourlyRatio > 0.8 {
		penalize(20, fmt.Sprintf("hourly usage at %.0f%% of the global limit", hourlyRatio*100),
			"spread requests over the next hours")
	}
	if connRatio > 0.7 {
		penalize(25, "connection request volume near its daily ceiling",
			"stop sending connection requests today")
	}
	if metrics.VelocityScore < 70 {
		penalize(15, "request volume more than doubled versus yesterday",
			"slow down to yesterday's pace")
	}
	if metrics.PatternScore < 60 {
		penalize(10, "activity concentrated in a bot-like window",
			"distribute activity across the day")
	}
	if metrics.ComplianceHistory < 80 {
		penalize(20, fmt.Sprintf("%d violation(s) on record", len(violations)),
			"review recent violations before resuming automation")
	}
	if invRatio > 0.5 {
		penalize(15, "invitation volume above half its daily ceiling",
			"reduce invitation volume")
	}
	if timing > 0.7 {
		penalize(10, "request timing too regular for human activity",
			"randomize the delay between actions")
	}

	if score < 0 {
		score = 0
	}

	status := &model.ComplianceStatus{
		UserID:            userID,
		Status:            bandFor(score),
		Score:             score,
		Recommendations:   recommendations,
		RiskFactors:       risks,
		NextAllowedAction: at.Add(cooldownFor(score)),
		SafetyMetrics:     metrics,
	}
	return status, nil
}

// RecordViolation appends a violation. Append-only: nothing validates it
// against existing state, and only the 30-day TTL removes it.
func (s *ComplianceScorer) RecordViolation(ctx context.Context, userID, violationType, details string) error {
	if userID == "" || violationType == "" {
		return ErrInvalidInput
	}

	record := model.ViolationRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      violationType,
		Severity:  severityFor(violationType),
		Timestamp: s.now(),
		Details:   details,
	}
	if err := s.ledger.AppendViolation(ctx, record); err != nil {
		return err
	}

	s.exporter.PublishViolation(ctx, record)
	return nil
}

// Violations lists the retained violation records for one user.
func (s *ComplianceScorer) Violations(ctx context.Context, userID string) ([]model.ViolationRecord, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.ledger.Violations(ctx, userID)
}

// ComplianceReport aggregates statuses across a deterministic sample of
// known users for administrative dashboards.
func (s *ComplianceScorer) ComplianceReport(ctx context.Context) (*model.ComplianceReport, error) {
	users, err := s.store.KnownUsers(ctx, reportScanLimit)
	if err != nil {
		return nil, &StoreError{Op: "compliance report", Err: err}
	}
	sampled := sampleUsers(users, reportSampleSize)

	var mu sync.Mutex
	statuses := make([]*model.ComplianceStatus, 0, len(sampled))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reportFanOut)
	for _, userID := range sampled {
		userID := userID
		g.Go(func() error {
			status, err := s.ComplianceStatus(gctx, userID)
			if err != nil {
				s.logger.Warn("skipping user in compliance report",
					zap.String("user_id", userID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &model.ComplianceReport{
		GeneratedAt:  s.now(),
		SampledUsers: len(statuses),
		StatusCounts: map[string]int{},
		Statuses:     statuses,
	}

	totalScore := 0
	worstScore := 101
	for _, st := range statuses {
		totalScore += st.Score
		report.StatusCounts[string(st.Status)]++
		if st.Score < worstScore {
			worstScore = st.Score
			report.WorstOffender = st.UserID
		}
	}
	if len(statuses) > 0 {
		report.AverageScore = float64(totalScore) / float64(len(statuses))
	}
	return report, nil
}

// sampleUsers picks up to n users deterministically by murmur3 hash order,
// so successive reports sample a stable subset.
func sampleUsers(users []string, n int) []string {
	if len(users) <= n {
		return users
	}
	sorted := make([]string, len(users))
	copy(sorted, users)
	sort.Slice(sorted, func(i, j int) bool {
		return murmur3.Sum64([]byte(sorted[i])) < murmur3.Sum64([]byte(sorted[j]))
	})
	return sorted[:n]
}

// -------------------- SCORING COMPONENTS --------------------

// velocityScore penalizes proportionally when today's request count exceeds
// yesterday's by more than 100%. No baseline yesterday means no penalty.
func velocityScore(today, yesterday int64) float64 {
	if yesterday == 0 || today <= 2*yesterday {
		return 100
	}
	growth := float64(today-yesterday) / float64(yesterday)
	penalty := (growth - 1.0) * 40
	if penalty > 80 {
		penalty = 80
	}
	return 100 - penalty
}

// patternScore penalizes activity that concentrates in too few hours of the
// day or a single dominant hour. Quiet days (<=10 requests) score clean.
func patternScore(events []model.OutcomeEvent, at time.Time) float64 {
	day := at.UTC().Format("20060102")
	hourCounts := make(map[int]int)
	total := 0
	for _, ev := range events {
		ts := ev.Timestamp.UTC()
		if ts.Format("20060102") != day {
			continue
		}
		hourCounts[ts.Hour()]++
		total++
	}
	if total <= 10 {
		return 100
	}

	score := 100.0
	if len(hourCounts) < 3 {
		score -= 30
	}
	for _, count := range hourCounts {
		if float64(count) > float64(total)*0.5 {
			score -= 30
			break
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// historyScore drops 15 points per retained violation, floored at 0.
func historyScore(violationCount int) float64 {
	score := 100 - 15*float64(violationCount)
	if score < 0 {
		return 0
	}
	return score
}

// timingRisk scores inter-request interval statistics. Near-zero coefficient
// of variation (machine-regular timing) or sub-30-second average spacing
// reads as automation; irregular spacing reads human. A sample is one
// inter-request interval, so scoring needs minTimingSamples intervals —
// minTimingSamples+1 events; fewer means insufficient data and no penalty.
func timingRisk(events []model.OutcomeEvent) float64 {
	if len(events) < minTimingSamples+1 {
		return 0
	}

	// events arrive newest first
	intervals := make([]float64, 0, len(events)-1)
	for i := 0; i < len(events)-1; i++ {
		gap := events[i].Timestamp.Sub(events[i+1].Timestamp).Seconds()
		if gap < 0 {
			gap = -gap
		}
		intervals = append(intervals, gap)
	}
	if len(intervals) < minTimingSamples {
		return 0
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean == 0 {
		return 0.8
	}

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))
	cv := math.Sqrt(variance) / mean

	risk := 0.25
	switch {
	case cv < 0.1:
		risk = 0.8
	case cv < 0.2:
		risk = 0.6
	}
	if mean < 30 && risk < 0.7 {
		risk = 0.7
	}
	return risk
}

func ratio(count int64, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(count) / float64(limit)
}

func bandFor(score int) model.ComplianceState {
	switch {
	case score >= compliantThreshold:
		return model.StateCompliant
	case score >= warningThreshold:
		return model.StateWarning
	default:
		return model.StateViolation
	}
}

func cooldownFor(score int) time.Duration {
	switch {
	case score < 50:
		return 4 * time.Hour
	case score < 70:
		return time.Hour
	case score < 85:
		return 15 * time.Minute
	default:
		return 0
	}
}

func severityFor(violationType string) string {
	switch violationType {
	case "account_restriction", "upstream_ban_warning", "automation_detected":
		return "high"
	case "quota_abuse", "pattern_anomaly":
		return "medium"
	default:
		return "low"
	}
}
