package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"api-guard/internal/client"
	"api-guard/internal/model"
	"api-guard/internal/util"
)

const (
	maxOutcomesPerDay  = 500
	maxViolationsKept  = 200
	outcomeTTL         = 48 * time.Hour
	violationRetention = 30 * 24 * time.Hour
)

// Ledger is the append-only rolling log of request outcomes and recorded
// violations. Entries are time-boxed and count-boxed; nothing but TTL
// removes them.
type Ledger struct {
	client    *client.RedisClient
	namespace string
	now       func() time.Time
}

func NewLedger(client *client.RedisClient, namespace string) *Ledger {
	if namespace == "" {
		namespace = "guard"
	}
	return &Ledger{
		client:    client,
		namespace: namespace,
		now:       time.Now,
	}
}

func (l *Ledger) outcomesKey(userID string, day time.Time) string {
	return fmt.Sprintf("%s:outcomes:%s:%s", l.namespace, sanitizeSegment(userID), day.UTC().Format(dayBucketLayout))
}

func (l *Ledger) violationsKey(userID string) string {
	return fmt.Sprintf("%s:violations:%s", l.namespace, sanitizeSegment(userID))
}

// AppendOutcome records one attempted upstream call, success or failure.
func (l *Ledger) AppendOutcome(ctx context.Context, event model.OutcomeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	key := l.outcomesKey(event.UserID, event.Timestamp)
	if err := l.client.PushBounded(ctx, key, string(payload), maxOutcomesPerDay, outcomeTTL); err != nil {
		util.Error("failed to append outcome event",
			zap.String("user_id", event.UserID),
			zap.String("endpoint", event.Endpoint),
			zap.Error(err))
		return fmt.Errorf("failed to append outcome event: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit events, newest first, spanning today
// and yesterday's buckets.
func (l *Ledger) RecentOutcomes(ctx context.Context, userID string, limit int) ([]model.OutcomeEvent, error) {
	if limit <= 0 {
		limit = maxOutcomesPerDay
	}
	at := l.now()

	events := make([]model.OutcomeEvent, 0, limit)
	for _, day := range []time.Time{at, at.Add(-24 * time.Hour)} {
		if len(events) >= limit {
			break
		}
		raw, err := l.client.ListRange(ctx, l.outcomesKey(userID, day), 0, int64(limit-len(events))-1)
		if err != nil {
			return nil, fmt.Errorf("failed to read outcome events: %w", err)
		}
		for _, item := range raw {
			var ev model.OutcomeEvent
			if err := json.Unmarshal([]byte(item), &ev); err != nil {
				util.Warn("skipping malformed outcome event",
					zap.String("user_id", userID),
					zap.Error(err))
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// AppendViolation records a reported violation. Never validated against
// existing state and never retracted.
func (l *Ledger) AppendViolation(ctx context.Context, record model.ViolationRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal violation record: %w", err)
	}

	key := l.violationsKey(record.UserID)
	if err := l.client.PushBounded(ctx, key, string(payload), maxViolationsKept, violationRetention); err != nil {
		util.Error("failed to append violation record",
			zap.String("user_id", record.UserID),
			zap.String("type", record.Type),
			zap.Error(err))
		return fmt.Errorf("failed to append violation record: %w", err)
	}

	util.Info("violation recorded",
		zap.String("user_id", record.UserID),
		zap.String("type", record.Type),
		zap.String("severity", record.Severity))
	return nil
}

// Violations returns every retained violation for a user, newest first.
func (l *Ledger) Violations(ctx context.Context, userID string) ([]model.ViolationRecord, error) {
	raw, err := l.client.ListRange(ctx, l.violationsKey(userID), 0, maxViolationsKept-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read violation records: %w", err)
	}

	records := make([]model.ViolationRecord, 0, len(raw))
	for _, item := range raw {
		var rec model.ViolationRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			util.Warn("skipping malformed violation record",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
