package service

import (
	"context"
	"sync"
	"time"

	"api-guard/internal/model"
)

// fakeStore mirrors the counter store contract in memory: increments bump
// all five windows for a (user, endpoint) pair, globals are shared across
// endpoints per user.
type fakeStore struct {
	mu           sync.Mutex
	endpointHour map[string]int64
	endpointDay  map[string]int64
	burst        map[string]int64
	globalHour   map[string]int64
	globalDay    map[string]int64
	yesterdayDay map[string]int64
	users        []string
	failWith     error
	increments   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		endpointHour: make(map[string]int64),
		endpointDay:  make(map[string]int64),
		burst:        make(map[string]int64),
		globalHour:   make(map[string]int64),
		globalDay:    make(map[string]int64),
		yesterdayDay: make(map[string]int64),
	}
}

func pairKey(userID, endpoint string) string {
	return userID + "|" + endpoint
}

func (f *fakeStore) IncrementUsage(ctx context.Context, userID, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	key := pairKey(userID, endpoint)
	f.endpointHour[key]++
	f.endpointDay[key]++
	f.burst[key]++
	f.globalHour[userID]++
	f.globalDay[userID]++
	f.increments++
	return nil
}

func (f *fakeStore) UsageCounts(ctx context.Context, userID, endpoint string) (model.UsageCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.UsageCounts{}, f.failWith
	}
	key := pairKey(userID, endpoint)
	return model.UsageCounts{
		EndpointHour: f.endpointHour[key],
		EndpointDay:  f.endpointDay[key],
		GlobalHour:   f.globalHour[userID],
		GlobalDay:    f.globalDay[userID],
		Burst:        f.burst[key],
	}, nil
}

func (f *fakeStore) HourlyCount(ctx context.Context, userID, endpoint string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	if endpoint == "global" {
		return f.globalHour[userID], nil
	}
	return f.endpointHour[pairKey(userID, endpoint)], nil
}

func (f *fakeStore) DailyCount(ctx context.Context, userID, endpoint string, day time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	sameDay := day.UTC().Format("20060102") == time.Now().UTC().Format("20060102")
	if endpoint == "global" {
		if sameDay {
			return f.globalDay[userID], nil
		}
		return f.yesterdayDay[userID], nil
	}
	return f.endpointDay[pairKey(userID, endpoint)], nil
}

func (f *fakeStore) ResetUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for key := range f.endpointHour {
		if key[:len(userID)+1] == userID+"|" {
			delete(f.endpointHour, key)
			delete(f.endpointDay, key)
			delete(f.burst, key)
		}
	}
	delete(f.globalHour, userID)
	delete(f.globalDay, userID)
	return nil
}

func (f *fakeStore) KnownUsers(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if limit > 0 && len(f.users) > limit {
		return f.users[:limit], nil
	}
	return f.users, nil
}

func (f *fakeStore) ActiveUserCount(ctx context.Context) (int, error) {
	users, err := f.KnownUsers(ctx, 0)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failWith
}

// setCounts seeds counter state directly for decision tests.
func (f *fakeStore) setCounts(userID, endpoint string, counts model.UsageCounts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(userID, endpoint)
	f.endpointHour[key] = counts.EndpointHour
	f.endpointDay[key] = counts.EndpointDay
	f.burst[key] = counts.Burst
	f.globalHour[userID] = counts.GlobalHour
	f.globalDay[userID] = counts.GlobalDay
}

// fakeLedger keeps outcomes and violations in memory, newest first.
type fakeLedger struct {
	mu         sync.Mutex
	outcomes   map[string][]model.OutcomeEvent
	violations map[string][]model.ViolationRecord
	failWith   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		outcomes:   make(map[string][]model.OutcomeEvent),
		violations: make(map[string][]model.ViolationRecord),
	}
}

func (f *fakeLedger) AppendOutcome(ctx context.Context, event model.OutcomeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.outcomes[event.UserID] = append([]model.OutcomeEvent{event}, f.outcomes[event.UserID]...)
	return nil
}

func (f *fakeLedger) RecentOutcomes(ctx context.Context, userID string, limit int) ([]model.OutcomeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	events := f.outcomes[userID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]model.OutcomeEvent, len(events))
	copy(out, events)
	return out, nil
}

func (f *fakeLedger) AppendViolation(ctx context.Context, record model.ViolationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.violations[record.UserID] = append([]model.ViolationRecord{record}, f.violations[record.UserID]...)
	return nil
}

func (f *fakeLedger) Violations(ctx context.Context, userID string) ([]model.ViolationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([]model.ViolationRecord, len(f.violations[userID]))
	copy(out, f.violations[userID])
	return out, nil
}
