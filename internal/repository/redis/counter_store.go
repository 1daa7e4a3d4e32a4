package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"api-guard/internal/client"
	"api-guard/internal/model"
	"api-guard/internal/util"
)

const (
	hourBucketLayout = "2006010215"
	dayBucketLayout  = "20060102"

	hourTTL = 2 * time.Hour
	// Day counters outlive their bucket so yesterday's total stays readable
	// for velocity scoring.
	dayTTL   = 48 * time.Hour
	burstTTL = 2 * time.Minute
)

// CounterStore tracks usage counters in Redis. Counters are keyed by
// calendar-aligned time buckets and expire via TTL, so they partition and
// clean up on their own.
type CounterStore struct {
	client    *client.RedisClient
	namespace string
	now       func() time.Time
}

func NewCounterStore(client *client.RedisClient, namespace string) *CounterStore {
	if namespace == "" {
		namespace = "guard"
	}
	return &CounterStore{
		client:    client,
		namespace: namespace,
		now:       time.Now,
	}
}

// key segments use ":" as separator, so ids and endpoints are flattened
func sanitizeSegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

func (s *CounterStore) endpointHourKey(userID, endpoint string, at time.Time) string {
	return fmt.Sprintf("%s:usage:%s:%s:h:%s", s.namespace, sanitizeSegment(userID), sanitizeSegment(endpoint), at.UTC().Format(hourBucketLayout))
}

func (s *CounterStore) endpointDayKey(userID, endpoint string, at time.Time) string {
	return fmt.Sprintf("%s:usage:%s:%s:d:%s", s.namespace, sanitizeSegment(userID), sanitizeSegment(endpoint), at.UTC().Format(dayBucketLayout))
}

func (s *CounterStore) globalHourKey(userID string, at time.Time) string {
	return fmt.Sprintf("%s:usage:%s:global:h:%s", s.namespace, sanitizeSegment(userID), at.UTC().Format(hourBucketLayout))
}

func (s *CounterStore) globalDayKey(userID string, at time.Time) string {
	return fmt.Sprintf("%s:usage:%s:global:d:%s", s.namespace, sanitizeSegment(userID), at.UTC().Format(dayBucketLayout))
}

func (s *CounterStore) burstKey(userID, endpoint string, at time.Time) string {
	return fmt.Sprintf("%s:usage:%s:%s:b:%d", s.namespace, sanitizeSegment(userID), sanitizeSegment(endpoint), at.UTC().Unix()/60)
}

// IncrementUsage bumps all five window counters for one attempted call in a
// single MULTI/EXEC round trip, refreshing each counter's TTL. Either all
// five land or none do, so the windows never drift apart within one call.
func (s *CounterStore) IncrementUsage(ctx context.Context, userID, endpoint string) error {
	at := s.now()

	pipe := s.client.TxPipeline()
	keys := []struct {
		key string
		ttl time.Duration
	}{
		{s.endpointHourKey(userID, endpoint, at), hourTTL},
		{s.endpointDayKey(userID, endpoint, at), dayTTL},
		{s.globalHourKey(userID, at), hourTTL},
		{s.globalDayKey(userID, at), dayTTL},
		{s.burstKey(userID, endpoint, at), burstTTL},
	}
	for _, k := range keys {
		pipe.Incr(ctx, k.key)
		pipe.Expire(ctx, k.key, k.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("failed to increment usage counters",
			zap.String("user_id", userID),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return fmt.Errorf("failed to increment usage counters: %w", err)
	}
	return nil
}

// UsageCounts reads the five window counters in one pipelined round trip.
// The read is not linearizable with concurrent increments; slightly stale
// counts are an accepted tolerance.
func (s *CounterStore) UsageCounts(ctx context.Context, userID, endpoint string) (model.UsageCounts, error) {
	at := s.now()

	pipe := s.client.Pipeline()
	cmds := []*goredis.StringCmd{
		pipe.Get(ctx, s.endpointHourKey(userID, endpoint, at)),
		pipe.Get(ctx, s.endpointDayKey(userID, endpoint, at)),
		pipe.Get(ctx, s.globalHourKey(userID, at)),
		pipe.Get(ctx, s.globalDayKey(userID, at)),
		pipe.Get(ctx, s.burstKey(userID, endpoint, at)),
	}

	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return model.UsageCounts{}, fmt.Errorf("failed to read usage counters: %w", err)
	}

	values := make([]int64, len(cmds))
	for i, cmd := range cmds {
		v, err := cmd.Int64()
		if err != nil {
			if err == goredis.Nil {
				continue // no counter yet
			}
			return model.UsageCounts{}, fmt.Errorf("failed to parse usage counter: %w", err)
		}
		values[i] = v
	}

	return model.UsageCounts{
		EndpointHour: values[0],
		EndpointDay:  values[1],
		GlobalHour:   values[2],
		GlobalDay:    values[3],
		Burst:        values[4],
	}, nil
}

// HourlyCount returns one hourly counter; endpoint "global" reads the
// global hour window. at may be any time inside the wanted bucket.
func (s *CounterStore) HourlyCount(ctx context.Context, userID, endpoint string, at time.Time) (int64, error) {
	var key string
	if endpoint == "global" {
		key = s.globalHourKey(userID, at)
	} else {
		key = s.endpointHourKey(userID, endpoint, at)
	}

	val, err := s.client.Client.Get(ctx, key).Int64()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read hourly counter: %w", err)
	}
	return val, nil
}

// DailyCount returns one daily counter; endpoint "global" reads the global
// day window. day may be any time inside the wanted bucket.
func (s *CounterStore) DailyCount(ctx context.Context, userID, endpoint string, day time.Time) (int64, error) {
	var key string
	if endpoint == "global" {
		key = s.globalDayKey(userID, day)
	} else {
		key = s.endpointDayKey(userID, endpoint, day)
	}

	val, err := s.client.Client.Get(ctx, key).Int64()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	return val, nil
}

// ResetUser clears every usage counter for a user. Administrative override
// only; normal cleanup is TTL-driven.
func (s *CounterStore) ResetUser(ctx context.Context, userID string) error {
	pattern := fmt.Sprintf("%s:usage:%s:*", s.namespace, sanitizeSegment(userID))

	keys, err := s.client.ScanKeys(ctx, pattern, 0)
	if err != nil {
		return fmt.Errorf("failed to scan usage keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete usage keys: %w", err)
	}

	util.Info("user rate limits reset",
		zap.String("user_id", userID),
		zap.Int("keys_deleted", len(keys)))
	return nil
}

// KnownUsers enumerates users with activity in today's global day bucket.
func (s *CounterStore) KnownUsers(ctx context.Context, limit int) ([]string, error) {
	at := s.now()
	pattern := fmt.Sprintf("%s:usage:*:global:d:%s", s.namespace, at.UTC().Format(dayBucketLayout))

	keys, err := s.client.ScanKeys(ctx, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for known users: %w", err)
	}

	users := make([]string, 0, len(keys))
	for _, key := range keys {
		// {ns}:usage:{user}:global:d:{bucket}
		parts := strings.Split(key, ":")
		if len(parts) >= 3 {
			users = append(users, parts[2])
		}
	}
	return users, nil
}

// ActiveUserCount is a rough count of users seen today, for liveness probes.
func (s *CounterStore) ActiveUserCount(ctx context.Context) (int, error) {
	users, err := s.KnownUsers(ctx, 1000)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// Ping proxies the store health probe.
func (s *CounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
