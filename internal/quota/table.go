// Package quota holds the mutable quota configuration as an immutable
// snapshot behind an atomic pointer. Request handlers read the current
// snapshot lock-free; the adaptive throttler is the only writer and replaces
// the snapshot whole, so readers never observe torn state.
package quota

import (
	"sync/atomic"

	"api-guard/internal/model"
)

// Floors applied when scaling quotas down. Per-endpoint counts never drop
// below 1; the global ceilings keep a minimum working budget.
const (
	minEndpointCount = 1
	minGlobalHourly  = 10
	minGlobalDaily   = 50
)

// Snapshot is one immutable generation of the quota configuration.
type Snapshot struct {
	Version   int64
	Global    model.GlobalQuota
	Endpoints []model.EndpointQuota
	Default   model.EndpointQuota
}

// Table is the shared quota configuration.
type Table struct {
	snap atomic.Pointer[Snapshot]
}

// DefaultEndpointQuotas are the conservative ceilings for the upstream
// professional-networking API. Values deliberately sit well under the
// assumed real limits (see ConservativeFactor).
func DefaultEndpointQuotas() []model.EndpointQuota {
	return []model.EndpointQuota{
		{Endpoint: "/v2/invitations", RequestsPerHour: 10, RequestsPerDay: 25, BurstLimit: 2, ConservativeFactor: 0.5},
		{Endpoint: "/v2/connections", RequestsPerHour: 20, RequestsPerDay: 80, BurstLimit: 3, ConservativeFactor: 0.5},
		{Endpoint: "/v2/people", RequestsPerHour: 50, RequestsPerDay: 150, BurstLimit: 5, ConservativeFactor: 0.6},
		{Endpoint: "/v2/messages", RequestsPerHour: 15, RequestsPerDay: 50, BurstLimit: 3, ConservativeFactor: 0.5},
		{Endpoint: "/v2/search", RequestsPerHour: 30, RequestsPerDay: 100, BurstLimit: 5, ConservativeFactor: 0.6},
		{Endpoint: "/v2/ugcPosts", RequestsPerHour: 5, RequestsPerDay: 20, BurstLimit: 2, ConservativeFactor: 0.4},
	}
}

// DefaultGlobalQuota is the process-wide ceiling across all endpoints.
func DefaultGlobalQuota() model.GlobalQuota {
	return model.GlobalQuota{
		MaxRequestsPerHour: 100,
		MaxRequestsPerDay:  500,
		RetryAttempts:      3,
		BackoffMultiplier:  2.0,
		AdaptiveEnabled:    true,
		ComplianceMode:     "strict",
	}
}

// strictDefault is applied to endpoints with no configured pattern. Unknown
// endpoints fail closed, not open.
func strictDefault() model.EndpointQuota {
	return model.EndpointQuota{
		Endpoint:           "default",
		RequestsPerHour:    5,
		RequestsPerDay:     20,
		BurstLimit:         1,
		ConservativeFactor: 0.3,
	}
}

// NewTable builds a table from the default quotas.
func NewTable() *Table {
	return NewTableWith(DefaultEndpointQuotas(), DefaultGlobalQuota())
}

// NewTableWith builds a table from explicit quotas.
func NewTableWith(endpoints []model.EndpointQuota, global model.GlobalQuota) *Table {
	t := &Table{}
	t.snap.Store(&Snapshot{
		Version:   1,
		Global:    global,
		Endpoints: endpoints,
		Default:   strictDefault(),
	})
	return t
}

// Snapshot returns the current configuration generation.
func (t *Table) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Global returns the current global quota.
func (t *Table) Global() model.GlobalQuota {
	return t.snap.Load().Global
}

// Resolve matches an endpoint against the configured patterns by longest
// prefix. Unmatched endpoints get the strict default quota.
func (t *Table) Resolve(endpoint string) model.EndpointQuota {
	return t.snap.Load().Resolve(endpoint)
}

// Resolve on a snapshot, for callers that need a consistent view across
// several lookups.
func (s *Snapshot) Resolve(endpoint string) model.EndpointQuota {
	best := s.Default
	bestLen := -1
	for _, q := range s.Endpoints {
		if len(q.Endpoint) > bestLen && hasPrefix(endpoint, q.Endpoint) {
			best = q
			bestLen = len(q.Endpoint)
		}
	}
	return best
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Scale replaces the snapshot with one whose quotas are multiplied by
// factor, floored so the guard never locks out completely. factor < 1
// tightens, factor > 1 recovers headroom. There is deliberately no cap
// restoring the original defaults; quotas drift over the process lifetime.
func (t *Table) Scale(factor float64) *Snapshot {
	for {
		old := t.snap.Load()
		next := &Snapshot{
			Version:   old.Version + 1,
			Global:    scaleGlobal(old.Global, factor),
			Endpoints: make([]model.EndpointQuota, len(old.Endpoints)),
			Default:   old.Default,
		}
		for i, q := range old.Endpoints {
			next.Endpoints[i] = scaleEndpoint(q, factor)
		}
		if t.snap.CompareAndSwap(old, next) {
			return next
		}
	}
}

func scaleEndpoint(q model.EndpointQuota, factor float64) model.EndpointQuota {
	q.RequestsPerHour = scaleCount(q.RequestsPerHour, factor, minEndpointCount)
	q.RequestsPerDay = scaleCount(q.RequestsPerDay, factor, minEndpointCount)
	q.BurstLimit = scaleCount(q.BurstLimit, factor, minEndpointCount)
	return q
}

func scaleGlobal(g model.GlobalQuota, factor float64) model.GlobalQuota {
	g.MaxRequestsPerHour = scaleCount(g.MaxRequestsPerHour, factor, minGlobalHourly)
	g.MaxRequestsPerDay = scaleCount(g.MaxRequestsPerDay, factor, minGlobalDaily)
	return g
}

func scaleCount(v int, factor float64, floor int) int {
	scaled := int(float64(v) * factor)
	if scaled < floor {
		return floor
	}
	return scaled
}
