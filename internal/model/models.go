package model

import "time"

// -------------------- QUOTA CONFIGURATION --------------------

// EndpointQuota is the configured ceiling for one logical upstream endpoint.
// Endpoints are matched by prefix against the requested path.
type EndpointQuota struct {
	Endpoint           string  `json:"endpoint"`
	RequestsPerHour    int     `json:"requests_per_hour"`
	RequestsPerDay     int     `json:"requests_per_day"`
	BurstLimit         int     `json:"burst_limit"`
	ConservativeFactor float64 `json:"conservative_factor"` // fraction of the assumed upstream limit we actually permit
}

// GlobalQuota is the process-wide ceiling applied across all endpoints.
type GlobalQuota struct {
	MaxRequestsPerHour int     `json:"max_requests_per_hour"`
	MaxRequestsPerDay  int     `json:"max_requests_per_day"`
	RetryAttempts      int     `json:"retry_attempts"`
	BackoffMultiplier  float64 `json:"backoff_multiplier"`
	AdaptiveEnabled    bool    `json:"adaptive_enabled"`
	ComplianceMode     string  `json:"compliance_mode"`
}

// -------------------- RATE LIMITING --------------------

// UsageCounts holds the raw counter values for the five concurrently
// enforced windows of one (user, endpoint) pair.
type UsageCounts struct {
	EndpointHour int64 `json:"endpoint_hour"`
	EndpointDay  int64 `json:"endpoint_day"`
	GlobalHour   int64 `json:"global_hour"`
	GlobalDay    int64 `json:"global_day"`
	Burst        int64 `json:"burst"`
}

// RateLimitDecision is the outcome of a quota check. Remaining is the
// minimum across all five windows; RetryAfter is set only when an hour or
// burst window is exhausted (daily exhaustion carries no in-process retry).
type RateLimitDecision struct {
	Endpoint   string         `json:"endpoint"`
	Limit      int            `json:"limit"`
	Remaining  int            `json:"remaining"`
	ResetTime  time.Time      `json:"reset_time"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`

	// ExhaustedScope names the tightest exhausted window ("burst", "hour",
	// "day") when Remaining is 0. Internal to the guard's retry policy.
	ExhaustedScope string `json:"-"`
}

// Allowed reports whether the request may proceed.
func (d *RateLimitDecision) Allowed() bool {
	return d.Remaining > 0
}

// EndpointUsage is one row of a usage statistics snapshot.
type EndpointUsage struct {
	Endpoint        string `json:"endpoint"`
	HourlyUsage     int64  `json:"hourly_usage"`
	DailyUsage      int64  `json:"daily_usage"`
	HourlyLimit     int    `json:"hourly_limit"`
	DailyLimit      int    `json:"daily_limit"`
	HourlyRemaining int    `json:"hourly_remaining"`
	DailyRemaining  int    `json:"daily_remaining"`
}

// UsageStatistics is the per-user snapshot exposed for display and headers.
type UsageStatistics struct {
	UserID    string          `json:"user_id"`
	Global    EndpointUsage   `json:"global"`
	Endpoints []EndpointUsage `json:"endpoints"`
	Timestamp time.Time       `json:"timestamp"`
}

// -------------------- ANALYTICS LEDGER --------------------

// OutcomeEvent records one attempted upstream call, success or failure.
type OutcomeEvent struct {
	UserID     string    `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code,omitempty"`
}

// ViolationRecord is an explicitly reported compliance violation. Append-only;
// only TTL removes it.
type ViolationRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// -------------------- COMPLIANCE --------------------

type ComplianceState string

const (
	StateCompliant ComplianceState = "COMPLIANT"
	StateWarning   ComplianceState = "WARNING"
	StateViolation ComplianceState = "VIOLATION"
)

// SafetyMetrics are the component scores feeding the compliance score.
type SafetyMetrics struct {
	VelocityScore     float64 `json:"velocity_score"`
	PatternScore      float64 `json:"pattern_score"`
	ComplianceHistory float64 `json:"compliance_history"`
}

// ComplianceStatus is computed on demand and never persisted.
type ComplianceStatus struct {
	UserID            string          `json:"user_id"`
	Status            ComplianceState `json:"status"`
	Score             int             `json:"score"`
	Recommendations   []string        `json:"recommendations"`
	RiskFactors       []string        `json:"risk_factors"`
	NextAllowedAction time.Time       `json:"next_allowed_action"`
	SafetyMetrics     SafetyMetrics   `json:"safety_metrics"`
}

// ComplianceReport aggregates sampled user statuses for dashboards.
type ComplianceReport struct {
	GeneratedAt   time.Time           `json:"generated_at"`
	SampledUsers  int                 `json:"sampled_users"`
	AverageScore  float64             `json:"average_score"`
	StatusCounts  map[string]int      `json:"status_counts"`
	WorstOffender string              `json:"worst_offender,omitempty"`
	Statuses      []*ComplianceStatus `json:"statuses,omitempty"`
}

// HealthStatus is the liveness snapshot for probes.
type HealthStatus struct {
	Healthy     bool      `json:"healthy"`
	Store       string    `json:"store"`
	ActiveUsers int       `json:"active_users"`
	CheckedAt   time.Time `json:"checked_at"`
}
