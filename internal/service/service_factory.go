package service

import (
	"go.uber.org/zap"

	"api-guard/internal/audit"
	"api-guard/internal/config"
	"api-guard/internal/quota"
)

// ServiceFactory creates and manages service instances. One shared instance
// of each service is threaded through all call sites.
type ServiceFactory struct {
	store    CounterStore
	ledger   Ledger
	quotas   *quota.Table
	exporter *audit.Exporter
	cfg      *config.Config
	logger   *zap.Logger

	rateLimiter *RateLimiter
	guard       *Guard
	throttler   *Throttler
	scorer      *ComplianceScorer
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	store CounterStore,
	ledger Ledger,
	quotas *quota.Table,
	exporter *audit.Exporter,
	cfg *config.Config,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:    store,
		ledger:   ledger,
		quotas:   quotas,
		exporter: exporter,
		cfg:      cfg,
		logger:   logger,
	}
}

// RateLimiter returns the rate limiter instance (singleton)
func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.rateLimiter == nil {
		f.rateLimiter = NewRateLimiter(f.store, f.ledger, f.quotas, f.exporter, f.logger)
	}
	return f.rateLimiter
}

// Guard returns the execution guard instance (singleton)
func (f *ServiceFactory) Guard() *Guard {
	if f.guard == nil {
		f.guard = NewGuard(f.RateLimiter(), f.quotas, f.logger)
	}
	return f.guard
}

// Throttler returns the adaptive throttler instance (singleton)
func (f *ServiceFactory) Throttler() *Throttler {
	if f.throttler == nil {
		f.throttler = NewThrottler(
			f.quotas,
			f.store,
			f.ledger,
			f.logger,
			f.cfg.Guard.ThrottleInterval,
			f.cfg.Guard.SampleUsers,
			f.cfg.Guard.RecoveryTicks,
		)
	}
	return f.throttler
}

// ComplianceScorer returns the compliance scorer instance (singleton)
func (f *ServiceFactory) ComplianceScorer() *ComplianceScorer {
	if f.scorer == nil {
		f.scorer = NewComplianceScorer(f.store, f.ledger, f.quotas, f.exporter, f.logger)
	}
	return f.scorer
}

// Cleanup stops background services
func (f *ServiceFactory) Cleanup() {
	if f.throttler != nil {
		f.throttler.Stop()
	}
}
