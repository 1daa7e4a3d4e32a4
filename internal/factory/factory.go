package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"api-guard/internal/audit"
	"api-guard/internal/client"
	"api-guard/internal/config"
	"api-guard/internal/quota"
	redisrepo "api-guard/internal/repository/redis"
	"api-guard/internal/service"
	"api-guard/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config
	quotas *quota.Table

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Repositories
	counterStore *redisrepo.CounterStore
	ledger       *redisrepo.Ledger

	exporter       *audit.Exporter
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		quotas: buildQuotaTable(cfg),
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.counterStore = redisrepo.NewCounterStore(factory.redisClient, cfg.Guard.Namespace)
	factory.ledger = redisrepo.NewLedger(factory.redisClient, cfg.Guard.Namespace)
	factory.exporter = audit.NewExporter(factory.kafkaProducer, factory.clickhouseClient, util.Get())

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("namespace", cfg.Guard.Namespace),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
	)

	return factory, nil
}

// buildQuotaTable applies guard configuration on top of the default quotas.
func buildQuotaTable(cfg *config.Config) *quota.Table {
	global := quota.DefaultGlobalQuota()
	global.RetryAttempts = cfg.Guard.RetryAttempts
	global.BackoffMultiplier = cfg.Guard.BackoffBase
	global.AdaptiveEnabled = cfg.Guard.AdaptiveEnabled
	global.ComplianceMode = cfg.Guard.ComplianceMode
	return quota.NewTableWith(quota.DefaultEndpointQuotas(), global)
}

// initializeClients initializes external clients with health checks. Redis
// is mandatory — the guard fails closed without its counter store. Kafka and
// ClickHouse are optional sinks.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Redis
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := f.redisClient.HealthCheck(gctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		util.Info("Redis client initialized and healthy")
		return nil
	})

	// Kafka (optional)
	if f.config.Kafka.Enabled {
		g.Go(func() error {
			producer, err := client.NewKafkaProducer(f.config, util.Get())
			if err != nil {
				util.Warn("Kafka producer initialization failed - proceeding without audit stream", util.ErrorField(err))
				return nil
			}
			f.kafkaProducer = producer
			return nil
		})
	}

	// ClickHouse (optional)
	if f.config.Clickhouse.Enabled {
		g.Go(func() error {
			chClient, err := client.NewClickHouseClient(f.config, util.Get())
			if err != nil {
				util.Warn("ClickHouse initialization failed - proceeding without analytics sink", util.ErrorField(err))
				return nil
			}
			f.clickhouseClient = chClient
			return nil
		})
	}

	return g.Wait()
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) QuotaTable() *quota.Table {
	return f.quotas
}

func (f *Factory) Exporter() *audit.Exporter {
	return f.exporter
}

// ServiceFactory returns the shared service factory (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.counterStore,
			f.ledger,
			f.quotas,
			f.exporter,
			f.config,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// HealthCheck probes every initialized client.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	return healthErrors
}

// Close shuts everything down in reverse dependency order.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}
		if f.exporter != nil {
			f.exporter.Close()
		}
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.clickhouseClient != nil {
			_ = f.clickhouseClient.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		close(f.closed)
		util.Info("Factory closed")
		util.Sync()
	})
}
