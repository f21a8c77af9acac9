package di

import (
	"context"
	"fmt"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	internalrepo "StockMaster/internal/repository"
	"StockMaster/internal/source/fdr"
	"StockMaster/internal/source/krx"
	"StockMaster/internal/usecase"
	pkgch "StockMaster/pkg/clickhouse"
	"StockMaster/pkg/config"
	pkgkafka "StockMaster/pkg/kafka"
	applogger "StockMaster/pkg/logger"
	"StockMaster/pkg/metrics"
	"StockMaster/pkg/retry"
	"StockMaster/pkg/server"
	"StockMaster/pkg/util"

	"github.com/redis/go-redis/v9"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	return applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() drepo.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideRegistryStore creates the ClickHouse-backed registry and ensures its
// schema exists.
func ProvideRegistryStore(client *pkgch.Client, log *applogger.Logger, m drepo.Metrics) (drepo.RegistryStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := internalrepo.NewClickHouseRegistry(ctx, client, log, m)
	if err != nil {
		return nil, fmt.Errorf("registry store: %w", err)
	}
	return store, nil
}

// ProvideRedisClient creates a Redis client, or nil when Redis is disabled.
func ProvideRedisClient(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ProvideRunLocker creates the per-market run lock. Without Redis, locking is
// a no-op and overlap protection rests on the single-process scheduler.
func ProvideRunLocker(rdb *redis.Client) drepo.RunLocker {
	if rdb == nil {
		return internalrepo.NopRunLocker{}
	}
	return internalrepo.NewRedisRunLocker(rdb)
}

// ProvideAuditSink creates the Kafka audit sink, falling back to structured
// logs when Kafka is disabled.
func ProvideAuditSink(cfg *config.Config, log *applogger.Logger) (drepo.AuditSink, error) {
	if !cfg.Kafka.Enabled {
		return internalrepo.NewLogAuditSink(log), nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithMaxAttempts(cfg.Kafka.MaxAttempts),
		pkgkafka.WithBatchSize(cfg.Kafka.BatchSize),
		pkgkafka.WithBatchTimeout(cfg.Kafka.BatchTimeout),
		pkgkafka.WithTimeouts(cfg.Kafka.WriteTimeout, cfg.Kafka.ReadTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return internalrepo.NewKafkaAuditSink(producer, cfg.Kafka.AuditTopic, log), nil
}

// ProvideExchangeSource creates the KRX exchange adapter.
func ProvideExchangeSource(cfg *config.Config) drepo.ExchangeSource {
	return krx.New(cfg.KRX.BaseURL, cfg.KRX.Timeout, cfg.KRX.RatePerSec, cfg.KRX.Burst)
}

// ProvidePriceSource creates the price-history adapter.
func ProvidePriceSource(cfg *config.Config, log *applogger.Logger) drepo.PriceSource {
	return fdr.New(cfg.FDR.BaseURL, cfg.FDR.APIKey, cfg.FDR.Timeout, cfg.FDR.RatePerSec, log)
}

// ProvideRetryPolicy builds the shared source-retry policy.
func ProvideRetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Batch.Retry.MaxAttempts,
		BaseDelay:   cfg.Batch.Retry.BaseDelay,
		MaxDelay:    cfg.Batch.Retry.MaxDelay,
		Jitter:      cfg.Batch.Retry.Jitter,
	}
}

// ProvideReconciler creates the diff pass.
func ProvideReconciler(
	exchange drepo.ExchangeSource,
	store drepo.RegistryStore,
	audit drepo.AuditSink,
	m drepo.Metrics,
	log *applogger.Logger,
	pol retry.Policy,
	cfg *config.Config,
) *usecase.Reconciler {
	return usecase.NewReconciler(exchange, store, audit, m, log, usecase.ReconcilerConfig{
		SkipUnchanged: cfg.Batch.SkipUnchanged,
		Retry:         pol,
	})
}

// ProvideListingInference creates the listing-date inference phase.
func ProvideListingInference(
	prices drepo.PriceSource,
	store drepo.RegistryStore,
	m drepo.Metrics,
	log *applogger.Logger,
	pol retry.Policy,
	cfg *config.Config,
) (*usecase.ListingInference, error) {
	bound, ok := util.ParseDate(cfg.Batch.EarliestListingBound)
	if !ok {
		return nil, fmt.Errorf("bad earliest_listing_bound %q", cfg.Batch.EarliestListingBound)
	}
	return usecase.NewListingInference(prices, store, m, log, usecase.InferenceConfig{
		EarliestBound: bound,
		Workers:       cfg.Batch.SymbolWorkers,
		Retry:         pol,
	}), nil
}

// ProvideCorporateActions creates the detector/re-collector phase.
func ProvideCorporateActions(
	exchange drepo.ExchangeSource,
	prices drepo.PriceSource,
	store drepo.RegistryStore,
	audit drepo.AuditSink,
	m drepo.Metrics,
	log *applogger.Logger,
	pol retry.Policy,
	cfg *config.Config,
) (*usecase.CorporateActions, error) {
	bound, ok := util.ParseDate(cfg.Batch.EarliestListingBound)
	if !ok {
		return nil, fmt.Errorf("bad earliest_listing_bound %q", cfg.Batch.EarliestListingBound)
	}
	return usecase.NewCorporateActions(exchange, prices, store, audit, m, log, usecase.CAConfig{
		Threshold:     cfg.Batch.AnomalyThreshold,
		WindowDays:    cfg.Batch.ConfirmationWindowDays,
		Workers:       cfg.Batch.SymbolWorkers,
		EarliestBound: bound,
		Retry:         pol,
	}), nil
}

// ProvideOrchestrator creates the run sequencer.
func ProvideOrchestrator(
	reconciler *usecase.Reconciler,
	inference *usecase.ListingInference,
	actions *usecase.CorporateActions,
	store drepo.RegistryStore,
	locker drepo.RunLocker,
	m drepo.Metrics,
	log *applogger.Logger,
	cfg *config.Config,
) (*usecase.Orchestrator, error) {
	markets, err := parseMarkets(cfg.Batch.Markets)
	if err != nil {
		return nil, err
	}
	return usecase.NewOrchestrator(reconciler, inference, actions, store, locker, m, log, usecase.OrchestratorConfig{
		Markets:          markets,
		MarketWorkers:    cfg.Batch.MarketWorkers,
		LockTTL:          cfg.Batch.LockTTL,
		OptimizeAfterRun: cfg.Batch.OptimizeAfterRun,
	}), nil
}

func parseMarkets(codes []string) ([]models.Market, error) {
	out := make([]models.Market, 0, len(codes))
	for _, c := range codes {
		m, err := models.ParseMarket(c)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	orchestrator *usecase.Orchestrator,
	store drepo.RegistryStore,
	audit drepo.AuditSink,
	chClient *pkgch.Client,
	rdb *redis.Client,
) *server.App {
	return server.New(cfg, log, orchestrator, store, audit, chClient, rdb)
}
