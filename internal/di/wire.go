//go:build wireinject
// +build wireinject

package di

import (
	"StockMaster/pkg/config"
	"StockMaster/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideRedisClient,

		// Repositories
		ProvideRegistryStore,
		ProvideRunLocker,
		ProvideAuditSink,

		// Source adapters
		ProvideExchangeSource,
		ProvidePriceSource,

		// Use cases
		ProvideRetryPolicy,
		ProvideReconciler,
		ProvideListingInference,
		ProvideCorporateActions,
		ProvideOrchestrator,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
