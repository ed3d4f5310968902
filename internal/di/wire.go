//go:build wireinject
// +build wireinject

package di

import (
	"TradeGuard/pkg/config"
	"TradeGuard/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation in wire_gen.go.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideRedisCache,
		ProvideQueryCache,
		ProvideLogProducer,

		// Persistence
		ProvideAuditSink,
		ProvideStateStore,
		ProvideDeduper,
		ProvideAuditLog,

		// Control core
		ProvideDetectorRegistry,
		ProvideHealthAggregator,
		ProvidePolicy,
		ProvideActionQueue,
		ProvideModelRegistry,
		ProvideExecutionControl,
		ProvideController,
		ProvideEngine,
		ProvideControlLoop,

		// Intake surfaces
		ProvideFeedStream,
		ProvideSampleCollector,
		ProvideKafkaConsumer,
		ProvideKafkaSamplesHandler,
		ProvideControlHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
