package di

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"TradeGuard/internal/adapt"
	"TradeGuard/internal/audit"
	"TradeGuard/internal/detector"
	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	"TradeGuard/internal/engine"
	"TradeGuard/internal/handler/api"
	"TradeGuard/internal/health"
	mid "TradeGuard/internal/middleware"
	internalrepo "TradeGuard/internal/repository"
	"TradeGuard/internal/service/feed"
	"TradeGuard/internal/usecase"
	"TradeGuard/pkg/cache"
	pkgch "TradeGuard/pkg/clickhouse"
	"TradeGuard/pkg/config"
	pkgkafka "TradeGuard/pkg/kafka"
	"TradeGuard/pkg/logger"
	"TradeGuard/pkg/metrics"
	"TradeGuard/pkg/queue"
	"TradeGuard/pkg/server"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client and the audit schema.
// Returns nil when ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := append([]string{
		"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database,
	}, internalrepo.Schema(cfg.ClickHouse.Database)...)
	if err := client.InitSchema(ctx, stmts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideRedisCache creates the shared Redis client, or nil when disabled.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	host, port := cfg.Redis.Addr, 6379
	if h, p, err := net.SplitHostPort(cfg.Redis.Addr); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return cache.NewRedisCache(
		cache.WithRedisHost(host),
		cache.WithRedisPort(port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
}

// ProvideAuditSink selects ClickHouse when available, in-memory otherwise.
func ProvideAuditSink(ch *pkgch.Client, cfg *config.Config, lgr *logger.Logger) repository.AuditSink {
	if ch != nil {
		return internalrepo.NewCHAuditSink(ch, cfg.ClickHouse.Database, lgr)
	}
	lgr.Warn("clickhouse disabled, audit log is in-memory only")
	return audit.NewMemorySink()
}

// ProvideStateStore selects Redis persistence when available.
func ProvideStateStore(rc *cache.RedisCache, cfg *config.Config, lgr *logger.Logger) repository.StateStore {
	if rc != nil {
		return internalrepo.NewRedisStateStore(rc, cfg.Redis.DedupTTL)
	}
	lgr.Warn("redis disabled, control state will not survive restarts")
	return internalrepo.NewMemoryStateStore(cfg.Redis.DedupTTL)
}

// ProvideDeduper reuses the state store's dedup surface.
func ProvideDeduper(store repository.StateStore) repository.Deduper {
	if d, ok := store.(repository.Deduper); ok {
		return d
	}
	return nil
}

// ProvideAuditLog creates the audit front end.
func ProvideAuditLog(sink repository.AuditSink, lgr *logger.Logger, m repository.Metrics, cfg *config.Config) *audit.Log {
	return audit.NewLog(sink, lgr, m, cfg.Detector.LogThreshold)
}

// ProvideDetectorRegistry builds the scorer registry with per-source bindings.
func ProvideDetectorRegistry(cfg *config.Config) *detector.Registry {
	base := detector.EWMAConfig{
		Alpha:          cfg.Detector.Alpha,
		WarmupSamples:  cfg.Detector.WarmupSamples,
		LatenessWindow: cfg.Detector.LatenessWindow,
		LateConfidence: cfg.Detector.LateConfidence,
	}
	reg := detector.NewRegistry(cfg.Detector.Kind)
	reg.Register("ewma", func(sourceID string) detector.Scorer {
		return detector.NewEWMAScorer(sourceID, base)
	})
	reg.Register("static", func(sourceID string) detector.Scorer {
		return detector.NewStaticScorer(sourceID, 0, 1)
	})
	for _, src := range cfg.Detector.Sources {
		if src.Kind != "" {
			reg.Bind(src.ID, src.Kind)
		}
		if src.Alpha > 0 {
			alpha := src.Alpha
			kind := "ewma:" + src.ID
			reg.Register(kind, func(sourceID string) detector.Scorer {
				c := base
				c.Alpha = alpha
				return detector.NewEWMAScorer(sourceID, c)
			})
			reg.Bind(src.ID, kind)
		}
	}
	return reg
}

// ProvideHealthAggregator builds the score fusion state machine.
func ProvideHealthAggregator(cfg *config.Config) *health.Aggregator {
	return health.New(health.Config{
		HardCeiling:   cfg.Health.HardCeiling,
		SoftThreshold: cfg.Health.SoftThreshold,
		Window:        cfg.Health.Window,
		CriticalQuota: cfg.Health.CriticalQuota,
		DegradedQuota: cfg.Health.DegradedQuota,
		QuietPeriod:   cfg.Health.QuietPeriod,
		MinConfidence: cfg.Health.MinConfidence,
	})
}

// ProvidePolicy builds the initial risk policy.
func ProvidePolicy(cfg *config.Config) models.Policy {
	return models.Policy{
		Version: 1,
		RiskLimits: models.RiskLimits{
			MaxPositionUSD:  cfg.Policy.RiskLimits.MaxPositionUSD,
			MaxOrderUSD:     cfg.Policy.RiskLimits.MaxOrderUSD,
			MaxDailyLossUSD: cfg.Policy.RiskLimits.MaxDailyLossUSD,
		},
		ThrottleFactor: cfg.Policy.ThrottleFactor,
		ResumeFactor:   cfg.Policy.ResumeFactor,
		Cooldown:       cfg.Policy.Cooldown,
		RecoveryWindow: cfg.Policy.RecoveryWindow,
		CreatedAt:      time.Now(),
	}
}

// ProvideActionQueue creates the queue carrying healing actions. With Redis
// available the queue is durable, so actions dispatched just before a crash
// are delivered after restart.
func ProvideActionQueue(cfg *config.Config, lgr *logger.Logger, rc *cache.RedisCache) queue.ActionQueue {
	qc := &queue.QueueConfig{
		Workers:    cfg.Queue.Workers,
		QueueSize:  cfg.Queue.Size,
		RetryLimit: cfg.Queue.RetryLimit,
		RetryDelay: cfg.Queue.RetryDelay,
	}
	if rc != nil {
		return queue.NewRedisQueue(lgr, qc, rc.Client(),
			queue.WithKeyPrefix(cfg.Redis.Prefix+":queue"))
	}
	return queue.NewMemoryQueue(lgr, qc)
}

// ProvideModelRegistry selects the HTTP registry when a URL is configured.
func ProvideModelRegistry(cfg *config.Config, lgr *logger.Logger) repository.ModelRegistry {
	if cfg.Registry.BaseURL != "" {
		return adapt.NewHTTPModelRegistry(cfg.Registry.BaseURL, cfg.Registry.Timeout)
	}
	return adapt.NewNopModelRegistry(lgr)
}

// ProvideExecutionControl selects the HTTP control surface when configured.
func ProvideExecutionControl(cfg *config.Config, lgr *logger.Logger) repository.ExecutionControl {
	if cfg.Execution.BaseURL != "" {
		return adapt.NewHTTPExecutionControl(cfg.Execution.BaseURL, cfg.Execution.Timeout)
	}
	return adapt.NewNopExecutionControl(lgr)
}

// ProvideController creates the adaptation controller and registers it on the
// action queue.
func ProvideController(cfg *config.Config, registry repository.ModelRegistry, exec repository.ExecutionControl,
	q queue.ActionQueue, auditLog *audit.Log, m repository.Metrics, lgr *logger.Logger) *adapt.Controller {

	ctrl := adapt.NewController(adapt.Config{
		CallTimeout:      cfg.Adapt.CallTimeout,
		RetryMax:         cfg.Adapt.RetryMax,
		BackoffMin:       cfg.Adapt.BackoffMin,
		BackoffMax:       cfg.Adapt.BackoffMax,
		ShadowDuration:   cfg.Adapt.ShadowDuration,
		ShadowMaxScore:   cfg.Adapt.ShadowMaxScore,
		ConfidenceFloor:  cfg.Adapt.ConfidenceFloor,
		ConfidenceSource: cfg.Adapt.ConfidenceSource,
	}, registry, exec, q, auditLog, m, lgr)
	q.RegisterJob(ctrl)
	q.SetFailureHandler(ctrl.FailureHook())
	return ctrl
}

// ProvideEngine creates the transition engine with the controller as its
// dispatcher, then closes the supervision loop back to the controller.
func ProvideEngine(cfg *config.Config, pol models.Policy, auditLog *audit.Log, store repository.StateStore,
	ctrl *adapt.Controller, m repository.Metrics, lgr *logger.Logger) *engine.Engine {

	eng := engine.New(engine.Config{
		Cooldown:       cfg.Policy.Cooldown,
		RecoveryWindow: cfg.Policy.RecoveryWindow,
		AutoClearance:  true,
	}, pol, auditLog, store, ctrl, m, lgr)
	ctrl.SetSupervisor(eng)
	return eng
}

// ProvideControlLoop assembles the per-sample path.
func ProvideControlLoop(dedup repository.Deduper, reg *detector.Registry, auditLog *audit.Log,
	agg *health.Aggregator, eng *engine.Engine, ctrl *adapt.Controller,
	m repository.Metrics, lgr *logger.Logger) *usecase.ControlLoop {

	return usecase.NewControlLoop(dedup, reg, auditLog, agg, eng, ctrl, m, lgr)
}

// ProvideFeedStream creates the WebSocket sample feed, or nil when disabled.
func ProvideFeedStream(cfg *config.Config, lgr *logger.Logger) repository.SampleStream {
	if !cfg.Feed.Enabled {
		return nil
	}
	return feed.New(cfg.Feed.URL, cfg.Feed.Sources, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, lgr)
}

// ProvideSampleCollector creates the feed collector, or nil without a feed.
func ProvideSampleCollector(stream repository.SampleStream, loop *usecase.ControlLoop,
	m repository.Metrics, cfg *config.Config) *usecase.SampleCollector {

	if stream == nil {
		return nil
	}
	pipe := mid.NewSamplePipeline(loop, m,
		mid.WithMaxRPS(cfg.Pipeline.MaxRPS),
		mid.WithBufferSize(cfg.Pipeline.BufferSize),
	)
	return usecase.NewSampleCollector(stream, loop, m, pipe)
}

// ProvideKafkaConsumer creates a Kafka consumer, or nil when disabled.
func ProvideKafkaConsumer(cfg *config.Config) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideKafkaSamplesHandler registers the handler for the samples topic.
func ProvideKafkaSamplesHandler(loop *usecase.ControlLoop, m repository.Metrics, cfg *config.Config) *usecase.KafkaSamplesHandler {
	return usecase.NewKafkaSamplesHandler(cfg.Kafka.Topic, loop, m)
}

// ProvideQueryCache backs read-endpoint caching. Layered over Redis when
// available so cached audit pages survive a restart, in-memory otherwise.
func ProvideQueryCache(rc *cache.RedisCache) cache.Service {
	if rc != nil {
		return cache.NewLayeredCache(rc)
	}
	return cache.NewMemoryCache()
}

// ProvideLogProducer creates the Kafka producer carrying aggregated error
// logs and attaches the collector to the logger. Nil when Kafka is disabled.
func ProvideLogProducer(cfg *config.Config, lgr *logger.Logger) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	p, err := pkgkafka.NewProducer(pkgkafka.WithBrokers(cfg.Kafka.Brokers))
	if err != nil {
		return nil, fmt.Errorf("log producer: %w", err)
	}
	lgr.AddCollector(&logger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          cfg.Kafka.LogTopic,
		Publisher:      p,
	})
	return p, nil
}

// ProvideControlHandler creates the HTTP control surface.
func ProvideControlHandler(lgr *logger.Logger, loop *usecase.ControlLoop, eng *engine.Engine,
	store repository.StateStore, sink repository.AuditSink, ctrl *adapt.Controller, qc cache.Service) *api.ControlEchoHandler {
	return api.NewControlEchoHandler(lgr, loop, eng, store, sink, ctrl, qc)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	lgr *logger.Logger,
	eng *engine.Engine,
	ctrl *adapt.Controller,
	store repository.StateStore,
	sink repository.AuditSink,
	q queue.ActionQueue,
	collector *usecase.SampleCollector,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaSamplesHandler,
	chClient *pkgch.Client,
	rc *cache.RedisCache,
	producer *pkgkafka.Producer,
	handler *api.ControlEchoHandler,
) *server.App {
	if consumer != nil {
		consumer.WithConsumerHook(pkgkafka.NoopHook{})
	}
	return server.New(cfg, lgr, eng, ctrl, store, sink, q, collector, consumer, kh, chClient, rc, producer, handler)
}
