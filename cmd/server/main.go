package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/credit-engine/internal/billing"
	"github.com/crosslogic/credit-engine/internal/config"
	"github.com/crosslogic/credit-engine/internal/gateway"
	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/notifications"
	"github.com/crosslogic/credit-engine/internal/realtime"
	"github.com/crosslogic/credit-engine/internal/tasks"
	"github.com/crosslogic/credit-engine/internal/usage"
	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/crosslogic/credit-engine/pkg/database"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/crosslogic/credit-engine/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting credit engine",
		zap.Bool("payment_enabled", cfg.Billing.PaymentEnabled),
		zap.String("durable_backend", cfg.Database.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	sealer, err := vault.NewService(cfg.Vault.MasterKey)
	if err != nil {
		logger.Fatal("failed to initialize vault", zap.Error(err))
	}

	// Durable store
	var (
		durable    ledger.Durable
		usageLog   *usage.Recorder
		aggregator billing.StorageAggregator
	)
	switch cfg.Database.Backend {
	case "mongo":
		mongoDB, err := database.NewMongo(cfg.Database)
		if err != nil {
			logger.Fatal("failed to connect to mongo", zap.Error(err))
		}
		defer mongoDB.Close(context.Background())

		durable = ledger.NewMongoStore(mongoDB)
		usageLog = usage.NewMongoRecorder(mongoDB, sealer, logger)
		aggregator = billing.NewMongoStorageAggregator(mongoDB)
		logger.Info("connected to mongo")
	default:
		db, err := database.NewDatabase(cfg.Database)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure schema", zap.Error(err))
		}

		durable = ledger.NewPostgresStore(db)
		usageLog = usage.NewRecorder(db, sealer, logger)
		aggregator = billing.NewPostgresStorageAggregator(db)
		logger.Info("connected to database")
	}

	retry := ledger.NewRetryPolicy(cfg.Billing.LedgerWriteAttempts, cfg.Billing.LedgerWriteDelay, logger)
	store := ledger.NewStore(redisCache, durable, sealer, retry, logger)

	// Realtime balance updates, fanned out across replicas
	hub := realtime.NewHub(logger)
	relay := realtime.NewRelay(redisCache, hub, logger)
	go func() {
		if err := relay.Run(ctx, nil); err != nil && ctx.Err() == nil {
			logger.Error("realtime relay stopped", zap.Error(err))
		}
	}()

	pool := tasks.NewPool(tasks.Config{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
		OnDone: func(ev tasks.Event) {
			metrics.RecordTask(ev.Name, ev.Err, ev.Panicked)
		},
	}, logger)

	// Initialize event bus
	eventBus := events.NewBus(logger)

	alerts, err := notifications.NewService(notifications.FromConfig(cfg.Notifications), redisCache, logger)
	if err != nil {
		logger.Fatal("failed to initialize notification service", zap.Error(err))
	}
	if alerts != nil {
		alerts.Start(ctx, eventBus)
		defer alerts.Stop()
	}

	// Payments
	var (
		topUps   billing.TopUpTrigger
		webhooks http.HandlerFunc
	)
	if cfg.Billing.PaymentEnabled {
		pricingCfg, err := config.LoadPricing(cfg.Billing.PricingConfigPath)
		if err != nil {
			logger.Fatal("failed to load pricing", zap.Error(err))
		}

		orders := billing.NewOrderCache(redisCache, cfg.Billing.OrderTTL)
		topUps = billing.NewTopUpOrchestrator(
			store,
			redisCache,
			orders,
			billing.NewStripeProvider(cfg.Billing.StripeSecretKey, logger),
			billing.NewPricingTable(pricingCfg),
			billing.CooldownPolicy{Cooldown: cfg.Billing.AutoTopUpCooldown, RetryCooldown: cfg.Billing.AutoTopUpRetry},
			eventBus,
			logger,
		)

		webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, redisCache, orders, store, relay, eventBus, logger)
		webhooks = webhookHandler.HandleWebhook
		logger.Info("initialized payments")
	}

	// Initialize charging engine
	engine := billing.NewEngine(billing.EngineDeps{
		Ledger:         store,
		Usage:          usageLog,
		Broadcaster:    relay,
		TopUps:         topUps,
		Tasks:          pool,
		Events:         eventBus,
		PaymentEnabled: cfg.Billing.PaymentEnabled,
	}, logger)

	biller := billing.NewStorageBiller(aggregator, engine, store, eventBus, cfg.Storage.BatchSize, logger)
	jobs := billing.NewJobs(biller, store, redisCache, cfg.Storage.BillingInterval, cfg.Billing.ReconcileInterval, logger)
	jobs.StartBackgroundJobs(ctx)

	// Initialize API gateway
	gw := gateway.NewGateway(gateway.Options{
		Ledger:   store,
		Charger:  engine,
		Storage:  jobs,
		Realtime: hub.ServeWS,
		Webhooks: webhooks,
		Dependencies: []gateway.Dependency{
			{Name: "redis", Checker: redisCache},
			{Name: cfg.Database.Backend, Checker: store},
		},
		InternalToken:  cfg.Security.InternalAPIToken,
		MetricsPath:    cfg.Monitoring.MetricsPath,
		AllowedOrigins: cfg.Security.AllowedOrigins,
	}, logger)
	gw.StartHealthMetrics(ctx)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Let in-flight broadcasts and usage writes finish
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("detached tasks did not drain", zap.Error(err))
	}

	cancel()
	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
