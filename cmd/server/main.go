package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/credits/internal/billing"
	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/gateway"
	"github.com/crosslogic/credits/internal/notifications"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/breaker"
	"github.com/crosslogic/credits/pkg/cache"
	"github.com/crosslogic/credits/pkg/database"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/idempotency"
	"go.uber.org/zap"
)

func main() {
	logger, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting CrossLogic credit service")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	tiers, err := config.LoadTierCatalog(cfg.Billing.TierConfigPath)
	if err != nil {
		logger.Fatal("failed to load tier catalog", zap.Error(err))
	}
	logger.Info("loaded tier catalog", zap.Int("tiers", len(tiers.Names())))

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	eventBus := events.NewBus(logger)
	subscribeAlerts(eventBus, logger)
	logger.Info("initialized event bus")

	notifyCfg, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}
	notifier := notifications.NewService(notifyCfg, redisCache, logger)
	notifier.Start(ctx, eventBus)

	ledger := credits.NewLedger(
		credits.NewPostgresStore(db),
		credits.NewRedisBalanceCache(redisCache, cfg.Billing.BalanceCacheTTL),
		logger,
	)
	refresh := credits.NewRefreshService(ledger, tiers, cfg.Billing.RefreshWindow, logger)
	costs := credits.NewCostCalculator(credits.CostConfig{
		MarkupFactor: cfg.Billing.MarkupFactor,
		MinimumCost:  cfg.Billing.MinimumCost,
		FreeModels:   cfg.Billing.FreeModels,
	}, logger)
	gate := credits.NewGate(credits.GateConfig{Disabled: cfg.Billing.Disabled}, ledger, refresh, tiers, costs, logger)
	gate.SetPublisher(eventBus)
	logger.Info("initialized credit ledger", zap.Bool("billing_disabled", cfg.Billing.Disabled))

	// Without a provider key the service still meters usage; checkout,
	// webhooks and purchase reconciliation are unavailable.
	var client provider.Client
	if cfg.Provider.StripeSecretKey != "" {
		stripeBreaker := breaker.New(breaker.Config{
			Name:             "stripe",
			FailureThreshold: cfg.Provider.BreakerFailureThreshold,
			FailureRate:      cfg.Provider.BreakerFailureRate,
			MinRequests:      cfg.Provider.BreakerMinRequests,
			Window:           cfg.Provider.BreakerWindow,
			Cooldown:         cfg.Provider.BreakerCooldown,
			CallTimeout:      cfg.Provider.CallTimeout,
		})
		keys := idempotency.NewGenerator(cfg.Provider.IdempotencyBucket)
		client = provider.NewStripeClient(cfg.Provider.StripeSecretKey, stripeBreaker, keys, logger)
		logger.Info("initialized payment provider")
	}

	enroller := billing.NewEnroller(ledger, redisCache, client, cfg.Billing.SetupLockTTL, logger)
	enroller.SetPublisher(eventBus)
	gate.SetProvisioner(enroller)

	deps := gateway.Deps{
		Gate:    gate,
		Ledger:  ledger,
		Refresh: refresh,
		Cache:   redisCache,
		Health: map[string]gateway.HealthChecker{
			"postgres": db,
			"redis":    redisCache,
		},
	}

	if client != nil {
		deps.Billing = billing.NewService(billing.ServiceConfig{
			SuccessURL:      cfg.Billing.PurchaseSuccessURL,
			CancelURL:       cfg.Billing.PurchaseCancelURL,
			PortalReturnURL: cfg.Billing.PortalReturnURL,
			TrialDays:       int64(cfg.Billing.TrialDays),
		}, ledger, tiers, client, enroller, logger)
	}

	if cfg.Provider.StripeWebhookSecret != "" {
		deps.Webhooks = billing.NewWebhookHandler(billing.WebhookConfig{
			Secret:       cfg.Provider.StripeWebhookSecret,
			TrialCredits: cfg.Billing.TrialCredits,
		}, ledger, tiers, redisCache, logger, eventBus)
		logger.Info("initialized webhook handler")
	}

	reconciler := billing.NewReconciler(billing.ReconcilerConfig{
		Interval:        cfg.Reconciliation.Interval,
		PendingTimeout:  cfg.Reconciliation.PendingTimeout,
		RepairDrift:     cfg.Reconciliation.RepairDrift,
		DuplicateWindow: cfg.Reconciliation.DuplicateWindow,
		ExpiryGrace:     cfg.Reconciliation.ExpiryGrace,
		BatchSize:       cfg.Reconciliation.BatchSize,
		Concurrency:     cfg.Reconciliation.Concurrency,
	}, ledger, client, logger)
	reconciler.SetPublisher(eventBus)
	deps.Reconciler = reconciler

	if cfg.Reconciliation.Enabled {
		reconciler.Start(ctx)
		logger.Info("started reconciliation loop", zap.Duration("interval", cfg.Reconciliation.Interval))
	}

	metricsPath := ""
	if cfg.Monitoring.Enabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	security := gateway.DefaultSecurityConfig()
	security.AllowedHosts = cfg.Security.AllowedHosts
	gw := gateway.NewGateway(gateway.Config{
		ServiceToken:      cfg.Security.ServiceAPIToken,
		AdminToken:        cfg.Security.AdminAPIToken,
		MetricsPath:       metricsPath,
		AllowedOrigins:    cfg.Security.AllowedOrigins,
		CheckoutRateLimit: int64(cfg.Security.CheckoutRateLimit),
		Security:          security,
	}, deps, logger)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop the reconciliation loop first; sweeps commit per item.
	cancel()
	notifier.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// subscribeAlerts logs the events operators have to act on.
func subscribeAlerts(bus *events.Bus, logger *zap.Logger) {
	alert := func(ctx context.Context, event events.Event) error {
		logger.Warn("billing alert",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("account_id", event.AccountID),
			zap.Any("payload", event.Payload),
		)
		return nil
	}
	for _, t := range notifications.AlertEvents {
		bus.Subscribe(t, alert)
	}
}
