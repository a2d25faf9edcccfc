package main

import (
	"strings"

	"creatorfund/ledger/internal/allocation"
	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/earnings"
	"creatorfund/ledger/internal/handlers"
	"creatorfund/ledger/internal/jobs"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/monitor"
	"creatorfund/ledger/internal/notify"
	"creatorfund/ledger/internal/payout"
	"creatorfund/ledger/internal/webhook"
	"creatorfund/ledger/pkg/auth"
	pkgconfig "creatorfund/ledger/pkg/config"
	"creatorfund/ledger/pkg/database"
	"creatorfund/ledger/pkg/kafka"
	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/monitoring"
	"creatorfund/ledger/pkg/server"
	"creatorfund/ledger/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("ledgerd")

	// Load environment variables
	pkgconfig.LoadEnv(logger)

	logger.Info("Starting Ledgerd (Creator Funding Ledger)")

	dbURL := pkgconfig.RequireEnv("DATABASE_URL")
	jwtSecret := pkgconfig.RequireEnv("JWT_SECRET")
	serviceToken := pkgconfig.RequireEnv("SERVICE_TOKEN")
	providerKey := pkgconfig.RequireEnv("PROVIDER_SECRET_KEY")
	webhookSecret := pkgconfig.RequireEnv("PROVIDER_WEBHOOK_SECRET")

	// Limits and thresholds are loaded once and injected everywhere.
	limits := config.LoadLimits()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("ledgerd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("ledgerd", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":            dbURL,
		"JWT_SECRET":              jwtSecret,
		"PROVIDER_SECRET_KEY":     providerKey,
		"PROVIDER_WEBHOOK_SECRET": webhookSecret,
	}))

	// Custom ledger metrics
	metrics := &handlers.LedgerMetrics{
		AllocationWrites:  metricsCollector.NewCounter("allocation_writes_total", "Allocation writes applied", []string{"operation"}),
		PayoutTransitions: metricsCollector.NewCounter("payout_transitions_total", "Payout state transitions", []string{"status"}),
		WebhookEvents:     metricsCollector.NewCounter("webhook_events_total", "Provider webhook events", []string{"result"}),
		SignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook signature verification failures", []string{"provider"}),
		MonthCloseRuns:    metricsCollector.NewCounter("month_close_runs_total", "Month-end close runs", []string{"result"}),
	}
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Domain wiring
	store := ledger.NewStore(db, logger)
	notifier := notify.NewLogDispatcher(logger)
	provider := payout.NewStripeProvider(providerKey, logger)
	validator := payout.NewValidator(db, store, limits, logger)
	payoutSvc := payout.NewService(db, store, validator, provider, limits, notifier, logger)
	engine := allocation.NewEngine(store, logger, limits.CoalesceWindow)
	defer engine.Close()
	markers := webhook.NewMarkers(db, logger)
	dispatcher := webhook.NewDispatcher(markers, store, payoutSvc, logger)
	balanceMonitor := monitor.New(db, store, provider, limits, notifier, logger)
	processor := earnings.NewProcessor(db, logger)

	// Billing event consumer (optional: no brokers, no consumer)
	var consumer *kafka.Consumer
	if brokers := pkgconfig.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		var err error
		consumer, err = kafka.NewConsumer(strings.Split(brokers, ","), "ledgerd", "ledgerd-1", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()
		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
	} else {
		logger.Warn("KAFKA_BROKERS not set; subscription events will not be consumed")
	}

	handlers.Init(db, logger, store, engine, payoutSvc, balanceMonitor, dispatcher, webhookSecret, metrics)

	// Background jobs: month-end close, balance monitor, webhook purge,
	// payout retries, subscription event consumption.
	jobManager := jobs.NewManager(store, processor, payoutSvc, balanceMonitor, markers, consumer, limits, logger)
	if err := jobManager.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start job manager")
	}
	defer jobManager.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "ledgerd", healthChecker, metricsCollector)

	{
		// Authenticated user endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/allocations", handlers.SetAllocation)
			protected.GET("/balance", handlers.GetBalance)
			protected.POST("/payouts", handlers.RequestPayout)
			protected.POST("/payouts/:id/cancel", handlers.CancelPayout)
		}

		// Admin endpoints
		admin := router.Group("")
		admin.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)), auth.RequireRole("admin"))
		{
			admin.GET("/approvals", handlers.ListApprovals)
			admin.POST("/approvals/:id/decision", handlers.DecideApproval)
			admin.GET("/platform/health", handlers.GetPlatformHealth)
			admin.GET("/platform/snapshots", handlers.GetRecentSnapshots)
		}

		// Provider webhook entry point (signature-verified, no auth)
		router.POST("/webhooks/provider", handlers.ProviderWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.GET("/balance/:user_id", handlers.GetBalanceByID)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("ledgerd", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
