package main

import (
	"context"

	"github.com/polarpass/teller/internal/amnezia"
	"github.com/polarpass/teller/internal/blitz"
	"github.com/polarpass/teller/internal/handlers"
	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/internal/yookassa"
	"github.com/polarpass/teller/internal/yoomoney"
	"github.com/polarpass/teller/pkg/auth"
	"github.com/polarpass/teller/pkg/config"
	"github.com/polarpass/teller/pkg/database"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
	"github.com/polarpass/teller/pkg/monitoring"
	"github.com/polarpass/teller/pkg/server"
	"github.com/polarpass/teller/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("teller")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Teller (Ledger & Settlement API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("teller", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("teller", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom ledger metrics
	metrics := &handlers.TellerMetrics{
		PaymentsRecorded:   metricsCollector.NewCounter("payments_recorded_total", "Ledger scan cycles that recorded payments", []string{"channel"}),
		SettlementRuns:     metricsCollector.NewCounter("settlement_runs_total", "Settlement cycles", []string{"status"}),
		PurchaseOperations: metricsCollector.NewCounter("purchase_operations_total", "Purchase and renewal operations", []string{"operation", "code"}),
		KeysSwept:          metricsCollector.NewCounter("keys_swept_total", "Expiry sweep cycles", []string{"status"}),
		RateRefreshes:      metricsCollector.NewCounter("rate_refreshes_total", "Exchange rate refreshes", []string{"status"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Wire the provisioning backends. Xray keys are cut over SSH on the
	// least loaded server, hysteria keys through the Blitz panel.
	selector := provisioner.NewSelector(models.ProtocolXray)
	selector.Register(models.ProtocolXray, amnezia.New(db, logger, config.GetEnv("XRAY_KEY_TEMPLATE_PATH", "")))
	if blitzURL := config.GetEnv("BLITZ_API_URL", ""); blitzURL != "" {
		selector.Register(models.ProtocolHysteria, blitz.NewClient(blitz.Config{
			APIURL: blitzURL,
			APIKey: config.GetEnv("BLITZ_API_KEY", ""),
			Logger: logger,
		}))
	} else {
		logger.Warn("BLITZ_API_URL not set, hysteria provisioning disabled")
	}

	// Gateway clients for balance topups
	yk := yookassa.NewClient(db, yookassa.Config{
		ShopID:    config.GetEnv("YOOKASSA_SHOP_ID", ""),
		SecretKey: config.GetEnv("YOOKASSA_SECRET_KEY", ""),
		ReturnURL: config.GetEnv("YOOKASSA_RETURN_URL", "https://t.me"),
		Logger:    logger,
	})
	ym := yoomoney.NewClient(db, yoomoney.Config{
		Wallet: config.GetEnv("YOOMONEY_WALLET", ""),
		Token:  config.GetEnv("YOOMONEY_TOKEN", ""),
		Logger: logger,
	})

	// Initialize handlers
	handlers.Init(db, logger, metrics, selector, yk, ym)

	// Initialize and start JobManager for scanners, settlement and sweeps
	jobManager := handlers.NewJobManager(db, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background ledger jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "teller", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/teller/ prefix)
	{
		// Bot-facing endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.GET("/tariffs", handlers.GetTariffs)
			serviceAPI.GET("/accounts/:account_id/balance", handlers.GetBalance)
			serviceAPI.GET("/accounts/:account_id/keys", handlers.GetKeys)
			serviceAPI.POST("/purchase", handlers.HandlePurchase)
			serviceAPI.POST("/renew", handlers.HandleRenew)
			serviceAPI.POST("/price", handlers.HandlePrice)
			serviceAPI.POST("/topup/yookassa", handlers.CreateYooKassaTopup)
			serviceAPI.POST("/topup/yoomoney", handlers.CreateYooMoneyTopup)
		}

		// Webhook endpoints (no auth required)
		router.POST("/webhooks/yookassa", handlers.HandleYooKassaWebhook)

		// Admin endpoints
		router.POST("/admin/login", handlers.AdminLogin)
		admin := router.Group("/admin")
		admin.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			admin.GET("/tariffs", handlers.ListAllTariffs)
			admin.POST("/tariffs", handlers.CreateTariff)
			admin.PUT("/tariffs/:tariff_id", handlers.UpdateTariff)
			admin.DELETE("/tariffs/:tariff_id", handlers.DeleteTariff)
			admin.GET("/promocodes", handlers.ListPromoCodes)
			admin.POST("/promocodes", handlers.CreatePromoCode)
			admin.PUT("/promocodes/:promo_id", handlers.UpdatePromoCode)
			admin.GET("/ledger", handlers.GetLedger)
			admin.PUT("/bank-session", handlers.UpdateBankSession)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("teller", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
