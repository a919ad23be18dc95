package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/tradeworks/services/billing/config"
	"example.com/tradeworks/services/billing/internal/api"
	"example.com/tradeworks/services/billing/internal/artifacts"
	"example.com/tradeworks/services/billing/internal/cache"
	"example.com/tradeworks/services/billing/internal/messaging"
	"example.com/tradeworks/services/billing/internal/metrics"
	"example.com/tradeworks/services/billing/internal/models"
	"example.com/tradeworks/services/billing/internal/notifications"
	"example.com/tradeworks/services/billing/internal/search"
	"example.com/tradeworks/services/billing/internal/services"
	"example.com/tradeworks/services/billing/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server handling document saves, lifecycle transitions and KPI reads`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		elasticClient = nil
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()
	metricsCollector.SetHealth("database", true)
	metricsCollector.SetHealth("cache", redisCache != nil)
	metricsCollector.SetHealth("search", elasticClient != nil)

	// Initialize the render job queue and notification surface
	renderQueue, notifier := initMessaging(cfg)
	metricsCollector.SetHealth("render_queue", renderQueue != nil)

	// Initialize the renderer client
	renderer := artifacts.NewClient(cfg.Renderer)

	// Initialize services
	billingService := services.NewBillingService(
		db, readOnlyDB,
		cfg.Billing, cfg.Renderer,
		redisCache, elasticClient,
		renderQueue, renderer, notifier,
		metricsCollector, tracer,
	)

	// Initialize and start the server
	server := api.NewServer(cfg, billingService, elasticClient, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

// initMessaging wires the render queue sender and the notification surface.
// Both degrade to no-ops when Service Bus is not configured.
func initMessaging(cfg config.Config) (services.QueuePublisher, notifications.Notifier) {
	var renderQueue services.QueuePublisher
	sender, err := messaging.NewSender(cfg.Azure.QueueConnStr, cfg.Azure.RenderQueueName, "billing-api")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize render queue sender, render jobs rely on the fallback reconciler")
	} else {
		renderQueue = sender
	}

	return renderQueue, initNotifier(cfg, "billing-api")
}

// initNotifier wires only the notification surface, for processes that never
// enqueue render jobs themselves.
func initNotifier(cfg config.Config, clientType string) notifications.Notifier {
	eventSender, err := messaging.NewSender(cfg.Azure.QueueConnStr, cfg.Azure.EventQueueName, clientType)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize event queue sender, notices go to the log only")
		return notifications.NewLogNotifier()
	}
	return notifications.NewBusNotifier(eventSender)
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database. TranslateError surfaces unique index
	// violations as gorm.ErrDuplicatedKey for the save retry loop.
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}

	// Higher limits for read operations
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(time.Hour)

	return db, readOnlyDB, nil
}
