package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/tradeworks/services/billing/config"
	"example.com/tradeworks/services/billing/internal/artifacts"
	"example.com/tradeworks/services/billing/internal/cache"
	"example.com/tradeworks/services/billing/internal/messaging"
	"example.com/tradeworks/services/billing/internal/metrics"
	"example.com/tradeworks/services/billing/internal/search"
	"example.com/tradeworks/services/billing/internal/services"
	"example.com/tradeworks/services/billing/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to process PDF render jobs from Azure Service Bus and reconcile unfinished jobs`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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

	// The worker never enqueues render jobs, it only consumes them
	notifier := initNotifier(cfg, "billing-worker")

	// Initialize the renderer client
	renderer := artifacts.NewClient(cfg.Renderer)

	// Initialize services
	billingService := services.NewBillingService(
		db, readOnlyDB,
		cfg.Billing, cfg.Renderer,
		redisCache, elasticClient,
		nil, renderer, notifier,
		metricsCollector, tracer,
	)

	// Initialize the render job processor
	processor, err := messaging.NewProcessor(cfg.Azure.QueueConnStr, cfg.Azure.RenderQueueName, tracer)
	if err != nil {
		return err
	}

	// Start the service bus processor
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.RenderQueueName).Msg("Starting render job processor")
		return processor.ProcessMessages(ctx, billingService.ProcessRenderMessage)
	})

	// Start the render reconciliation cron job as a fallback mechanism
	g.Go(func() error {
		log.Info().Msg("Starting render reconciliation cron job as fallback mechanism")

		// Create a scheduler
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Add the reconciliation job to run every 5 minutes. This only
		// catches jobs whose queue message was lost or repeatedly failed.
		_, err = scheduler.NewJob(
			gocron.DurationJob(5*time.Minute),
			gocron.NewTask(func() {
				log.Info().Msg("Running fallback reconciliation job to catch unfinished render jobs")
				if err := billingService.ReconcileRenderJobs(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to reconcile render jobs in fallback job")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Start the scheduler
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
