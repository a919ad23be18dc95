package api

import (
	"context"
	"net/http"
	"time"

	"example.com/tradeworks/services/billing/config"
	"example.com/tradeworks/services/billing/internal/api/handlers"
	"example.com/tradeworks/services/billing/internal/api/middleware"
	"example.com/tradeworks/services/billing/internal/metrics"
	"example.com/tradeworks/services/billing/internal/search"
	"example.com/tradeworks/services/billing/internal/services"
	"example.com/tradeworks/services/billing/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config         config.Config
	router         *gin.Engine
	httpServer     *http.Server
	billingService *services.BillingService
	elasticClient  *search.ElasticClient
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	billingService *services.BillingService,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:         cfg,
		billingService: billingService,
		elasticClient:  elasticClient,
		metrics:        metricsCollector,
		tracer:         tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Recovery and logging middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	if app := s.tracer.Application(); app != nil {
		router.Use(middleware.NewRelicMiddleware(app))
	}

	// Register handlers
	documentsHandler := handlers.NewDocumentsHandler(s.billingService, s.elasticClient, s.tracer)
	documentsHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
