package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/trade-engine/internal/auth"
	"github.com/ksred/trade-engine/internal/broker"
	"github.com/ksred/trade-engine/internal/config"
	"github.com/ksred/trade-engine/internal/database"
	"github.com/ksred/trade-engine/internal/execution"
	"github.com/ksred/trade-engine/internal/marketdata"
	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/risk"
	"github.com/ksred/trade-engine/internal/settings"
	"github.com/ksred/trade-engine/internal/signals"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/ksred/trade-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the lifecycle engine together: one broker client, one risk
// engine and one signal service per process, all passed by handle. Runs the
// API server, the expiry sweeper and the order monitor until shutdown.
func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	settingsStore := settings.NewStore(db)
	if err := settingsStore.Seed(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed settings")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	client, err := buildBrokerClient(rootCtx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to establish broker session")
	}

	// Initialize services
	market := marketdata.NewService(client, marketdata.TTLConfig{
		Quote:     cfg.Cache.QuoteTTL,
		Margin:    cfg.Cache.MarginTTL,
		Portfolio: cfg.Cache.PortfolioTTL,
	})
	notifier := notify.LogNotifier{}

	engine := risk.NewEngine(db, market, client, settingsStore, notifier, cfg.Production())
	sizer := risk.NewSizer(client, settingsStore, cfg.Production())

	if err := engine.InitializeDailyBaseline(rootCtx); err != nil {
		if cfg.Production() {
			zlog.Fatal().Err(err).Msg("Failed to initialize daily risk baseline")
		}
		zlog.Warn().Err(err).Msg("Daily risk baseline unavailable, continuing in dry-run")
	}

	if f, ok := client.(*broker.Failover); ok && f.SimFallbackActive() {
		if err := engine.Events().RecordEvent(types.EventAuthFallback, types.SeverityCritical,
			"running on simulated broker session: all real endpoints failed", nil); err != nil {
			zlog.Error().Err(err).Msg("Failed to record auth fallback event")
		}
	}

	signalStore := signals.NewDatabase(db)
	gateway := execution.NewGateway(signalStore, client, market, notifier, cfg.Production(), cfg.Broker.CallTimeout)
	signalService := signals.NewService(db, engine, sizer, gateway, market, settingsStore, notifier, cfg.Production())

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Background loops: order reconciliation and signal expiry
	monitor := execution.NewMonitor(gateway, cfg.Sweeps.MonitorInterval)
	sweeper := signals.NewSweeper(signalService, cfg.Sweeps.ExpiryInterval)
	go monitor.Start(rootCtx)
	go sweeper.Start(rootCtx)

	// Initialize router
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg,
		auth.NewGinHandlers(authService),
		signals.NewGinHandlers(signalService),
		risk.NewGinHandlers(engine),
	)

	// Create server
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down engine...")
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Engine exiting")
}

// buildBrokerClient assembles the broker session. Outside production the
// simulated broker is used directly. In production, endpoint clients come
// from the deployment's wire-protocol integration via broker.Factory and are
// tried in order; a simulated fallback session exists only when explicitly
// opted into, and is loud when it engages.
func buildBrokerClient(ctx context.Context, cfg *config.Config) (broker.Client, error) {
	sim := broker.NewSimulated(1_000_000)
	if !cfg.Production() {
		if err := sim.Authenticate(ctx); err != nil {
			return nil, err
		}
		return sim, nil
	}

	var candidates []broker.Client
	for _, endpoint := range cfg.Broker.Endpoints {
		if broker.Factory == nil {
			break
		}
		candidates = append(candidates, broker.Factory(endpoint, cfg.Broker.APIKey))
	}

	var fallback broker.Client
	if cfg.Broker.AllowSimFallback {
		fallback = sim
	}

	failover := broker.NewFailover(candidates, fallback)
	if err := failover.Authenticate(ctx); err != nil {
		return nil, err
	}
	return failover, nil
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Signal routes: Lifecycle operations, protected by JWT authentication
// - Risk routes: Halt/resume and audit, protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	signalHandlers *signals.GinHandlers,
	riskHandlers *risk.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Signal lifecycle routes
		signalGroup := v1.Group("/signals")
		signalGroup.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			signalGroup.POST("", signalHandlers.IngestHandler())
			signalGroup.GET("", signalHandlers.ListSignalsHandler())
			signalGroup.GET("/:signal_id", signalHandlers.GetSignalHandler())
			signalGroup.POST("/:signal_id/approve", signalHandlers.ApproveSignalHandler())
			signalGroup.POST("/:signal_id/reject", signalHandlers.RejectSignalHandler())
		}

		// Risk control routes
		riskGroup := v1.Group("/risk")
		riskGroup.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			riskGroup.GET("/summary", riskHandlers.SummaryHandler())
			riskGroup.GET("/events", riskHandlers.EventsHandler())
			riskGroup.POST("/halt", riskHandlers.HaltHandler())
			riskGroup.POST("/resume", riskHandlers.ResumeHandler())
		}
	}
}
