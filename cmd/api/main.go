package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/eventhub/internal/app"
	"github.com/jwalitptl/eventhub/internal/config"
	eventHandler "github.com/jwalitptl/eventhub/internal/handler/event"
	"github.com/jwalitptl/eventhub/internal/handler/health"
	notificationHandler "github.com/jwalitptl/eventhub/internal/handler/notification"
	promHandler "github.com/jwalitptl/eventhub/internal/handler/prometheus"
	realtimeHandler "github.com/jwalitptl/eventhub/internal/handler/realtime"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/internal/router"
	"github.com/jwalitptl/eventhub/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.New(&logger.Config{
		Level: logger.ParseLevel(cfg.Logging.Level),
		JSON:  cfg.Logging.JSON,
	}).WithComponent("api")

	if err := middleware.RegisterValidators(); err != nil {
		appLogger.Fatal(err, "failed to register validators")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, appLogger, prometheus.DefaultRegisterer)
	if err != nil {
		appLogger.Fatal(err, "failed to initialize services")
	}
	if err := a.Start(ctx); err != nil {
		appLogger.Fatal(err, "failed to start background services")
	}

	// Initialize handlers
	healthHandler := health.NewHandler(
		health.DatabaseCheck(a.DB),
		health.Check{Name: "redis", Ping: a.PingRedis},
	)
	metricsHandler := promHandler.New("eventhub_api", prometheus.DefaultRegisterer, prometheus.DefaultGatherer)

	// Setup router
	r := router.NewRouter(
		appLogger,
		a.Auth,
		healthHandler,
		metricsHandler,
		router.RouterConfig{
			Mode:             cfg.Server.Mode,
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit: middleware.RateLimiterConfig{
				RPS:   cfg.RateLimit.RequestsPerSecond,
				Burst: cfg.RateLimit.Burst,
			},
			CORSConfig:     middleware.DefaultCORSConfig(cfg.Server.CORSOrigins...),
			RequestTimeout: cfg.Server.WriteTimeout,
		},
		eventHandler.NewHandler(a.Events),
		notificationHandler.NewHandler(a.Notifications, a.Repos.Contacts, a.Scope),
		realtimeHandler.NewHandler(a.Realtime, a.Scope, appLogger),
	)
	r.Setup()

	// Create server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r.Engine(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: websocket streams are long-lived.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	// Start server
	go func() {
		appLogger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(err, "failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Websocket handlers block until their connection closes.
	a.Realtime.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "server forced to shutdown")
	}
	cancel()
	a.Shutdown()

	appLogger.Info("server exited properly")
}
