package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/eventhub/internal/app"
	"github.com/jwalitptl/eventhub/internal/config"
	"github.com/jwalitptl/eventhub/internal/worker"
	"github.com/jwalitptl/eventhub/pkg/logger"
)

func setupHealthCheck(a *app.App, sched *worker.Scheduler, logger *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if err := a.PingRedis(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sched.Status()); err != nil {
			logger.Error(err, "failed to encode job status")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Worker.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ZL.Error().Err(err).Msg("Health check server failed")
			os.Exit(1)
		}
	}()
	return srv
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger
	logger := logger.New(&logger.Config{
		Level: logger.ParseLevel(cfg.Logging.Level),
		JSON:  cfg.Logging.JSON,
	}).WithComponent("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal(err, "Failed to initialize services")
	}

	// The retry scheduler claims due retries with row locks, so running it
	// here alongside the API instances is safe.
	a.Events.Start(ctx)
	a.Notifications.Start(ctx)

	sched := worker.NewScheduler(logger)
	jobs := []struct {
		spec string
		job  worker.Job
	}{
		{cfg.Worker.PurgeSchedule, worker.NewEventPurgeJob(a.Events)},
		{cfg.Worker.ExpirySchedule, worker.NewNotificationExpiryJob(a.Notifications)},
		{fmt.Sprintf("@every %s", cfg.Realtime.HeartbeatInterval), worker.NewConnectionSweepJob(a.Realtime)},
	}
	for _, j := range jobs {
		if err := sched.Add(j.spec, j.job); err != nil {
			logger.Fatal(err, "Failed to schedule job")
		}
	}

	// Setup health check endpoints
	health := setupHealthCheck(a, sched, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.ZL.Info().Msg("Shutting down...")
		cancel()
	}()

	logger.Info("Worker started", "instance_id", a.Realtime.Options().InstanceID)
	sched.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Health check server forced to shutdown")
	}
	a.Shutdown()
}
