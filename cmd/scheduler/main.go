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

	"github.com/timmy/conveyor/internal/api"
	"github.com/timmy/conveyor/internal/api/handler"
	"github.com/timmy/conveyor/internal/app"
	"github.com/timmy/conveyor/internal/config"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Initialize logger from LOG_* env vars
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Error("Failed to load config")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		appLogger.WithError(err).Error("Invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appLogger.WithContext(ctx)

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Error("Failed to start scheduler")
		return 1
	}
	defer a.Close()

	spec, _ := cfg.Schedule.CronSpec()
	loc, _ := cfg.Schedule.Location()
	loop, err := scheduler.NewLoop(a.Orchestrator, a.Sweeper, scheduler.Config{
		MonitorInterval: cfg.Schedule.MonitorInterval,
		SweepSpec:       spec,
		Location:        loc,
	})
	if err != nil {
		appLogger.WithError(err).Error("Failed to create scheduler loop")
		return 1
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		router := api.SetupRouter(&api.RouterDeps{
			Health: handler.NewHealthHandler(map[string]handler.Pinger{
				"repository": a.Repo,
				"queue":      a.Queue,
			}, cfg.Schedule.RequestTimeout),
			Pipeline: handler.NewPipelineHandler(a.Orchestrator, a.Dispatcher, a.Repo, cfg.Sources),
			Admin:    handler.NewAdminHandler(a.Sweeper, appLogger),
			Gatherer: a.Registry,
			Logger:   appLogger,
		}, cfg.Server.Mode)

		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			appLogger.WithFields(logger.Fields{
				"port": cfg.Server.Port,
				"mode": cfg.Server.Mode,
			}).Info("Starting metrics and ops server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		// A port conflict is a startup failure
		select {
		case err := <-serveErr:
			appLogger.WithError(err).Error("Failed to start server")
			return 1
		case <-time.After(200 * time.Millisecond):
		}
	}

	if err := loop.Run(ctx); err != nil {
		appLogger.WithError(err).Error("Scheduler loop failed")
	}

	appLogger.Info("Shutting down...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.WithError(err).Warn("Server forced to shutdown")
		}
	}

	appLogger.Info("Scheduler exited")
	return 0
}
