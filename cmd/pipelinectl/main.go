package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/conveyor/internal/app"
	"github.com/timmy/conveyor/internal/config"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Initialize logger first (with defaults); stdout is reserved for the result
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stderr,
		ServiceName: "conveyor-pipelinectl",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	command := flag.String("run", "cycle", "What to run once: cycle, sweep, or dispatch")
	stage := flag.String("stage", "", "Stage to dispatch (scrape, process, train) when -run=dispatch")
	source := flag.String("source", "", "Source to dispatch for when -run=dispatch")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Error("Failed to load config")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		appLogger.WithError(err).Error("Invalid configuration")
		return 1
	}

	var jobType domain.JobType
	switch *command {
	case "cycle", "sweep":
	case "dispatch":
		if jobType, err = domain.ParseJobType(*stage); err != nil {
			appLogger.WithError(err).Error("Invalid -stage")
			return 1
		}
	default:
		appLogger.Errorf("Unknown -run value %q", *command)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appLogger.WithContext(ctx)

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Error("Failed to initialize")
		return 1
	}
	defer a.Close()

	appLogger.WithFields(logger.Fields{"run": *command}).Info("Starting one-shot run")

	var out interface{}
	switch *command {
	case "cycle":
		if err := a.Orchestrator.RunCycle(ctx); err != nil {
			appLogger.WithError(err).Error("Monitoring cycle failed")
			return 1
		}
		out = a.Orchestrator.Snapshot()
	case "sweep":
		report, err := a.Sweeper.Sweep(ctx)
		out = report
		if err != nil {
			appLogger.WithError(err).Error("Retention sweep failed")
			printJSON(out)
			return 1
		}
	case "dispatch":
		res, err := a.Dispatcher.DispatchManual(ctx, jobType, *source)
		if err != nil {
			appLogger.WithError(err).Error("Dispatch failed")
			return 1
		}
		out = res
	}

	if err := printJSON(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
