// Copyright (c) Conductor Authors.
// Licensed under the MIT License.

// Conductor is the workflow orchestration daemon and scheduler CLI.
//
// Usage:
//
//	conductor serve --config conductor.yaml   # workers + sweeps
//	conductor tick --config conductor.yaml    # one scheduler pass
//	conductor health --config conductor.yaml  # store connectivity check
//	conductor version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/pavelpapin/conductor/config"
	"github.com/pavelpapin/conductor/internal/metrics"
	"github.com/pavelpapin/conductor/notify"
	"github.com/pavelpapin/conductor/scheduler"
	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/workflow"
)

// Version information (injected at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "tick":
		runTick(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(args []string, name string) *config.Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runServe(args []string) {
	cfg := loadConfig(args, "serve")

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting conductor",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	conns, err := store.NewConnections(cfg.Redis)
	if err != nil {
		logger.Fatal("connecting to store failed", zap.Error(err))
	}
	defer func() { _ = conns.Close() }()

	collector := metrics.NewCollector("conductor", prometheus.DefaultRegisterer)
	notifier := notify.NewLogNotifier(logger)

	states := workflow.NewStateStore(conns.State, conns.KeyPrefix(), logger)
	writer := workflow.NewStreamWriter(conns.Stream, conns.KeyPrefix(), states, cfg.Stream, logger, collector)

	runner := workflow.NewExecRunner(cfg.Runner, logger)
	pool := workflow.NewWorkerPool(conns, writer, runner, cfg.Worker, logger)
	pool.SetMetrics(collector)

	sweeper := workflow.NewSweeper(conns, cfg.Sweeper, notifier, logger)
	sweeper.SetMetrics(collector)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	// Drain the last partial output batch before exiting.
	if cerr := writer.Close(); cerr != nil {
		logger.Warn("final stream flush failed", zap.Error(cerr))
	}

	if err != nil && ctx.Err() == nil {
		logger.Fatal("conductor exited with error", zap.Error(err))
	}
	logger.Info("conductor stopped")
}

// runTick executes one scheduler pass. It is intended to be invoked by
// an external trigger (cron, systemd timer) on an hourly cadence. A
// fatal tick error is reported through the notification channel and
// exits non-zero so the next trigger retries.
func runTick(args []string) {
	cfg := loadConfig(args, "tick")

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	conns, err := store.NewConnections(cfg.Redis)
	if err != nil {
		logger.Fatal("connecting to store failed", zap.Error(err))
	}
	defer func() { _ = conns.Close() }()

	notifier := notify.NewLogNotifier(logger)
	client := workflow.NewClient(conns, cfg.Client, logger)
	runner := workflow.NewExecRunner(cfg.Runner, logger)

	sched := scheduler.New(client, runner, notifier, cfg.Scheduler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Tick(ctx, cfg.Jobs); err != nil {
		notify.Best(ctx, notifier, cfg.Scheduler.NotifyTarget,
			fmt.Sprintf("scheduler tick failed: %v", err), logger)
		logger.Error("scheduler tick failed", zap.Error(err))
		os.Exit(1)
	}
}

func runHealthCheck(args []string) {
	cfg := loadConfig(args, "health")

	conns, err := store.NewConnections(cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conns.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conns.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func printVersion() {
	fmt.Printf("conductor %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Println(`conductor - workflow orchestration core

Usage:
  conductor serve   [--config path]   Run workers and sweeps
  conductor tick    [--config path]   Run one scheduler pass
  conductor health  [--config path]   Check store connectivity
  conductor version                   Show version information`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
