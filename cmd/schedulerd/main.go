// Package main is the entry point for the virtfleet scheduler daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/virtfleet/virtfleet/internal/cluster/memory"
	"github.com/virtfleet/virtfleet/internal/config"
	"github.com/virtfleet/virtfleet/internal/scheduler"
	"github.com/virtfleet/virtfleet/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("virtfleet scheduler")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting virtfleet scheduler",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("strategy", cfg.Scheduler.Strategy),
	)

	cl := memory.NewCluster()
	sched, err := scheduler.New(cl, cfg.Scheduler, logger)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	srv := server.New(cfg, sched, cl, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
