package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/dictionary"
	"github.com/loqalabs/jerga/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "jerga.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		runtime.NewLogger(os.Stderr, "info").Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		var loadErr *dictionary.LoadError
		var parseErr *dictionary.ParseError
		switch {
		case errors.As(err, &loadErr):
			logger.Error("dictionary unavailable", slog.String("directory", loadErr.Dir), slog.String("error", err.Error()))
		case errors.As(err, &parseErr):
			logger.Error("dictionary table invalid", slog.String("table", string(parseErr.Table)), slog.String("error", err.Error()))
		default:
			logger.Error("runtime exited with error", slog.String("error", err.Error()))
		}
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
