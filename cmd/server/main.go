// Fraudwatch - Near-real-time transaction anomaly scoring
package main

import (
	"context"
	"os"

	"github.com/tmarkov/fraudwatch/internal/config"
	"github.com/tmarkov/fraudwatch/internal/logging"
	"github.com/tmarkov/fraudwatch/internal/server"
	"github.com/tmarkov/fraudwatch/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting fraudwatch",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"history_window", cfg.HistoryWindow,
		"flag_percentile", cfg.FlagPercentile,
		"retrain_interval", cfg.RetrainInterval,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
