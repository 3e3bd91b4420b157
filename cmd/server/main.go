// Walletcore - wallet and spend-hold ledger for the Starlit creator platform
package main

import (
	"context"
	"os"

	"github.com/starlit-live/walletcore/internal/config"
	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting walletcore",
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
		"max_session_minutes", cfg.MaxSessionMinutes,
		"reconcile_schedule", cfg.ReconcileSchedule,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
