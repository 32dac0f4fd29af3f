// Behavauth - passive behavioral authentication risk scoring
package main

import (
	"context"
	"os"

	"github.com/mbd888/behavauth/internal/config"
	"github.com/mbd888/behavauth/internal/logging"
	"github.com/mbd888/behavauth/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting behavauth",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"storage", storageKind(cfg),
		"retrain_async", cfg.RetrainAsync,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
