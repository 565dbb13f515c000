// Sentinel scores users of an LLM gateway for extraction attacks and logs
// escalations to an append-only ledger.
package main

import (
	"context"
	"os"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"contract", cfg.ThreatLogContract,
		"embedding_provider", cfg.EmbeddingProvider,
		"cycle_interval", cfg.CycleInterval.String(),
		"distributed_lock", cfg.RedisURL != "",
		"persistent_storage", cfg.DatabaseURL != "",
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
