package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/coldbell/keyvault/backend/internal/keeper"
	"github.com/coldbell/keyvault/backend/internal/logging"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadKeeperConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("keeper", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	if len(cfg.Positions) == 0 {
		logger.Warn("no positions configured, keeper will idle", "env", "KEEPER_POSITIONS_JSON")
	}
	logger.Info("keeper configured",
		"rpc_url", cfg.RPCURL,
		"keyvault_program", cfg.Programs.KeyVault,
		"protocol_program", cfg.Programs.Protocol,
		"positions", len(cfg.Positions),
		"min_reinvest_lamports", cfg.MinReinvestLamports,
	)

	svc, err := keeper.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize keeper service", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("keeper exited with error", "err", err)
		os.Exit(1)
	}
}
