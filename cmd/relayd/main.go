package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/safestage/relay/params"
	"github.com/safestage/relay/pkg/api"
	"github.com/safestage/relay/pkg/core"
	"github.com/safestage/relay/pkg/oracle"
	"github.com/safestage/relay/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	level := zapcore.InfoLevel
	if os.Getenv("VERBOSE") == "true" {
		level = zapcore.DebugLevel
	}

	logger, err := util.NewLoggerWithFile(cfg.LogFile, level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	if len(cfg.Oracle.Endpoints) == 0 {
		sugar.Warn("no RPC endpoints configured - every submission will fail as unsupported; set RPC_ENDPOINTS")
	}

	// ---- Engine ----
	chainOracle := oracle.NewClient(cfg.Oracle.Endpoints)
	store := core.NewStore(cfg.Staging.MaxStaged, cfg.Staging.MaxSignatures)
	svc := core.NewService(chainOracle, store, sugar, cfg.Oracle.Timeout)

	// ---- API Server ----
	server := api.NewServer(svc, sugar, cfg.API)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sugar.Infow("relayd_started",
		"listen", cfg.API.Listen,
		"chains", len(cfg.Oracle.Endpoints),
		"max_staged", cfg.Staging.MaxStaged,
		"max_signatures", cfg.Staging.MaxSignatures)

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_signal_received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			sugar.Errorw("shutdown_failed", "err", err)
		}
	case err := <-errCh:
		if err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}
}
