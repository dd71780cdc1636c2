// Command saga-coordinator запускает координатор саг с конфигурацией из переменных окружения SAGA_*.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow"
	"github.com/akriventsev/sagaflow/framework/config"
	"github.com/akriventsev/sagaflow/framework/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := framework.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	logger.Info("saga coordinator is ready",
		zap.String("version", framework.Version),
		zap.String("store", cfg.Store.Type),
		zap.String("bus", cfg.Bus.Type),
		zap.Bool("http", cfg.Server.Enabled),
		zap.String("addr", cfg.Server.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}
