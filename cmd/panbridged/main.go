// Command panbridged runs the Bluetooth PAN bridge daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meshcommons/panbridge/internal/config"
	"github.com/meshcommons/panbridge/internal/gateway"
	"github.com/meshcommons/panbridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(finish(log, run(cfg, log)))
}

// finish logs the outcome of run, flushes the logger and returns the exit
// code.
func finish(log *zap.Logger, err error) int {
	defer log.Sync() //nolint:errcheck
	if err != nil {
		log.Error("panbridged: exiting", zap.Error(err))
		return 1
	}
	log.Info("panbridged: shut down cleanly")
	return 0
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	g, err := gateway.New(cfg, db, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("panbridged: starting",
		zap.String("local_address", cfg.PAN.LocalAddress),
		zap.String("transport", cfg.PAN.Transport),
		zap.String("interface", cfg.Network.InterfaceName),
	)
	return g.Start(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("panbridged: log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
