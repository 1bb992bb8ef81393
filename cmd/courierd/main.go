// Command courierd runs the Courier delivery daemon. It loads configuration,
// opens the configured store and serves the admin API until SIGINT/SIGTERM.
//
// Usage:
//
//	courierd [--config path/to/config.yaml]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snehjoshi/courier/internal/config"
	transphttp "github.com/snehjoshi/courier/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("courier starting",
		zap.String("version", transphttp.Version),
		zap.String("addr", cfg.API.Addr()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("data_dir", cfg.Node.DataDir),
	)

	app := fx.New(
		appOptions(cfg, log),
		fx.StartTimeout(30*time.Second),
		fx.StopTimeout(35*time.Second),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	log.Info("courier stopped")
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
