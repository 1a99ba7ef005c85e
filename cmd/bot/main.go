package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Marsha313/at-trader/internal/app"
	"github.com/Marsha313/at-trader/internal/config"
	"github.com/Marsha313/at-trader/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to credentials env file")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath), zap.Int("pairs", len(cfg.Pairs)))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("engine init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = application.Run(ctx)
	_ = log.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("engine terminated", zap.Error(err))
	}
}
