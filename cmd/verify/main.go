package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Marsha313/at-trader/internal/aster/rest"
	"github.com/Marsha313/at-trader/internal/config"
	"github.com/Marsha313/at-trader/internal/logging"

	"go.uber.org/zap"
)

const (
	defaultVerifyBaseURL = "https://sapi.asterdex.com"
	defaultVerifyTimeout = 10 * time.Second
	defaultVerifyEnvFile = ".env"
)

// verify checks connectivity and credentials for both accounts before any
// real trading: public depth, signed account read, open orders and recent
// trades on the chosen symbol.
func main() {
	configPath := flag.String("config", "", "optional config path for REST settings")
	symbol := flag.String("symbol", "", "symbol to probe (defaults to the first configured pair)")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}

	logCfg := config.LoggingConfig{Level: "info"}
	restCfg := config.RESTConfig{
		BaseURL:           defaultVerifyBaseURL,
		Timeout:           defaultVerifyTimeout,
		RecvWindowMS:      5000,
		MaxRetries:        1,
		RetryWait:         500 * time.Millisecond,
		RateLimitCooldown: 5 * time.Second,
	}
	probeSymbol := strings.ToUpper(strings.TrimSpace(*symbol))
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		restCfg = cfg.REST
		if probeSymbol == "" && len(cfg.Pairs) > 0 {
			probeSymbol = cfg.Pairs[0].Symbol
		}
	}
	if probeSymbol == "" {
		fatal(errors.New("a symbol is required, pass -symbol or -config"))
	}

	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	for index := 1; index <= 2; index++ {
		creds, err := config.CredentialsFromEnv(index)
		if err != nil {
			fatal(err)
		}
		client := rest.New(restCfg, rest.Credentials{APIKey: creds.APIKey, SecretKey: creds.SecretKey, Name: creds.Name}, log)
		if err := probe(ctx, client, probeSymbol, log); err != nil {
			log.Error("verification failed", zap.String("account", creds.Name), zap.Error(err))
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
	log.Info("all checks passed", zap.String("symbol", probeSymbol))
}

func probe(ctx context.Context, client *rest.Client, symbol string, log *zap.Logger) error {
	depth, err := client.Depth(ctx, symbol, 5)
	if err != nil {
		return fmt.Errorf("depth: %w", err)
	}
	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return errors.New("depth: empty order book")
	}
	log.Info("order book reachable",
		zap.String("account", client.Name()),
		zap.String("symbol", symbol),
		zap.Float64("bid", depth.Bids[0].Price),
		zap.Float64("ask", depth.Asks[0].Price),
	)

	balances, err := client.Account(ctx)
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}
	nonZero := 0
	for _, b := range balances {
		if b.Total() > 0 {
			nonZero++
		}
	}
	log.Info("credentials accepted",
		zap.String("account", client.Name()),
		zap.Int("assets", len(balances)),
		zap.Int("non_zero", nonZero),
	)

	open, err := client.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	log.Info("open orders readable", zap.String("account", client.Name()), zap.Int("count", len(open)))

	trades, err := client.UserTrades(ctx, symbol, 0, 5)
	if err != nil {
		return fmt.Errorf("user trades: %w", err)
	}
	log.Info("trade history readable", zap.String("account", client.Name()), zap.Int("count", len(trades)))
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify: %v\n", err)
	os.Exit(1)
}
