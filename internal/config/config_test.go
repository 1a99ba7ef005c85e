package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
pairs:
  - symbol: abcusdt
    quantity: 1
    target_volume: 100
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Log.Level)
	}
	if cfg.REST.BaseURL != "https://sapi.asterdex.com" {
		t.Fatalf("unexpected default base url %q", cfg.REST.BaseURL)
	}
	if cfg.REST.RecvWindowMS != 5000 {
		t.Fatalf("expected recv window 5000, got %d", cfg.REST.RecvWindowMS)
	}
	if cfg.Engine.CycleInterval != time.Second {
		t.Fatalf("expected 1s cycle interval, got %v", cfg.Engine.CycleInterval)
	}
	if cfg.Engine.FailureCooldown != 20*time.Second {
		t.Fatalf("expected 20s failure cooldown, got %v", cfg.Engine.FailureCooldown)
	}
	if cfg.Engine.MaxConsecFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", cfg.Engine.MaxConsecFailures)
	}

	p := cfg.Pairs[0]
	if p.Symbol != "ABCUSDT" {
		t.Fatalf("expected symbol upper-cased, got %q", p.Symbol)
	}
	if p.BaseAsset != "ABC" || p.QuoteAsset != "USDT" {
		t.Fatalf("expected assets derived from symbol, got %q/%q", p.BaseAsset, p.QuoteAsset)
	}
	if p.MaxSellQuantity != 5 {
		t.Fatalf("expected max sell quantity 5x quantity, got %v", p.MaxSellQuantity)
	}
	if p.Mode != "auto" {
		t.Fatalf("expected auto mode default, got %q", p.Mode)
	}
	if p.MaxSpread != 0.002 || p.MaxVolatility != 0.005 {
		t.Fatalf("unexpected gate defaults %v/%v", p.MaxSpread, p.MaxVolatility)
	}
}

func TestLoadRejectsEmptyPairs(t *testing.T) {
	if _, err := Load(writeConfig(t, "pairs: []\n")); err == nil {
		t.Fatalf("expected error for empty pairs")
	}
}

func TestLoadRejectsDuplicateSymbols(t *testing.T) {
	contents := `
pairs:
  - symbol: ABCUSDT
    quantity: 1
    target_volume: 10
  - symbol: ABCUSDT
    quantity: 2
    target_volume: 10
`
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatalf("expected error for duplicate symbol")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	contents := `
pairs:
  - symbol: ABCUSDT
    quantity: 1
    target_volume: 10
    mode: aggressive
`
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestLoadRejectsMissingTarget(t *testing.T) {
	contents := `
pairs:
  - symbol: ABCUSDT
    quantity: 1
`
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatalf("expected error for missing target volume")
	}
}

func TestLoadRejectsSellCapBelowQuantity(t *testing.T) {
	contents := `
pairs:
  - symbol: ABCUSDT
    quantity: 2
    target_volume: 10
    max_sell_quantity: 1
`
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatalf("expected error for sell cap below quantity")
	}
}

func TestLoadRequiresTimescaleDSN(t *testing.T) {
	contents := minimalConfig + `
timescale:
  enabled: true
`
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatalf("expected error for enabled timescale without dsn")
	}
}

func TestLoadRequiresTelegramCredentials(t *testing.T) {
	contents := minimalConfig + `
telegram:
  enabled: true
`
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatalf("expected error for enabled telegram without token")
	}
}
