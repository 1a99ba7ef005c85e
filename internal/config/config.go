package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Engine    EngineConfig    `yaml:"engine"`
	Pairs     []PairConfig    `yaml:"pairs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RecvWindowMS      int64         `yaml:"recv_window_ms"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryWait         time.Duration `yaml:"retry_wait"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

type EngineConfig struct {
	CycleInterval     time.Duration `yaml:"cycle_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	OrderTimeout      time.Duration `yaml:"order_timeout"`
	EmergencyGrace    time.Duration `yaml:"emergency_grace"`
	MaxConditionRetry int           `yaml:"max_condition_retry"`
	ConditionWait     time.Duration `yaml:"condition_wait"`
	BalanceRetryWait  time.Duration `yaml:"balance_retry_wait"`
	FailureCooldown   time.Duration `yaml:"failure_cooldown"`
	MaxConsecFailures int           `yaml:"max_consecutive_failures"`
	HousekeepingEvery int           `yaml:"housekeeping_every"`
	ReportEvery       int           `yaml:"report_every"`
}

// PairConfig is immutable after load; one entry per tracked instrument.
type PairConfig struct {
	Symbol             string  `yaml:"symbol"`
	BaseAsset          string  `yaml:"base_asset"`
	QuoteAsset         string  `yaml:"quote_asset"`
	Quantity           float64 `yaml:"quantity"`
	TargetVolume       float64 `yaml:"target_volume"`
	MaxSpread          float64 `yaml:"max_spread"`
	MaxVolatility      float64 `yaml:"max_volatility"`
	MinDepthMultiplier float64 `yaml:"min_depth_multiplier"`
	TickSize           float64 `yaml:"tick_size"`
	StepSize           float64 `yaml:"step_size"`
	MaxSellQuantity    float64 `yaml:"max_sell_quantity"`
	Mode               string  `yaml:"mode"`
	PriceWindow        int     `yaml:"price_window"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://sapi.asterdex.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RecvWindowMS == 0 {
		cfg.REST.RecvWindowMS = 5000
	}
	if cfg.REST.MaxRetries == 0 {
		cfg.REST.MaxRetries = 3
	}
	if cfg.REST.RetryWait == 0 {
		cfg.REST.RetryWait = 500 * time.Millisecond
	}
	if cfg.REST.RateLimitCooldown == 0 {
		cfg.REST.RateLimitCooldown = 5 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/at-trader.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9183"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Engine.CycleInterval == 0 {
		cfg.Engine.CycleInterval = time.Second
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = 500 * time.Millisecond
	}
	if cfg.Engine.OrderTimeout == 0 {
		cfg.Engine.OrderTimeout = 10 * time.Second
	}
	if cfg.Engine.EmergencyGrace == 0 {
		cfg.Engine.EmergencyGrace = 2 * time.Second
	}
	if cfg.Engine.MaxConditionRetry == 0 {
		cfg.Engine.MaxConditionRetry = 3
	}
	if cfg.Engine.ConditionWait == 0 {
		cfg.Engine.ConditionWait = 2 * time.Second
	}
	if cfg.Engine.BalanceRetryWait == 0 {
		cfg.Engine.BalanceRetryWait = 5 * time.Second
	}
	if cfg.Engine.FailureCooldown == 0 {
		cfg.Engine.FailureCooldown = 20 * time.Second
	}
	if cfg.Engine.MaxConsecFailures == 0 {
		cfg.Engine.MaxConsecFailures = 3
	}
	if cfg.Engine.HousekeepingEvery == 0 {
		cfg.Engine.HousekeepingEvery = 50
	}
	if cfg.Engine.ReportEvery == 0 {
		cfg.Engine.ReportEvery = 5
	}
	for i := range cfg.Pairs {
		applyPairDefaults(&cfg.Pairs[i])
	}
}

func applyPairDefaults(p *PairConfig) {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.QuoteAsset == "" {
		p.QuoteAsset = "USDT"
	}
	if p.BaseAsset == "" && strings.HasSuffix(p.Symbol, p.QuoteAsset) {
		p.BaseAsset = strings.TrimSuffix(p.Symbol, p.QuoteAsset)
	}
	if p.MaxSpread == 0 {
		p.MaxSpread = 0.002
	}
	if p.MaxVolatility == 0 {
		p.MaxVolatility = 0.005
	}
	if p.MinDepthMultiplier == 0 {
		p.MinDepthMultiplier = 2
	}
	if p.TickSize == 0 {
		p.TickSize = 0.00001
	}
	if p.StepSize == 0 {
		p.StepSize = 0.00001
	}
	if p.MaxSellQuantity == 0 {
		p.MaxSellQuantity = 5 * p.Quantity
	}
	if p.Mode == "" {
		p.Mode = "auto"
	}
	if p.PriceWindow == 0 {
		p.PriceWindow = 10
	}
}

func validate(cfg *Config) error {
	if len(cfg.Pairs) == 0 {
		return errors.New("at least one pair is required")
	}
	seen := make(map[string]struct{}, len(cfg.Pairs))
	for i := range cfg.Pairs {
		p := &cfg.Pairs[i]
		if p.Symbol == "" {
			return fmt.Errorf("pairs[%d].symbol is required", i)
		}
		if _, dup := seen[p.Symbol]; dup {
			return fmt.Errorf("pairs[%d].symbol %s is duplicated", i, p.Symbol)
		}
		seen[p.Symbol] = struct{}{}
		if p.BaseAsset == "" {
			return fmt.Errorf("pairs[%d].base_asset is required for %s", i, p.Symbol)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("pairs[%d].quantity must be > 0", i)
		}
		if p.TargetVolume <= 0 {
			return fmt.Errorf("pairs[%d].target_volume must be > 0", i)
		}
		if p.MaxSellQuantity < p.Quantity {
			return fmt.Errorf("pairs[%d].max_sell_quantity must be >= quantity", i)
		}
		switch strings.ToLower(p.Mode) {
		case "auto", "limit_both", "market_only", "limit_market", "sell_only":
		default:
			return fmt.Errorf("pairs[%d].mode %q is not recognized", i, p.Mode)
		}
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	return nil
}
