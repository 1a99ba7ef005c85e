package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Marsha313/at-trader/internal/account"
	"github.com/Marsha313/at-trader/internal/alerts"
	"github.com/Marsha313/at-trader/internal/aster/rest"
	"github.com/Marsha313/at-trader/internal/config"
	"github.com/Marsha313/at-trader/internal/exec"
	"github.com/Marsha313/at-trader/internal/market"
	"github.com/Marsha313/at-trader/internal/metrics"
	"github.com/Marsha313/at-trader/internal/report"
	"github.com/Marsha313/at-trader/internal/scheduler"
	"github.com/Marsha313/at-trader/internal/state/sqlite"
	"github.com/Marsha313/at-trader/internal/timescale"

	"go.uber.org/zap"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	first     *rest.Client
	second    *rest.Client
	accounts  *account.Pair
	tracker   *market.Tracker
	executor  *exec.Executor
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	promHTTP  *http.Server
	alerts    *alerts.Telegram
	writer    *timescale.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	credsFirst, err := config.CredentialsFromEnv(1)
	if err != nil {
		return nil, err
	}
	credsSecond, err := config.CredentialsFromEnv(2)
	if err != nil {
		return nil, err
	}
	first := rest.New(cfg.REST, rest.Credentials{APIKey: credsFirst.APIKey, SecretKey: credsFirst.SecretKey, Name: credsFirst.Name}, log)
	second := rest.New(cfg.REST, rest.Credentials{APIKey: credsSecond.APIKey, SecretKey: credsSecond.SecretKey, Name: credsSecond.Name}, log)

	accounts := account.NewPair(account.New(first, log), account.New(second, log), log)
	tracker := market.New(first, log)

	m := metrics.NewNoop()
	var promHTTP *http.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		promHTTP = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	}

	executor := exec.New(tracker, m, log, exec.Options{
		PollInterval:   cfg.Engine.PollInterval,
		OrderTimeout:   cfg.Engine.OrderTimeout,
		EmergencyGrace: cfg.Engine.EmergencyGrace,
	})
	sched := scheduler.New(cfg.Engine, cfg.Pairs, accounts, tracker, executor, store, m, log)
	sched.SetAlerter(alerts.NewTelegram(cfg.Telegram, log))
	sched.SetReporter(report.New(log), first, second)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}
	if writer != nil {
		sched.SetRecorder(&cycleSink{writer: writer})
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		first:     first,
		second:    second,
		accounts:  accounts,
		tracker:   tracker,
		executor:  executor,
		scheduler: sched,
		metrics:   m,
		promHTTP:  promHTTP,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		writer:    writer,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.writer != nil {
		a.writer.Start(ctx)
		defer a.writer.Close()
	}
	if a.promHTTP != nil {
		go func() {
			if err := a.promHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = a.promHTTP.Shutdown(shutdownCtx)
		}()
	}

	a.preloadFilters(ctx)
	if err := a.scheduler.Restore(ctx); err != nil {
		a.log.Warn("progress restore failed", zap.Error(err))
	}

	a.log.Info("engine starting",
		zap.Int("pairs", len(a.cfg.Pairs)),
		zap.String("base_url", a.cfg.REST.BaseURL),
	)
	err := a.scheduler.Run(ctx)
	if err != nil && err != context.Canceled {
		a.notify(fmt.Sprintf("engine terminated: %v", err))
	}
	return err
}

// preloadFilters fetches exchange precision filters once at startup so order
// snapping uses live tick and step sizes instead of the configured fallbacks.
// The scheduler's pair precision follows the same filters so engine math and
// the gateway agree on the grid.
func (a *App) preloadFilters(ctx context.Context) {
	for _, p := range a.cfg.Pairs {
		fallback := rest.SymbolFilters{TickSize: p.TickSize, StepSize: p.StepSize}
		if err := a.first.PreloadFilters(ctx, p.Symbol, fallback); err != nil {
			a.log.Warn("filter preload failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
		if err := a.second.PreloadFilters(ctx, p.Symbol, fallback); err != nil {
			a.log.Warn("filter preload failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
		live := a.first.Filters(p.Symbol)
		a.scheduler.SetPairPrecision(p.Symbol, live.TickSize, live.StepSize)
	}
}

func (a *App) notify(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

// cycleSink bridges scheduler cycle records into the timescale writer.
type cycleSink struct {
	writer *timescale.Writer
}

func (s *cycleSink) RecordBook(rec scheduler.BookRecord) {
	s.writer.EnqueueBook(timescale.BookTick{
		Time:   rec.Time,
		Symbol: rec.Symbol,
		Bid:    rec.Bid,
		Ask:    rec.Ask,
		BidQty: rec.BidQty,
		AskQty: rec.AskQty,
	})
}

func (s *cycleSink) Record(rec scheduler.CycleRecord) {
	s.writer.EnqueueCycle(timescale.Cycle{
		Time:           rec.Time,
		Symbol:         rec.Symbol,
		Mode:           rec.Mode,
		Success:        rec.Success,
		SoldQty:        rec.SoldQty,
		BoughtQty:      rec.BoughtQty,
		Volume:         rec.Volume,
		DurationMS:     rec.Duration.Milliseconds(),
		MarketFallback: rec.MarketFallback,
		Seller:         rec.Seller,
		Buyer:          rec.Buyer,
	})
}
