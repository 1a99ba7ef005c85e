package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Marsha313/at-trader/internal/account"
	"github.com/Marsha313/at-trader/internal/aster/rest"
	"github.com/Marsha313/at-trader/internal/config"
	"github.com/Marsha313/at-trader/internal/exec"
	"github.com/Marsha313/at-trader/internal/market"
	"github.com/Marsha313/at-trader/internal/metrics"
	"github.com/Marsha313/at-trader/internal/report"
	"github.com/Marsha313/at-trader/internal/state"
	"github.com/Marsha313/at-trader/internal/strategy"

	"go.uber.org/zap"
)

const balanceEpsilon = 1e-9

// CycleRecord is what the scheduler hands to an analytical sink after every
// completed cycle.
type CycleRecord struct {
	Time           time.Time
	Symbol         string
	Mode           string
	Success        bool
	SoldQty        float64
	BoughtQty      float64
	Volume         float64
	Duration       time.Duration
	MarketFallback bool
	Seller         string
	Buyer          string
}

// BookRecord is a top-of-book sample taken during the pre-cycle market
// refresh, mirrored to the same sink as cycle outcomes.
type BookRecord struct {
	Time   time.Time
	Symbol string
	Bid    float64
	Ask    float64
	BidQty float64
	AskQty float64
}

type Recorder interface {
	Record(rec CycleRecord)
	RecordBook(rec BookRecord)
}

type Alerter interface {
	Send(ctx context.Context, message string) error
}

// Instrument is one tracked pair's mutable scheduling state. Cumulative
// volume only ever grows, and only on a successful cycle.
type Instrument struct {
	Cfg                 config.PairConfig
	Volume              float64
	Attempts            int
	Successes           int
	LimitSellAttempts   int
	LimitSellSuccesses  int
	MarketSellSuccesses int
	ConsecutiveFailures int
	Done                bool
	Stats               *strategy.Stats
}

func (i *Instrument) Progress() float64 {
	if i.Cfg.TargetVolume <= 0 {
		return 0
	}
	return i.Volume / i.Cfg.TargetVolume
}

// Scheduler rotates execution across the configured instruments until each
// reaches its target volume. It is the single driver of the engine: exactly
// one cycle is ever in flight, enforced structurally by this loop.
type Scheduler struct {
	engine      config.EngineConfig
	instruments []*Instrument
	accounts    *account.Pair
	tracker     *market.Tracker
	executor    *exec.Executor
	store       state.Store
	recorder    Recorder
	alerts      Alerter
	reporter    *report.Reporter
	sources     []report.TradeSource
	metrics     *metrics.Metrics
	log         *zap.Logger

	idx         int
	cycleCount  int
	totalVolume float64
}

func New(engine config.EngineConfig, pairs []config.PairConfig, accounts *account.Pair, tracker *market.Tracker, executor *exec.Executor, store state.Store, m *metrics.Metrics, log *zap.Logger) *Scheduler {
	instruments := make([]*Instrument, 0, len(pairs))
	for _, p := range pairs {
		tracker.Track(p.Symbol, p.PriceWindow)
		instruments = append(instruments, &Instrument{Cfg: p, Stats: strategy.NewStats()})
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Scheduler{
		engine:      engine,
		instruments: instruments,
		accounts:    accounts,
		tracker:     tracker,
		executor:    executor,
		store:       store,
		metrics:     m,
		log:         log,
	}
}

func (s *Scheduler) SetRecorder(r Recorder) { s.recorder = r }
func (s *Scheduler) SetAlerter(a Alerter)   { s.alerts = a }

// SetReporter attaches the periodic trade reporter with the gateway-backed
// sources it reads fills from.
func (s *Scheduler) SetReporter(r *report.Reporter, sources ...report.TradeSource) {
	s.reporter = r
	s.sources = sources
}

func (s *Scheduler) Instruments() []*Instrument { return s.instruments }

// SetPairPrecision overrides an instrument's tick and step sizes with the
// live exchange filters. Cycle math must snap on the same grid the gateway
// formats orders with, or a nonzero remainder can go out as quantity zero.
func (s *Scheduler) SetPairPrecision(symbol string, tick, step float64) {
	for _, inst := range s.instruments {
		if inst.Cfg.Symbol != symbol {
			continue
		}
		if tick > 0 {
			inst.Cfg.TickSize = tick
		}
		if step > 0 {
			inst.Cfg.StepSize = step
		}
	}
}

// Restore reloads persisted per-instrument progress so target volume
// survives a restart.
func (s *Scheduler) Restore(ctx context.Context) error {
	for _, inst := range s.instruments {
		progress, ok, err := state.LoadPairProgress(ctx, s.store, inst.Cfg.Symbol)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		inst.Volume = progress.Volume
		inst.Attempts = progress.Attempts
		inst.Successes = progress.Successes
		inst.Stats.Restore(progress.ModeStats)
		s.totalVolume += progress.Volume
		if inst.Volume >= inst.Cfg.TargetVolume {
			inst.Done = true
		}
		s.log.Info("progress restored",
			zap.String("symbol", inst.Cfg.Symbol),
			zap.Float64("volume", inst.Volume),
			zap.Float64("target", inst.Cfg.TargetVolume),
		)
	}
	s.metrics.VolumeTraded.Set(s.totalVolume)
	return nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	defer s.finalStats()
	for {
		inst, ok := s.next()
		if !ok {
			s.log.Info("all instruments reached target volume", zap.Float64("total_volume", s.totalVolume))
			s.notify(ctx, fmt.Sprintf("All targets reached, total volume %.2f", s.totalVolume))
			return nil
		}
		if err := s.runInstrument(ctx, inst); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.engine.CycleInterval):
		}
	}
}

// next advances the fixed round-robin, skipping completed instruments.
func (s *Scheduler) next() (*Instrument, bool) {
	for range s.instruments {
		inst := s.instruments[s.idx%len(s.instruments)]
		s.idx++
		if !inst.Done {
			return inst, true
		}
	}
	return nil, false
}

func (s *Scheduler) runInstrument(ctx context.Context, inst *Instrument) error {
	s.cycleCount++
	if s.engine.HousekeepingEvery > 0 && s.cycleCount%s.engine.HousekeepingEvery == 0 {
		s.housekeeping(ctx, inst)
	}

	cond, ready, err := s.prepare(ctx, inst)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	dir, err := s.accounts.Direction(ctx, inst.Cfg.Symbol, inst.Cfg.BaseAsset)
	if err != nil {
		if rest.IsAuthError(err) {
			return err
		}
		s.log.Warn("direction unavailable", zap.String("symbol", inst.Cfg.Symbol), zap.Error(err))
		return nil
	}
	if ok, reason := s.balanceGate(ctx, inst, &cond, dir); !ok {
		s.log.Info("balances not ready", zap.String("symbol", inst.Cfg.Symbol), zap.String("reason", reason))
		return nil
	}

	mode := strategy.Choose(inst.Cfg, cond, inst.Stats)
	inst.Attempts++
	s.log.Info("starting hedge cycle",
		zap.String("symbol", inst.Cfg.Symbol),
		zap.String("mode", string(mode)),
		zap.String("seller", dir.Seller.Name()),
		zap.String("buyer", dir.Buyer.Name()),
	)

	res, cycleErr := s.executor.ExecuteCycle(ctx, inst.Cfg, dir, cond, mode)
	inst.Stats.Record(res.Mode, res.Success, res.Duration)
	// the sell leg only counts as a limit attempt when it went out as one
	if res.Mode != strategy.ModeMarketOnly && !res.SellViaMarket {
		inst.LimitSellAttempts++
	}
	s.record(inst, dir, res)

	// stale direction never persists across attempts
	s.accounts.Invalidate(inst.Cfg.Symbol)
	if err := s.accounts.RefreshBalances(ctx); err != nil {
		s.log.Warn("post-cycle balance refresh failed", zap.Error(err))
	}

	if res.Success {
		s.applySuccess(ctx, inst, res)
		return nil
	}
	return s.applyFailure(ctx, inst, cycleErr)
}

// prepare refreshes market data and runs the market gate with bounded
// retries, triggering the initialization buy when both accounts are empty.
func (s *Scheduler) prepare(ctx context.Context, inst *Instrument) (strategy.Conditions, bool, error) {
	var cond strategy.Conditions
	for attempt := 0; attempt < s.engine.MaxConditionRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return cond, false, ctx.Err()
			case <-time.After(s.engine.ConditionWait):
			}
		}
		if err := s.tracker.Refresh(ctx, inst.Cfg.Symbol); err != nil {
			if rest.IsAuthError(err) {
				return cond, false, err
			}
			continue
		}
		top, hasBook := s.tracker.Top(inst.Cfg.Symbol)
		cond = strategy.Conditions{
			Top:        top,
			HasBook:    hasBook,
			Volatility: s.tracker.Volatility(inst.Cfg.Symbol),
			Trend:      s.tracker.Trend(inst.Cfg.Symbol),
		}
		s.recordBook(inst.Cfg.Symbol, cond)
		if ok, reason := strategy.EvaluateMarket(inst.Cfg, cond); !ok {
			s.log.Info("market conditions not met",
				zap.String("symbol", inst.Cfg.Symbol), zap.String("reason", reason))
			continue
		}
		if err := s.ensureSeeded(ctx, inst); err != nil {
			if rest.IsAuthError(err) {
				return cond, false, err
			}
			s.log.Warn("initialization buy failed", zap.String("symbol", inst.Cfg.Symbol), zap.Error(err))
			continue
		}
		return cond, true, nil
	}
	return cond, false, nil
}

// ensureSeeded performs the initialization market buy when neither account
// holds any base asset.
func (s *Scheduler) ensureSeeded(ctx context.Context, inst *Instrument) error {
	firstBase, err := s.accounts.First.Free(ctx, inst.Cfg.BaseAsset)
	if err != nil {
		return err
	}
	secondBase, err := s.accounts.Second.Free(ctx, inst.Cfg.BaseAsset)
	if err != nil {
		return err
	}
	if firstBase > balanceEpsilon || secondBase > balanceEpsilon {
		return nil
	}
	firstQuote, err := s.accounts.First.Free(ctx, inst.Cfg.QuoteAsset)
	if err != nil {
		return err
	}
	secondQuote, err := s.accounts.Second.Free(ctx, inst.Cfg.QuoteAsset)
	if err != nil {
		return err
	}
	buyer := s.accounts.First
	if secondQuote > firstQuote {
		buyer = s.accounts.Second
	}
	s.log.Info("both accounts empty, seeding base asset",
		zap.String("symbol", inst.Cfg.Symbol), zap.String("buyer", buyer.Name()))
	if err := s.executor.InitializationBuy(ctx, inst.Cfg, buyer); err != nil {
		return err
	}
	return s.accounts.RefreshBalances(ctx)
}

func (s *Scheduler) balanceGate(ctx context.Context, inst *Instrument, cond *strategy.Conditions, dir account.Direction) (bool, string) {
	sellerBase, err := dir.Seller.Free(ctx, inst.Cfg.BaseAsset)
	if err != nil {
		return false, err.Error()
	}
	buyerQuote, err := dir.Buyer.Free(ctx, inst.Cfg.QuoteAsset)
	if err != nil {
		return false, err.Error()
	}
	firstBase, err := s.accounts.First.Free(ctx, inst.Cfg.BaseAsset)
	if err != nil {
		return false, err.Error()
	}
	secondBase, err := s.accounts.Second.Free(ctx, inst.Cfg.BaseAsset)
	if err != nil {
		return false, err.Error()
	}
	cond.SellerBase = sellerBase
	cond.BuyerQuote = buyerQuote
	cond.FirstBase = firstBase
	cond.SecondBase = secondBase
	return strategy.EvaluateBalances(inst.Cfg, *cond)
}

func (s *Scheduler) applySuccess(ctx context.Context, inst *Instrument, res exec.CycleResult) {
	inst.Successes++
	inst.ConsecutiveFailures = 0
	inst.Volume += res.Volume
	s.totalVolume += res.Volume
	s.metrics.VolumeTraded.Set(s.totalVolume)
	if !res.SellViaMarket {
		inst.LimitSellSuccesses++
	} else {
		inst.MarketSellSuccesses++
	}
	s.persist(ctx, inst)
	s.log.Info("cycle succeeded",
		zap.String("symbol", inst.Cfg.Symbol),
		zap.String("mode", string(res.Mode)),
		zap.Bool("market_fallback", res.MarketFallback),
		zap.Float64("sold", res.SoldQty),
		zap.Float64("bought", res.BoughtQty),
		zap.Float64("volume", inst.Volume),
		zap.Float64("target", inst.Cfg.TargetVolume),
	)
	if inst.Volume >= inst.Cfg.TargetVolume {
		inst.Done = true
		s.log.Info("target volume reached", zap.String("symbol", inst.Cfg.Symbol), zap.Float64("volume", inst.Volume))
		s.notify(ctx, fmt.Sprintf("%s reached target volume %.2f", inst.Cfg.Symbol, inst.Volume))
	}
	if s.engine.ReportEvery > 0 && inst.Successes%s.engine.ReportEvery == 0 {
		s.report(ctx, inst)
	}
}

func (s *Scheduler) applyFailure(ctx context.Context, inst *Instrument, cycleErr error) error {
	inst.ConsecutiveFailures++
	if cycleErr != nil {
		if rest.IsAuthError(cycleErr) {
			return cycleErr
		}
		s.log.Warn("cycle failed",
			zap.String("symbol", inst.Cfg.Symbol),
			zap.Int("consecutive_failures", inst.ConsecutiveFailures),
			zap.Error(cycleErr),
		)
	}
	wait := time.Duration(0)
	if rest.IsInsufficientBalance(cycleErr) {
		wait = s.engine.BalanceRetryWait
	}
	if inst.ConsecutiveFailures >= s.engine.MaxConsecFailures {
		s.log.Warn("too many consecutive failures, cooling down",
			zap.String("symbol", inst.Cfg.Symbol),
			zap.Duration("cooldown", s.engine.FailureCooldown))
		inst.ConsecutiveFailures = 0
		if s.engine.FailureCooldown > wait {
			wait = s.engine.FailureCooldown
		}
	}
	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// housekeeping cancels stale resting orders left by best-effort cancels and
// forces a balance reload.
func (s *Scheduler) housekeeping(ctx context.Context, inst *Instrument) {
	for _, acct := range s.accounts.Accounts() {
		open, err := acct.Gateway().OpenOrders(ctx, inst.Cfg.Symbol)
		if err != nil {
			s.log.Warn("open order sweep failed", zap.String("account", acct.Name()), zap.Error(err))
			continue
		}
		for _, o := range open {
			if err := acct.Gateway().CancelOrder(ctx, inst.Cfg.Symbol, o.ClientOrderID); err != nil && !rest.IsOrderNotFound(err) {
				s.log.Warn("stale order cancel failed",
					zap.String("account", acct.Name()),
					zap.String("client_order_id", o.ClientOrderID),
					zap.Error(err))
			}
		}
	}
	if err := s.accounts.RefreshBalances(ctx); err != nil {
		s.log.Warn("housekeeping balance refresh failed", zap.Error(err))
	}
}

func (s *Scheduler) persist(ctx context.Context, inst *Instrument) {
	progress := state.PairProgress{
		Symbol:      inst.Cfg.Symbol,
		Volume:      inst.Volume,
		Attempts:    inst.Attempts,
		Successes:   inst.Successes,
		ModeStats:   inst.Stats.Snapshot(),
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	if err := state.SavePairProgress(ctx, s.store, progress); err != nil {
		s.log.Warn("progress persist failed", zap.String("symbol", inst.Cfg.Symbol), zap.Error(err))
	}
}

func (s *Scheduler) recordBook(symbol string, cond strategy.Conditions) {
	if s.recorder == nil || !cond.HasBook {
		return
	}
	s.recorder.RecordBook(BookRecord{
		Time:   time.Now().UTC(),
		Symbol: symbol,
		Bid:    cond.Top.Bid,
		Ask:    cond.Top.Ask,
		BidQty: cond.Top.BidQty,
		AskQty: cond.Top.AskQty,
	})
}

func (s *Scheduler) record(inst *Instrument, dir account.Direction, res exec.CycleResult) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(CycleRecord{
		Time:           time.Now().UTC(),
		Symbol:         inst.Cfg.Symbol,
		Mode:           string(res.Mode),
		Success:        res.Success,
		SoldQty:        res.SoldQty,
		BoughtQty:      res.BoughtQty,
		Volume:         res.Volume,
		Duration:       res.Duration,
		MarketFallback: res.MarketFallback,
		Seller:         dir.Seller.Name(),
		Buyer:          dir.Buyer.Name(),
	})
}

func (s *Scheduler) report(ctx context.Context, inst *Instrument) {
	if s.reporter != nil {
		for _, src := range s.sources {
			s.reporter.LogSummary(ctx, src, inst.Cfg.Symbol, inst.Cfg.BaseAsset, inst.Cfg.QuoteAsset)
		}
	}
	successRate := 0.0
	if inst.Attempts > 0 {
		successRate = float64(inst.Successes) / float64(inst.Attempts)
	}
	s.log.Info("instrument statistics",
		zap.String("symbol", inst.Cfg.Symbol),
		zap.Int("attempts", inst.Attempts),
		zap.Int("successes", inst.Successes),
		zap.Float64("success_rate", successRate),
		zap.Int("limit_sell_attempts", inst.LimitSellAttempts),
		zap.Int("limit_sell_successes", inst.LimitSellSuccesses),
		zap.Int("market_sell_successes", inst.MarketSellSuccesses),
		zap.Float64("volume", inst.Volume),
		zap.Float64("progress", inst.Progress()),
	)
}

// finalStats logs every instrument's counters once on the way out, whatever
// caused the loop to stop.
func (s *Scheduler) finalStats() {
	for _, inst := range s.instruments {
		if inst.Attempts == 0 {
			continue
		}
		successRate := float64(inst.Successes) / float64(inst.Attempts)
		s.log.Info("final statistics",
			zap.String("symbol", inst.Cfg.Symbol),
			zap.Int("attempts", inst.Attempts),
			zap.Int("successes", inst.Successes),
			zap.Float64("success_rate", successRate),
			zap.Float64("volume", inst.Volume),
			zap.Bool("done", inst.Done),
		)
	}
	s.log.Info("session volume", zap.Float64("total_volume", s.totalVolume))
}

func (s *Scheduler) notify(ctx context.Context, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Send(ctx, message); err != nil {
		s.log.Warn("alert send failed", zap.Error(err))
	}
}
