package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Marsha313/at-trader/internal/account"
	"github.com/Marsha313/at-trader/internal/aster/rest"
	"github.com/Marsha313/at-trader/internal/config"
	"github.com/Marsha313/at-trader/internal/market"
	"github.com/Marsha313/at-trader/internal/metrics"
	"github.com/Marsha313/at-trader/internal/strategy"

	"go.uber.org/zap"
)

var errDepthExhausted = errors.New("both legs untouched at timeout")

const remediationFloor = 2 * time.Second

type Options struct {
	PollInterval   time.Duration
	OrderTimeout   time.Duration
	EmergencyGrace time.Duration
}

// Executor drives one hedge cycle end-to-end for a chosen mode: submission,
// status polling, partial-fill remediation, emergency conversion and the
// timeout market fallback.
type Executor struct {
	tracker *market.Tracker
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options
}

func New(tracker *market.Tracker, m *metrics.Metrics, log *zap.Logger, opts Options) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 10 * time.Second
	}
	if opts.EmergencyGrace <= 0 {
		opts.EmergencyGrace = 2 * time.Second
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{tracker: tracker, metrics: m, log: log, opts: opts}
}

func (e *Executor) ExecuteCycle(ctx context.Context, pair config.PairConfig, dir account.Direction, cond strategy.Conditions, mode strategy.Mode) (CycleResult, error) {
	start := time.Now()
	e.metrics.CyclesStarted.Inc()
	var res CycleResult
	var err error
	switch mode {
	case strategy.ModeMarketOnly:
		res, err = e.marketOnly(ctx, pair, dir)
	case strategy.ModeLimitMarket:
		res, err = e.limitMarket(ctx, pair, dir, cond)
	case strategy.ModeLimitBoth:
		res, err = e.limitBoth(ctx, pair, dir, cond)
	case strategy.ModeSellOnly:
		res, err = e.sellOnly(ctx, pair, dir, cond)
	default:
		err = fmt.Errorf("mode %q is not executable", mode)
	}
	if res.Mode == "" {
		res.Mode = mode
	}
	res.Duration = time.Since(start)
	if res.Success {
		e.metrics.CyclesSucceeded.Inc()
	} else {
		e.metrics.CyclesFailed.Inc()
	}
	return res, err
}

func (e *Executor) marketOnly(ctx context.Context, pair config.PairConfig, dir account.Direction) (CycleResult, error) {
	res := CycleResult{Mode: strategy.ModeMarketOnly, SellViaMarket: true}
	sellQty, err := e.sellQuantity(ctx, pair, dir.Seller)
	if err != nil {
		return res, err
	}
	sell := &leg{acct: dir.Seller, symbol: pair.Symbol, side: rest.SideSell, target: sellQty, viaMarket: true}
	buy := &leg{acct: dir.Buyer, symbol: pair.Symbol, side: rest.SideBuy, target: pair.Quantity, viaMarket: true}
	if err := e.submit(ctx, sell, rest.TypeMarket, sellQty, "sell"); err != nil {
		return res, err
	}
	if err := e.submit(ctx, buy, rest.TypeMarket, pair.Quantity, "buy"); err != nil {
		e.cancelBestEffort(ctx, sell)
		return res, err
	}
	ok, err := e.runLegs(ctx, pair, sell, buy, nil)
	res.SoldQty = sell.filled()
	res.BoughtQty = buy.filled()
	if !ok {
		return res, err
	}
	res.Success = true
	res.Volume = 2 * pair.Quantity
	return res, nil
}

func (e *Executor) limitMarket(ctx context.Context, pair config.PairConfig, dir account.Direction, cond strategy.Conditions) (CycleResult, error) {
	res := CycleResult{Mode: strategy.ModeLimitMarket}
	sellQty, err := e.sellQuantity(ctx, pair, dir.Seller)
	if err != nil {
		return res, err
	}
	sell := &leg{acct: dir.Seller, symbol: pair.Symbol, side: rest.SideSell, target: sellQty}
	buy := &leg{acct: dir.Buyer, symbol: pair.Symbol, side: rest.SideBuy, target: pair.Quantity}

	limitLeg, marketLeg := sell, buy
	if !strategy.ChooseLimitSide(cond) {
		limitLeg, marketLeg = buy, sell
		res.SellViaMarket = true
		sell.viaMarket = true
	}
	limitLeg.limitPrice = e.edgePrice(pair, cond.Top, limitLeg.side)
	marketLeg.viaMarket = true

	orderType := rest.TypeLimit
	if err := e.submit(ctx, limitLeg, orderType, limitLeg.target, "limit-"+sideTag(limitLeg.side)); err != nil {
		return res, err
	}
	if err := e.submit(ctx, marketLeg, rest.TypeMarket, marketLeg.target, sideTag(marketLeg.side)); err != nil {
		e.cancelBestEffort(ctx, limitLeg)
		return res, err
	}
	ok, err := e.runLegs(ctx, pair, sell, buy, nil)
	if errors.Is(err, errDepthExhausted) {
		e.metrics.MarketFallbacks.Inc()
		fallback, ferr := e.marketOnly(ctx, pair, dir)
		fallback.Mode = strategy.ModeLimitMarket
		fallback.MarketFallback = true
		return fallback, ferr
	}
	res.SoldQty = sell.filled()
	res.BoughtQty = buy.filled()
	res.SellViaMarket = sell.viaMarket
	if !ok {
		return res, err
	}
	res.Success = true
	res.Volume = 2 * pair.Quantity
	return res, nil
}

func (e *Executor) limitBoth(ctx context.Context, pair config.PairConfig, dir account.Direction, cond strategy.Conditions) (CycleResult, error) {
	res := CycleResult{Mode: strategy.ModeLimitBoth}
	sellQty, err := e.sellQuantity(ctx, pair, dir.Seller)
	if err != nil {
		return res, err
	}
	sell := &leg{acct: dir.Seller, symbol: pair.Symbol, side: rest.SideSell, target: sellQty}
	buy := &leg{acct: dir.Buyer, symbol: pair.Symbol, side: rest.SideBuy, target: pair.Quantity}
	sell.limitPrice = e.edgePrice(pair, cond.Top, rest.SideSell)
	buy.limitPrice = e.edgePrice(pair, cond.Top, rest.SideBuy)

	if err := e.submit(ctx, sell, rest.TypeLimit, sellQty, "limit-sell"); err != nil {
		return res, err
	}
	if err := e.submit(ctx, buy, rest.TypeLimit, pair.Quantity, "limit-buy"); err != nil {
		e.cancelBestEffort(ctx, sell)
		return res, err
	}
	ok, err := e.runLegs(ctx, pair, sell, buy, e.repriceLeg(pair))
	if errors.Is(err, errDepthExhausted) {
		e.metrics.MarketFallbacks.Inc()
		fallback, ferr := e.marketOnly(ctx, pair, dir)
		fallback.Mode = strategy.ModeLimitBoth
		fallback.MarketFallback = true
		return fallback, ferr
	}
	res.SoldQty = sell.filled()
	res.BoughtQty = buy.filled()
	res.SellViaMarket = sell.viaMarket
	if !ok {
		return res, err
	}
	res.Success = true
	res.Volume = 2 * pair.Quantity
	return res, nil
}

func (e *Executor) sellOnly(ctx context.Context, pair config.PairConfig, dir account.Direction, cond strategy.Conditions) (CycleResult, error) {
	res := CycleResult{Mode: strategy.ModeSellOnly}
	sellQty, err := e.sellQuantity(ctx, pair, dir.Seller)
	if err != nil {
		return res, err
	}
	l := &leg{acct: dir.Seller, symbol: pair.Symbol, side: rest.SideSell, target: sellQty}
	l.limitPrice = e.edgePrice(pair, cond.Top, rest.SideSell)
	if err := e.submit(ctx, l, rest.TypeLimit, sellQty, "limit-sell"); err != nil {
		return res, err
	}
	tol := tolerance(pair)
	deadline := time.Now().Add(e.opts.OrderTimeout)
	for !l.complete(tol) && time.Now().Before(deadline) {
		if err := e.sleep(ctx); err != nil {
			return res, err
		}
		if err := e.refreshLeg(ctx, l); err != nil {
			if rest.IsAuthError(err) {
				return res, err
			}
			e.log.Warn("order poll failed", zap.String("client_order_id", l.clientID), zap.Error(err))
		}
		if l.state == rest.StatePartiallyFilled {
			if err := e.remediate(ctx, pair, l, deadline); err != nil {
				res.SoldQty = l.filled()
				return res, err
			}
		}
	}
	if !l.complete(tol) {
		if err := e.remediate(ctx, pair, l, deadline); err != nil {
			res.SoldQty = l.filled()
			return res, err
		}
	}
	res.SoldQty = l.filled()
	res.SellViaMarket = l.viaMarket
	if !l.complete(tol) {
		return res, errors.New("sell-only leg did not complete")
	}
	res.Success = true
	res.Volume = pair.Quantity
	return res, nil
}

// InitializationBuy seeds an empty pair: the account holding more quote
// asset market-buys the configured quantity so a hedge direction exists.
func (e *Executor) InitializationBuy(ctx context.Context, pair config.PairConfig, buyer *account.Account) error {
	l := &leg{acct: buyer, symbol: pair.Symbol, side: rest.SideBuy, target: pair.Quantity, viaMarket: true}
	if err := e.submit(ctx, l, rest.TypeMarket, pair.Quantity, "init-buy"); err != nil {
		return err
	}
	return e.confirm(ctx, pair, l, time.Now().Add(e.opts.OrderTimeout))
}

// runLegs polls both legs until completion or timeout, applying the shared
// remediation rules: partial limit fills convert their remainder to market,
// one finished leg past the grace period forces the other to convert, and
// at timeout everything unfilled goes to market. Returns errDepthExhausted
// when both limit legs timed out untouched.
func (e *Executor) runLegs(ctx context.Context, pair config.PairConfig, sell, buy *leg, reprice func(context.Context, *leg) error) (bool, error) {
	tol := tolerance(pair)
	deadline := time.Now().Add(e.opts.OrderTimeout)
	legs := []*leg{sell, buy}
	var firstErr error
	for time.Now().Before(deadline) {
		if err := e.sleep(ctx); err != nil {
			return false, err
		}
		for _, l := range legs {
			if l.complete(tol) {
				continue
			}
			if err := e.refreshLeg(ctx, l); err != nil {
				if rest.IsAuthError(err) {
					return false, err
				}
				e.log.Warn("order poll failed", zap.String("client_order_id", l.clientID), zap.Error(err))
			}
		}
		if sell.complete(tol) && buy.complete(tol) {
			return true, nil
		}
		for _, l := range legs {
			if l.complete(tol) {
				continue
			}
			other := buy
			if l == buy {
				other = sell
			}
			switch {
			case l.state == rest.StatePartiallyFilled && l.limitPrice > 0:
				if err := e.remediate(ctx, pair, l, deadline); err != nil && firstErr == nil {
					firstErr = err
				}
			case l.state.Failed():
				if err := e.remediate(ctx, pair, l, deadline); err != nil && firstErr == nil {
					firstErr = err
				}
			case other.complete(tol) && !other.doneAt.IsZero() && time.Since(other.doneAt) > e.opts.EmergencyGrace:
				e.log.Warn("sibling leg filled, converting open leg to market",
					zap.String("symbol", pair.Symbol), zap.String("side", string(l.side)))
				if err := e.remediate(ctx, pair, l, deadline); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		if reprice != nil {
			for _, l := range legs {
				if !l.complete(tol) && l.limitPrice > 0 && l.state != rest.StatePartiallyFilled {
					if err := reprice(ctx, l); err != nil {
						e.log.Warn("reprice failed", zap.String("side", string(l.side)), zap.Error(err))
					}
				}
			}
		}
		if sell.complete(tol) && buy.complete(tol) {
			return true, nil
		}
	}
	if sell.filled() == 0 && buy.filled() == 0 && sell.limitPrice > 0 && buy.limitPrice > 0 {
		e.cancelBestEffort(ctx, sell)
		e.cancelBestEffort(ctx, buy)
		return false, errDepthExhausted
	}
	for _, l := range legs {
		if l.complete(tol) {
			continue
		}
		if err := e.remediate(ctx, pair, l, deadline); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if sell.complete(tol) && buy.complete(tol) {
		return true, nil
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("cycle timed out: sold %.8f of %.8f, bought %.8f of %.8f",
			sell.filled(), sell.target, buy.filled(), buy.target)
	}
	return false, firstErr
}

// repriceLeg re-posts a resting limit order at a fresh edge-relative price
// once the market has moved beyond it by more than one tick.
func (e *Executor) repriceLeg(pair config.PairConfig) func(context.Context, *leg) error {
	var lastRefresh time.Time
	return func(ctx context.Context, l *leg) error {
		if time.Since(lastRefresh) >= time.Second {
			lastRefresh = time.Now()
			if err := e.tracker.Refresh(ctx, pair.Symbol); err != nil {
				return nil
			}
		}
		top, ok := e.tracker.Top(pair.Symbol)
		if !ok {
			return nil
		}
		var fresh float64
		switch l.side {
		case rest.SideSell:
			if top.Ask >= l.limitPrice-pair.TickSize {
				return nil
			}
			fresh = top.Ask - pair.TickSize
		case rest.SideBuy:
			if top.Bid <= l.limitPrice+pair.TickSize {
				return nil
			}
			fresh = top.Bid + pair.TickSize
		}
		if fresh <= 0 {
			return nil
		}
		e.cancelBestEffort(ctx, l)
		if st, err := l.acct.Gateway().QueryOrder(ctx, l.symbol, l.clientID); err == nil {
			l.curFilled = st.ExecutedQty
		}
		remaining := rest.SnapQuantity(l.remaining(), pair.StepSize)
		if remaining <= tolerance(pair) {
			return nil
		}
		l.rotate()
		l.limitPrice = fresh
		return e.submit(ctx, l, rest.TypeLimit, remaining, "repost-"+sideTag(l.side))
	}
}

// remediate converts a leg's unfilled remainder into a market order sized
// from a fresh gateway balance read, then poll-confirms the fill.
func (e *Executor) remediate(ctx context.Context, pair config.PairConfig, l *leg, deadline time.Time) error {
	e.metrics.Remediations.Inc()
	if l.clientID != "" && !l.state.Terminal() {
		e.cancelBestEffort(ctx, l)
	}
	if st, err := l.acct.Gateway().QueryOrder(ctx, l.symbol, l.clientID); err == nil {
		l.curFilled = st.ExecutedQty
	}
	remaining := rest.SnapQuantity(l.remaining(), pair.StepSize)
	if l.side == rest.SideSell {
		// never compound rounding drift: size the remainder off the live balance
		if err := l.acct.Refresh(ctx); err == nil {
			if free, err := l.acct.Free(ctx, pair.BaseAsset); err == nil && free < remaining {
				remaining = rest.SnapQuantity(free, pair.StepSize)
			}
		}
	}
	if remaining <= tolerance(pair) {
		if l.doneAt.IsZero() {
			l.doneAt = time.Now()
		}
		return nil
	}
	l.rotate()
	l.viaMarket = true
	l.limitPrice = 0
	if err := e.submit(ctx, l, rest.TypeMarket, remaining, "fix-"+sideTag(l.side)); err != nil {
		return err
	}
	return e.confirm(ctx, pair, l, deadline)
}

// confirm polls a remediation order to a terminal state instead of assuming
// the market fill landed.
func (e *Executor) confirm(ctx context.Context, pair config.PairConfig, l *leg, deadline time.Time) error {
	floor := time.Now().Add(remediationFloor)
	if deadline.Before(floor) {
		deadline = floor
	}
	tol := tolerance(pair)
	for {
		if err := e.refreshLeg(ctx, l); err != nil {
			if rest.IsAuthError(err) {
				return err
			}
			e.log.Warn("remediation poll failed", zap.String("client_order_id", l.clientID), zap.Error(err))
		}
		if l.complete(tol) {
			return nil
		}
		if l.state.Failed() {
			return fmt.Errorf("remediation order %s ended %s", l.clientID, l.state)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("remediation order %s unconfirmed before deadline", l.clientID)
		}
		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
}

func (e *Executor) submit(ctx context.Context, l *leg, orderType rest.OrderType, qty float64, tag string) error {
	l.clientID = newClientID(tag)
	req := rest.OrderRequest{
		Symbol:        l.symbol,
		Side:          l.side,
		Type:          orderType,
		Quantity:      qty,
		Price:         l.limitPrice,
		ClientOrderID: l.clientID,
	}
	ack, err := l.acct.Gateway().CreateOrder(ctx, req)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return fmt.Errorf("submit %s %s: %w", strings.ToLower(string(l.side)), orderType, err)
	}
	e.metrics.OrdersPlaced.Inc()
	l.placed = true
	l.state = ack.State
	if l.state == "" {
		l.state = rest.StateNew
	}
	l.curFilled = ack.ExecutedQty
	if l.state == rest.StateFilled && l.doneAt.IsZero() {
		l.doneAt = time.Now()
	}
	e.log.Info("order submitted",
		zap.String("symbol", l.symbol),
		zap.String("account", l.acct.Name()),
		zap.String("side", string(l.side)),
		zap.String("type", string(orderType)),
		zap.Float64("quantity", qty),
		zap.Float64("price", l.limitPrice),
		zap.String("client_order_id", l.clientID),
	)
	return nil
}

func (e *Executor) refreshLeg(ctx context.Context, l *leg) error {
	if l.clientID == "" {
		return nil
	}
	st, err := l.acct.Gateway().QueryOrder(ctx, l.symbol, l.clientID)
	if err != nil {
		if rest.IsOrderNotFound(err) {
			return nil
		}
		return err
	}
	l.state = st.State
	l.curFilled = st.ExecutedQty
	if l.state == rest.StateFilled && l.doneAt.IsZero() {
		l.doneAt = time.Now()
	}
	return nil
}

// cancelBestEffort issues a cancel and moves on; any order it misses is
// swept by scheduler housekeeping.
func (e *Executor) cancelBestEffort(ctx context.Context, l *leg) {
	if l.clientID == "" {
		return
	}
	if err := l.acct.Gateway().CancelOrder(ctx, l.symbol, l.clientID); err != nil && !rest.IsOrderNotFound(err) {
		e.log.Warn("cancel failed", zap.String("client_order_id", l.clientID), zap.Error(err))
	}
}

func (e *Executor) sellQuantity(ctx context.Context, pair config.PairConfig, seller *account.Account) (float64, error) {
	free, err := seller.Free(ctx, pair.BaseAsset)
	if err != nil {
		return 0, err
	}
	qty := free
	if qty > pair.MaxSellQuantity {
		qty = pair.MaxSellQuantity
	}
	qty = rest.SnapQuantity(qty, pair.StepSize)
	if qty <= 0 {
		return 0, fmt.Errorf("account %s holds no sellable %s", seller.Name(), pair.BaseAsset)
	}
	return qty, nil
}

func (e *Executor) edgePrice(pair config.PairConfig, top market.TopOfBook, side rest.Side) float64 {
	if side == rest.SideSell {
		return rest.SnapPrice(top.Ask-pair.TickSize, pair.TickSize)
	}
	return rest.SnapPrice(top.Bid+pair.TickSize, pair.TickSize)
}

func (e *Executor) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.opts.PollInterval):
		return nil
	}
}

func tolerance(pair config.PairConfig) float64 {
	if pair.StepSize > 0 {
		return pair.StepSize
	}
	return 1e-9
}

func sideTag(s rest.Side) string {
	return strings.ToLower(string(s))
}
