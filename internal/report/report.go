package report

import (
	"context"
	"time"

	"github.com/Marsha313/at-trader/internal/aster/rest"

	"go.uber.org/zap"
)

const defaultTradeLimit = 50

// TradeSource is the slice of the exchange client the reporter reads from.
type TradeSource interface {
	Account(ctx context.Context) (map[string]rest.Balance, error)
	UserTrades(ctx context.Context, symbol string, fromID int64, limit int) ([]rest.Trade, error)
	Name() string
}

// Summary aggregates one account's recent fills on a symbol.
type Summary struct {
	Account     string
	Symbol      string
	Trades      int
	BuyQty      float64
	SellQty     float64
	BuyQuote    float64
	SellQuote   float64
	Commission  float64
	MakerTrades int
	LastTradeAt time.Time
	LastTradeID int64
}

func (s Summary) NetQty() float64 { return s.BuyQty - s.SellQty }

// Reporter pulls recent fills and balances for periodic operator summaries.
// It tracks the last seen trade ID per account and symbol so consecutive
// reports never double count.
type Reporter struct {
	log     *zap.Logger
	lastIDs map[string]int64
}

func New(log *zap.Logger) *Reporter {
	return &Reporter{log: log, lastIDs: make(map[string]int64)}
}

// TradeSummary fetches fills on symbol since the previous call for the same
// account and folds them into a Summary.
func (r *Reporter) TradeSummary(ctx context.Context, src TradeSource, symbol string) (Summary, error) {
	key := src.Name() + ":" + symbol
	trades, err := src.UserTrades(ctx, symbol, r.lastIDs[key], defaultTradeLimit)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Account: src.Name(), Symbol: symbol}
	for _, t := range trades {
		if t.ID <= r.lastIDs[key] {
			continue
		}
		summary.Trades++
		if t.IsBuyer {
			summary.BuyQty += t.Quantity
			summary.BuyQuote += t.QuoteQuantity
		} else {
			summary.SellQty += t.Quantity
			summary.SellQuote += t.QuoteQuantity
		}
		if t.IsMaker {
			summary.MakerTrades++
		}
		summary.Commission += t.Commission
		if t.ID > summary.LastTradeID {
			summary.LastTradeID = t.ID
			summary.LastTradeAt = t.Time
		}
	}
	if summary.LastTradeID > 0 {
		r.lastIDs[key] = summary.LastTradeID
	}
	return summary, nil
}

// LogSummary emits a trade summary plus current balances for both assets.
func (r *Reporter) LogSummary(ctx context.Context, src TradeSource, symbol, baseAsset, quoteAsset string) {
	summary, err := r.TradeSummary(ctx, src, symbol)
	if err != nil {
		r.log.Warn("trade summary failed", zap.String("account", src.Name()), zap.Error(err))
		return
	}
	balances, err := src.Account(ctx)
	if err != nil {
		r.log.Warn("balance read failed", zap.String("account", src.Name()), zap.Error(err))
		return
	}
	r.log.Info("trade report",
		zap.String("account", summary.Account),
		zap.String("symbol", summary.Symbol),
		zap.Int("trades", summary.Trades),
		zap.Int("maker_trades", summary.MakerTrades),
		zap.Float64("buy_qty", summary.BuyQty),
		zap.Float64("sell_qty", summary.SellQty),
		zap.Float64("net_qty", summary.NetQty()),
		zap.Float64("buy_quote", summary.BuyQuote),
		zap.Float64("sell_quote", summary.SellQuote),
		zap.Float64("commission", summary.Commission),
		zap.Float64(baseAsset+"_free", balances[baseAsset].Free),
		zap.Float64(quoteAsset+"_free", balances[quoteAsset].Free),
	)
}
