package strategy

import (
	"fmt"

	"github.com/Marsha313/at-trader/internal/config"
	"github.com/Marsha313/at-trader/internal/market"
)

// Conditions is everything the selector and the market gate look at for
// one instrument on one tick.
type Conditions struct {
	Top        market.TopOfBook
	HasBook    bool
	Volatility float64
	Trend      int

	SellerBase float64
	BuyerQuote float64
	FirstBase  float64
	SecondBase float64
}

const statsOverrideMinAttempts = 5

// EvaluateMarket is the pre-trade market gate. It looks only at the book,
// so a false result skips the cycle without touching the direction cache.
func EvaluateMarket(p config.PairConfig, c Conditions) (bool, string) {
	if !c.HasBook || c.Top.Bid == 0 || c.Top.Ask == 0 {
		return false, "order book unknown"
	}
	spread := market.SpreadPercentage(c.Top.Bid, c.Top.Ask)
	if spread > p.MaxSpread {
		return false, fmt.Sprintf("spread %.4f%% above limit %.4f%%", spread*100, p.MaxSpread*100)
	}
	if c.Volatility > p.MaxVolatility {
		return false, fmt.Sprintf("volatility %.4f%% above limit %.4f%%", c.Volatility*100, p.MaxVolatility*100)
	}
	required := p.Quantity * p.MinDepthMultiplier
	if c.Top.BidQty < required || c.Top.AskQty < required {
		return false, fmt.Sprintf("depth bid %.2f / ask %.2f below required %.2f", c.Top.BidQty, c.Top.AskQty, required)
	}
	return true, ""
}

// EvaluateBalances gates on the two accounts' holdings, consulted only
// after the market gate passes.
func EvaluateBalances(p config.PairConfig, c Conditions) (bool, string) {
	if c.SellerBase <= 0 {
		return false, fmt.Sprintf("no %s to sell", p.BaseAsset)
	}
	requiredQuote := p.Quantity * c.Top.Mid()
	if c.BuyerQuote < requiredQuote {
		return false, fmt.Sprintf("%s balance %.2f below required %.2f", p.QuoteAsset, c.BuyerQuote, requiredQuote)
	}
	return true, ""
}

// Score rates conditions 0-9: up to 3 points each for spread room (in ticks),
// touch depth relative to the configured quantity, and volatility.
func Score(p config.PairConfig, c Conditions) int {
	return spreadScore(p, c) + depthScore(p, c) + volatilityScore(c)
}

func spreadScore(p config.PairConfig, c Conditions) int {
	if p.TickSize <= 0 {
		return 0
	}
	ticks := (c.Top.Ask - c.Top.Bid) / p.TickSize
	switch {
	case ticks >= 4:
		return 3
	case ticks >= 3:
		return 2
	case ticks >= 2:
		return 1
	}
	return 0
}

func depthScore(p config.PairConfig, c Conditions) int {
	required := p.Quantity * p.MinDepthMultiplier
	if required <= 0 {
		return 0
	}
	depth := c.Top.BidQty
	if c.Top.AskQty < depth {
		depth = c.Top.AskQty
	}
	switch {
	case depth >= 3*required:
		return 3
	case depth >= 2*required:
		return 2
	case depth >= required:
		return 1
	}
	return 0
}

func volatilityScore(c Conditions) int {
	switch {
	case c.Volatility <= 0.0005:
		return 3
	case c.Volatility <= 0.001:
		return 2
	case c.Volatility <= 0.002:
		return 1
	}
	return 0
}

// Choose resolves the instrument's configured mode to a concrete one.
// Auto first checks the sell-only precondition, then lets historical
// per-mode stats override the score once enough attempts exist.
func Choose(p config.PairConfig, c Conditions, stats *Stats) Mode {
	configured, err := ParseMode(p.Mode)
	if err != nil || configured == "" {
		configured = ModeAuto
	}
	if configured != ModeAuto {
		return configured
	}
	if c.FirstBase >= p.Quantity && c.SecondBase >= p.Quantity {
		return ModeSellOnly
	}
	if stats != nil {
		if best, ok := stats.Best(statsOverrideMinAttempts); ok {
			return best
		}
	}
	score := Score(p, c)
	switch {
	case score >= 7:
		return ModeLimitBoth
	case score >= 4:
		return ModeLimitMarket
	}
	return ModeMarketOnly
}

// ChooseLimitSide decides which leg of Limit-Market rests as the limit
// order: the side whose touch shows relatively more depth takes the limit,
// ties break on trend (rising favors limit-buy, falling limit-sell).
func ChooseLimitSide(c Conditions) (limitSell bool) {
	if c.Top.AskQty > c.Top.BidQty {
		return true
	}
	if c.Top.AskQty < c.Top.BidQty {
		return false
	}
	return c.Trend <= 0
}
