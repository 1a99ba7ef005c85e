package strategy

import (
	"fmt"
	"strings"
)

// Mode is the closed set of execution strategies for one hedge cycle.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeLimitBoth   Mode = "limit_both"
	ModeMarketOnly  Mode = "market_only"
	ModeLimitMarket Mode = "limit_market"
	ModeSellOnly    Mode = "sell_only"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeLimitBoth:
		return ModeLimitBoth, nil
	case ModeMarketOnly:
		return ModeMarketOnly, nil
	case ModeLimitMarket:
		return ModeLimitMarket, nil
	case ModeSellOnly:
		return ModeSellOnly, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// HedgeModes are the modes that place both legs; the adaptive override
// only ever picks among these.
func HedgeModes() []Mode {
	return []Mode{ModeLimitBoth, ModeLimitMarket, ModeMarketOnly}
}
