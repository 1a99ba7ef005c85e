package state

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Marsha313/at-trader/internal/strategy"
)

// PairProgress is the per-instrument snapshot persisted after every
// successful cycle so cumulative volume and mode statistics survive a
// restart.
type PairProgress struct {
	Symbol      string                               `json:"symbol"`
	Volume      float64                              `json:"volume"`
	Attempts    int                                  `json:"attempts"`
	Successes   int                                  `json:"successes"`
	ModeStats   map[strategy.Mode]strategy.ModeStats `json:"mode_stats,omitempty"`
	UpdatedAtMS int64                                `json:"updated_at_ms"`
}

func progressKey(symbol string) string {
	return "progress:" + symbol
}

func LoadPairProgress(ctx context.Context, store Store, symbol string) (PairProgress, bool, error) {
	if store == nil {
		return PairProgress{}, false, nil
	}
	raw, ok, err := store.Get(ctx, progressKey(symbol))
	if err != nil {
		return PairProgress{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return PairProgress{}, false, nil
	}
	var progress PairProgress
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return PairProgress{}, false, err
	}
	return progress, true, nil
}

func SavePairProgress(ctx context.Context, store Store, progress PairProgress) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return store.Set(ctx, progressKey(progress.Symbol), string(payload))
}
