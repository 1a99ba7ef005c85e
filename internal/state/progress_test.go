package state_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Marsha313/at-trader/internal/state"
	"github.com/Marsha313/at-trader/internal/state/sqlite"
	"github.com/Marsha313/at-trader/internal/strategy"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPairProgressRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	saved := state.PairProgress{
		Symbol:    "ABCUSDT",
		Volume:    42.5,
		Attempts:  10,
		Successes: 8,
		ModeStats: map[strategy.Mode]strategy.ModeStats{
			strategy.ModeLimitBoth:  {Attempts: 6, Successes: 5, TotalDuration: 12 * time.Second},
			strategy.ModeMarketOnly: {Attempts: 4, Successes: 3, TotalDuration: 2 * time.Second},
		},
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	if err := state.SavePairProgress(ctx, store, saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, ok, err := state.LoadPairProgress(ctx, store, "ABCUSDT")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected progress found")
	}
	if loaded.Volume != saved.Volume || loaded.Attempts != saved.Attempts || loaded.Successes != saved.Successes {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, saved)
	}
	if got := loaded.ModeStats[strategy.ModeLimitBoth]; got.Successes != 5 || got.TotalDuration != 12*time.Second {
		t.Fatalf("mode stats mismatch: %+v", got)
	}
}

func TestLoadPairProgressMissing(t *testing.T) {
	store := newStore(t)
	_, ok, err := state.LoadPairProgress(context.Background(), store, "NOPEUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no progress for unknown symbol")
	}
}

func TestSaveOverwrites(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, volume := range []float64{1, 2, 3} {
		if err := state.SavePairProgress(ctx, store, state.PairProgress{Symbol: "ABCUSDT", Volume: volume}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	loaded, ok, err := state.LoadPairProgress(ctx, store, "ABCUSDT")
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if loaded.Volume != 3 {
		t.Fatalf("expected the latest snapshot, got %v", loaded.Volume)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	ctx := context.Background()
	if err := state.SavePairProgress(ctx, nil, state.PairProgress{Symbol: "ABCUSDT"}); err != nil {
		t.Fatalf("expected nil store save to be a no-op, got %v", err)
	}
	_, ok, err := state.LoadPairProgress(ctx, nil, "ABCUSDT")
	if err != nil || ok {
		t.Fatalf("expected nil store load to report missing, ok=%v err=%v", ok, err)
	}
}
