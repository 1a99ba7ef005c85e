package strategy

import (
	"testing"
	"time"
)

func TestStatsRecordAndRates(t *testing.T) {
	stats := NewStats()
	stats.Record(ModeLimitBoth, true, 2*time.Second)
	stats.Record(ModeLimitBoth, false, 4*time.Second)

	entry := stats.Mode(ModeLimitBoth)
	if entry.Attempts != 2 || entry.Successes != 1 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.SuccessRate() != 0.5 {
		t.Fatalf("expected rate 0.5, got %v", entry.SuccessRate())
	}
	if entry.AvgDuration() != 3*time.Second {
		t.Fatalf("expected avg 3s, got %v", entry.AvgDuration())
	}
}

func TestBestRequiresMinAttempts(t *testing.T) {
	stats := NewStats()
	stats.Record(ModeMarketOnly, true, time.Second)
	if _, ok := stats.Best(5); ok {
		t.Fatalf("expected no best mode below the attempt floor")
	}
	for i := 0; i < 4; i++ {
		stats.Record(ModeMarketOnly, true, time.Second)
	}
	best, ok := stats.Best(5)
	if !ok || best != ModeMarketOnly {
		t.Fatalf("expected market-only best, got %v ok=%v", best, ok)
	}
}

func TestBestPrefersHigherSuccessRate(t *testing.T) {
	stats := NewStats()
	for i := 0; i < 5; i++ {
		stats.Record(ModeMarketOnly, i < 2, time.Second) // 40%
		stats.Record(ModeLimitBoth, i < 4, time.Second)  // 80%
	}
	best, ok := stats.Best(5)
	if !ok || best != ModeLimitBoth {
		t.Fatalf("expected limit-both best, got %v ok=%v", best, ok)
	}
}

func TestBestIgnoresSellOnly(t *testing.T) {
	stats := NewStats()
	for i := 0; i < 10; i++ {
		stats.Record(ModeSellOnly, true, time.Second)
	}
	if _, ok := stats.Best(5); ok {
		t.Fatalf("sell-only must not win the hedge mode override")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	stats := NewStats()
	stats.Record(ModeLimitMarket, true, time.Second)
	stats.Record(ModeLimitMarket, false, time.Second)

	restored := NewStats()
	restored.Restore(stats.Snapshot())
	if got := restored.Mode(ModeLimitMarket); got.Attempts != 2 || got.Successes != 1 {
		t.Fatalf("unexpected restored entry %+v", got)
	}
}
