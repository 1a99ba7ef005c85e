package strategy

import (
	"sync"
	"time"
)

// ModeStats is one mode's rolling execution record.
type ModeStats struct {
	Attempts      int           `json:"attempts"`
	Successes     int           `json:"successes"`
	TotalDuration time.Duration `json:"total_duration"`
}

func (m ModeStats) SuccessRate() float64 {
	if m.Attempts == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Attempts)
}

func (m ModeStats) AvgDuration() time.Duration {
	if m.Attempts == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Attempts)
}

// Stats accumulates per-mode success rates and durations, biasing future
// auto-mode picks once enough attempts exist.
type Stats struct {
	mu      sync.Mutex
	perMode map[Mode]ModeStats
}

func NewStats() *Stats {
	return &Stats{perMode: make(map[Mode]ModeStats)}
}

func (s *Stats) Record(mode Mode, success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.perMode[mode]
	entry.Attempts++
	if success {
		entry.Successes++
	}
	entry.TotalDuration += duration
	s.perMode[mode] = entry
}

func (s *Stats) Mode(mode Mode) ModeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perMode[mode]
}

// Best returns the hedge mode with the highest success rate among those
// with at least minAttempts completed attempts.
func (s *Stats) Best(minAttempts int) (Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Mode
	bestRate := -1.0
	for _, mode := range HedgeModes() {
		entry := s.perMode[mode]
		if entry.Attempts < minAttempts {
			continue
		}
		if rate := entry.SuccessRate(); rate > bestRate {
			bestRate = rate
			best = mode
		}
	}
	return best, bestRate >= 0
}

func (s *Stats) Snapshot() map[Mode]ModeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Mode]ModeStats, len(s.perMode))
	for mode, entry := range s.perMode {
		out[mode] = entry
	}
	return out
}

func (s *Stats) Restore(snapshot map[Mode]ModeStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mode, entry := range snapshot {
		s.perMode[mode] = entry
	}
}
