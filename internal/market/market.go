package market

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/Marsha313/at-trader/internal/aster/rest"

	"go.uber.org/zap"
)

const defaultDepthLimit = 10

type DepthSource interface {
	Depth(ctx context.Context, symbol string, limit int) (rest.Depth, error)
}

type TopOfBook struct {
	Bid    float64
	Ask    float64
	BidQty float64
	AskQty float64
}

func (t TopOfBook) Mid() float64 { return (t.Bid + t.Ask) / 2 }

// Tracker holds the latest order-book snapshot and a short rolling mid-price
// window per tracked symbol. Snapshots are replaced wholesale on refresh;
// a failed refresh leaves the previous one intact.
type Tracker struct {
	source DepthSource
	log    *zap.Logger

	mu      sync.RWMutex
	books   map[string]rest.Depth
	mids    map[string][]float64
	windows map[string]int
}

func New(source DepthSource, log *zap.Logger) *Tracker {
	return &Tracker{
		source:  source,
		log:     log,
		books:   make(map[string]rest.Depth),
		mids:    make(map[string][]float64),
		windows: make(map[string]int),
	}
}

func (t *Tracker) Track(symbol string, window int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if window <= 1 {
		window = 10
	}
	t.windows[symbol] = window
}

func (t *Tracker) Refresh(ctx context.Context, symbol string) error {
	depth, err := t.source.Depth(ctx, symbol, defaultDepthLimit)
	if err != nil {
		t.log.Warn("depth refresh failed", zap.String("symbol", symbol), zap.Error(err))
		return err
	}
	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return errors.New("depth response missing book levels")
	}
	mid := (depth.Bids[0].Price + depth.Asks[0].Price) / 2
	t.mu.Lock()
	defer t.mu.Unlock()
	t.books[symbol] = depth
	window := t.windows[symbol]
	if window <= 1 {
		window = 10
	}
	prices := append(t.mids[symbol], mid)
	if len(prices) > window {
		prices = prices[len(prices)-window:]
	}
	t.mids[symbol] = prices
	return nil
}

// Top returns the best bid/ask with quantities. ok is false until the first
// successful refresh; callers treat that as "unknown, defer".
func (t *Tracker) Top(symbol string) (TopOfBook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	book, ok := t.books[symbol]
	if !ok || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return TopOfBook{}, false
	}
	return TopOfBook{
		Bid:    book.Bids[0].Price,
		Ask:    book.Asks[0].Price,
		BidQty: book.Bids[0].Quantity,
		AskQty: book.Asks[0].Quantity,
	}, true
}

// SpreadPercentage is (ask-bid)/bid, +Inf when either side is missing so a
// degenerate book can never pass a max-spread gate.
func SpreadPercentage(bid, ask float64) float64 {
	if bid == 0 || ask == 0 {
		return math.Inf(1)
	}
	return (ask - bid) / bid
}

// Volatility is the maximum absolute relative step across the rolling window,
// zero when fewer than two samples exist.
func (t *Tracker) Volatility(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prices := t.mids[symbol]
	if len(prices) < 2 {
		return 0
	}
	var max float64
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		step := math.Abs(prices[i]-prices[i-1]) / prices[i-1]
		if step > max {
			max = step
		}
	}
	return max
}

// Trend classifies the short-term mid-price drift: +1 rising, -1 falling,
// 0 flat or not enough samples.
func (t *Tracker) Trend(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prices := t.mids[symbol]
	if len(prices) < 3 {
		return 0
	}
	var sum float64
	for _, p := range prices[:len(prices)-1] {
		sum += p
	}
	mean := sum / float64(len(prices)-1)
	last := prices[len(prices)-1]
	switch {
	case last > mean:
		return 1
	case last < mean:
		return -1
	}
	return 0
}
