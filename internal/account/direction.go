package account

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Direction is the (selling, buying) account assignment for one instrument.
type Direction struct {
	Seller *Account
	Buyer  *Account
}

// Pair owns the two trading accounts and the per-symbol direction cache.
// Directions are computed lazily and invalidated after every cycle attempt
// so a stale assignment never carries across attempts.
type Pair struct {
	First  *Account
	Second *Account
	log    *zap.Logger

	mu         sync.Mutex
	directions map[string]Direction
}

func NewPair(first, second *Account, log *zap.Logger) *Pair {
	return &Pair{
		First:      first,
		Second:     second,
		log:        log,
		directions: make(map[string]Direction),
	}
}

// Direction returns the cached assignment for symbol, computing it from
// base-asset balances on first use. The larger holder sells; ties go to
// the first account.
func (p *Pair) Direction(ctx context.Context, symbol, baseAsset string) (Direction, error) {
	p.mu.Lock()
	if dir, ok := p.directions[symbol]; ok {
		p.mu.Unlock()
		return dir, nil
	}
	p.mu.Unlock()

	freeFirst, err := p.First.Free(ctx, baseAsset)
	if err != nil {
		return Direction{}, err
	}
	freeSecond, err := p.Second.Free(ctx, baseAsset)
	if err != nil {
		return Direction{}, err
	}
	dir := p.determine(freeFirst, freeSecond)
	p.log.Info("trade direction decided",
		zap.String("symbol", symbol),
		zap.String("seller", dir.Seller.Name()),
		zap.String("buyer", dir.Buyer.Name()),
		zap.Float64(p.First.Name()+"_"+baseAsset, freeFirst),
		zap.Float64(p.Second.Name()+"_"+baseAsset, freeSecond),
	)
	p.mu.Lock()
	p.directions[symbol] = dir
	p.mu.Unlock()
	return dir, nil
}

func (p *Pair) determine(freeFirst, freeSecond float64) Direction {
	if freeFirst >= freeSecond {
		return Direction{Seller: p.First, Buyer: p.Second}
	}
	return Direction{Seller: p.Second, Buyer: p.First}
}

func (p *Pair) Invalidate(symbol string) {
	p.mu.Lock()
	delete(p.directions, symbol)
	p.mu.Unlock()
}

// RefreshBalances forces both accounts' balance caches to reload and drops
// every cached direction. Called after every completed cycle, success or not.
func (p *Pair) RefreshBalances(ctx context.Context) error {
	if err := p.First.Refresh(ctx); err != nil {
		return err
	}
	if err := p.Second.Refresh(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.directions = make(map[string]Direction)
	p.mu.Unlock()
	return nil
}

func (p *Pair) Accounts() []*Account {
	return []*Account{p.First, p.Second}
}
