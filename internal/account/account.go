package account

import (
	"context"
	"errors"
	"sync"

	"github.com/Marsha313/at-trader/internal/aster/rest"

	"go.uber.org/zap"
)

// Gateway is the slice of the exchange client an account needs.
type Gateway interface {
	Account(ctx context.Context) (map[string]rest.Balance, error)
	CreateOrder(ctx context.Context, req rest.OrderRequest) (rest.OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (rest.OrderStatus, error)
	OpenOrders(ctx context.Context, symbol string) ([]rest.OrderStatus, error)
	Name() string
}

// Account memoizes one exchange account's balances. Routine reads hit the
// cache; Refresh is the only path that observes a balance change.
type Account struct {
	gw  Gateway
	log *zap.Logger

	mu       sync.Mutex
	balances map[string]rest.Balance
	loaded   bool
}

func New(gw Gateway, log *zap.Logger) *Account {
	return &Account{gw: gw, log: log}
}

func (a *Account) Name() string     { return a.gw.Name() }
func (a *Account) Gateway() Gateway { return a.gw }

func (a *Account) Balances(ctx context.Context) (map[string]rest.Balance, error) {
	a.mu.Lock()
	if a.loaded {
		cached := a.balances
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()
	if err := a.Refresh(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances, nil
}

func (a *Account) Free(ctx context.Context, asset string) (float64, error) {
	balances, err := a.Balances(ctx)
	if err != nil {
		return 0, err
	}
	return balances[asset].Free, nil
}

func (a *Account) Invalidate() {
	a.mu.Lock()
	a.loaded = false
	a.mu.Unlock()
}

func (a *Account) Refresh(ctx context.Context) error {
	if a.gw == nil {
		return errors.New("gateway is required")
	}
	balances, err := a.gw.Account(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.balances = balances
	a.loaded = true
	a.mu.Unlock()
	a.log.Debug("balances refreshed", zap.String("account", a.Name()), zap.Int("assets", len(balances)))
	return nil
}
