package exec

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Marsha313/at-trader/internal/account"
	"github.com/Marsha313/at-trader/internal/aster/rest"
	"github.com/Marsha313/at-trader/internal/config"
	"github.com/Marsha313/at-trader/internal/market"
	"github.com/Marsha313/at-trader/internal/strategy"

	"go.uber.org/zap"
)

type fakeGateway struct {
	name string

	mu       sync.Mutex
	balances map[string]rest.Balance
	orders   map[string]*rest.OrderStatus
	placed   []rest.OrderRequest
	canceled []string

	onCreate func(req rest.OrderRequest) (rest.OrderStatus, bool)
	onCancel func(clientOrderID string)
}

func newFakeGateway(name string, balances map[string]rest.Balance) *fakeGateway {
	return &fakeGateway{
		name:     name,
		balances: balances,
		orders:   make(map[string]*rest.OrderStatus),
	}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Account(context.Context) (map[string]rest.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]rest.Balance, len(g.balances))
	for asset, b := range g.balances {
		out[asset] = b
	}
	return out, nil
}

func (g *fakeGateway) CreateOrder(_ context.Context, req rest.OrderRequest) (rest.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	st := rest.OrderStatus{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		State:         rest.StateNew,
		OrigQty:       req.Quantity,
		Price:         req.Price,
	}
	if req.Type == rest.TypeMarket {
		st.State = rest.StateFilled
		st.ExecutedQty = req.Quantity
	}
	if g.onCreate != nil {
		if override, ok := g.onCreate(req); ok {
			st = override
			st.ClientOrderID = req.ClientOrderID
		}
	}
	g.orders[req.ClientOrderID] = &st
	return st, nil
}

func (g *fakeGateway) QueryOrder(_ context.Context, _ string, clientOrderID string) (rest.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[clientOrderID]
	if !ok {
		return rest.OrderStatus{}, &rest.APIError{HTTPStatus: 400, Code: -2013, Message: "order does not exist"}
	}
	return *st, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ string, clientOrderID string) error {
	g.mu.Lock()
	g.canceled = append(g.canceled, clientOrderID)
	if st, ok := g.orders[clientOrderID]; ok && !st.State.Terminal() {
		st.State = rest.StateCanceled
	}
	hook := g.onCancel
	g.mu.Unlock()
	if hook != nil {
		hook(clientOrderID)
	}
	return nil
}

func (g *fakeGateway) OpenOrders(context.Context, string) ([]rest.OrderStatus, error) {
	return nil, nil
}

func (g *fakeGateway) marketOrders() []rest.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []rest.OrderRequest
	for _, req := range g.placed {
		if req.Type == rest.TypeMarket {
			out = append(out, req)
		}
	}
	return out
}

type fakeDepth struct {
	depth rest.Depth
}

func (f fakeDepth) Depth(context.Context, string, int) (rest.Depth, error) {
	return f.depth, nil
}

func testPair() config.PairConfig {
	return config.PairConfig{
		Symbol:             "ABCUSDT",
		BaseAsset:          "ABC",
		QuoteAsset:         "USDT",
		Quantity:           1,
		TargetVolume:       100,
		MaxSellQuantity:    5,
		MaxSpread:          0.002,
		MaxVolatility:      0.005,
		MinDepthMultiplier: 2,
		TickSize:           0.001,
		StepSize:           0.001,
		PriceWindow:        10,
	}
}

func testConditions() strategy.Conditions {
	return strategy.Conditions{
		Top:     market.TopOfBook{Bid: 0.999, Ask: 1.001, BidQty: 5, AskQty: 10},
		HasBook: true,
	}
}

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	book := rest.Depth{
		Bids: []rest.BookLevel{{Price: 0.999, Quantity: 5}},
		Asks: []rest.BookLevel{{Price: 1.001, Quantity: 10}},
	}
	tracker := market.New(fakeDepth{depth: book}, zap.NewNop())
	tracker.Track("ABCUSDT", 10)
	return New(tracker, nil, zap.NewNop(), Options{
		PollInterval:   time.Millisecond,
		OrderTimeout:   50 * time.Millisecond,
		EmergencyGrace: time.Millisecond,
	})
}

func testDirection(seller, buyer *fakeGateway) account.Direction {
	return account.Direction{
		Seller: account.New(seller, zap.NewNop()),
		Buyer:  account.New(buyer, zap.NewNop()),
	}
}

func TestMarketOnlyCompletes(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	buyer := newFakeGateway("account2", map[string]rest.Balance{"USDT": {Free: 100}})
	e := testExecutor(t)

	res, err := e.ExecuteCycle(context.Background(), testPair(), testDirection(seller, buyer), testConditions(), strategy.ModeMarketOnly)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !res.Success {
		t.Fatalf("expected successful cycle")
	}
	if res.Volume != 2 {
		t.Fatalf("expected volume 2, got %v", res.Volume)
	}
	if res.SoldQty != 1 || res.BoughtQty != 1 {
		t.Fatalf("expected 1 sold and 1 bought, got %v / %v", res.SoldQty, res.BoughtQty)
	}
	if len(seller.placed) != 1 || seller.placed[0].Side != rest.SideSell {
		t.Fatalf("expected one sell on the seller account, got %+v", seller.placed)
	}
	if len(buyer.placed) != 1 || buyer.placed[0].Side != rest.SideBuy {
		t.Fatalf("expected one buy on the buyer account, got %+v", buyer.placed)
	}
}

func TestMarketOnlyBuyRejectCancelsSell(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	buyer := newFakeGateway("account2", map[string]rest.Balance{"USDT": {Free: 100}})
	failing := &failingGateway{
		fakeGateway: buyer,
		err:         &rest.APIError{HTTPStatus: 400, Code: -2010, Message: "insufficient balance"},
	}
	e := testExecutor(t)
	res, err := e.ExecuteCycle(context.Background(), testPair(), account.Direction{
		Seller: account.New(seller, zap.NewNop()),
		Buyer:  account.New(failing, zap.NewNop()),
	}, testConditions(), strategy.ModeMarketOnly)
	if err == nil {
		t.Fatalf("expected error when buy leg is rejected")
	}
	if res.Success {
		t.Fatalf("expected failed cycle")
	}
	if !rest.IsInsufficientBalance(err) {
		t.Fatalf("expected insufficient balance error, got %v", err)
	}
	if len(seller.canceled) != 1 {
		t.Fatalf("expected sell leg canceled after buy rejection, canceled=%v", seller.canceled)
	}
}

type failingGateway struct {
	*fakeGateway
	err error
}

func (g *failingGateway) CreateOrder(context.Context, rest.OrderRequest) (rest.OrderStatus, error) {
	return rest.OrderStatus{}, g.err
}

func TestSellOnlyPartialFillRemediation(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	seller.onCreate = func(req rest.OrderRequest) (rest.OrderStatus, bool) {
		if req.Type != rest.TypeLimit {
			return rest.OrderStatus{}, false
		}
		return rest.OrderStatus{
			Symbol:      req.Symbol,
			Side:        req.Side,
			Type:        req.Type,
			State:       rest.StatePartiallyFilled,
			OrigQty:     req.Quantity,
			ExecutedQty: 0.4,
			Price:       req.Price,
		}, true
	}
	e := testExecutor(t)
	res, err := e.ExecuteCycle(context.Background(), testPair(), testDirection(seller, seller), testConditions(), strategy.ModeSellOnly)
	if err != nil {
		t.Fatalf("expected remediated success, got %v", err)
	}
	if !res.Success {
		t.Fatalf("expected successful cycle")
	}
	if res.Volume != 1 {
		t.Fatalf("sell-only should count single-sided volume, got %v", res.Volume)
	}
	if !res.SellViaMarket {
		t.Fatalf("expected remediation to flag a market sell")
	}
	markets := seller.marketOrders()
	if len(markets) != 1 {
		t.Fatalf("expected exactly one remediation market order, got %d", len(markets))
	}
	if got := markets[0].Quantity; got != 0.6 {
		t.Fatalf("expected remediation for the 0.6 remainder, got %v", got)
	}
	if res.SoldQty != 1 {
		t.Fatalf("expected full target sold across orders, got %v", res.SoldQty)
	}
	if len(seller.canceled) == 0 {
		t.Fatalf("expected the partial limit order to be canceled first")
	}
}

func TestLimitBothUntouchedFallsBackToMarket(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	buyer := newFakeGateway("account2", map[string]rest.Balance{"USDT": {Free: 100}})
	leaveResting := func(req rest.OrderRequest) (rest.OrderStatus, bool) {
		if req.Type != rest.TypeLimit {
			return rest.OrderStatus{}, false
		}
		return rest.OrderStatus{
			Symbol:  req.Symbol,
			Side:    req.Side,
			Type:    req.Type,
			State:   rest.StateNew,
			OrigQty: req.Quantity,
			Price:   req.Price,
		}, true
	}
	seller.onCreate = leaveResting
	buyer.onCreate = leaveResting

	e := testExecutor(t)
	res, err := e.ExecuteCycle(context.Background(), testPair(), testDirection(seller, buyer), testConditions(), strategy.ModeLimitBoth)
	if err != nil {
		t.Fatalf("expected market fallback to succeed, got %v", err)
	}
	if !res.Success {
		t.Fatalf("expected successful cycle after fallback")
	}
	if !res.MarketFallback {
		t.Fatalf("expected the market fallback flag")
	}
	if res.Mode != strategy.ModeLimitBoth {
		t.Fatalf("fallback must keep the original mode for statistics, got %s", res.Mode)
	}
	if len(seller.canceled) == 0 || len(buyer.canceled) == 0 {
		t.Fatalf("expected both resting limit orders canceled before fallback")
	}
	if len(seller.marketOrders()) != 1 || len(buyer.marketOrders()) != 1 {
		t.Fatalf("expected one market order per account in the fallback")
	}
}

func TestLimitMarketEmergencyConversion(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	buyer := newFakeGateway("account2", map[string]rest.Balance{"USDT": {Free: 100}})
	seller.onCreate = func(req rest.OrderRequest) (rest.OrderStatus, bool) {
		if req.Type != rest.TypeLimit {
			return rest.OrderStatus{}, false
		}
		return rest.OrderStatus{
			Symbol:  req.Symbol,
			Side:    req.Side,
			Type:    req.Type,
			State:   rest.StateNew,
			OrigQty: req.Quantity,
			Price:   req.Price,
		}, true
	}

	// ask depth dominates so the sell side rests as the limit leg
	e := testExecutor(t)
	res, err := e.ExecuteCycle(context.Background(), testPair(), testDirection(seller, buyer), testConditions(), strategy.ModeLimitMarket)
	if err != nil {
		t.Fatalf("expected emergency conversion to succeed, got %v", err)
	}
	if !res.Success {
		t.Fatalf("expected successful cycle")
	}
	if res.MarketFallback {
		t.Fatalf("emergency conversion is not a full fallback")
	}
	if !res.SellViaMarket {
		t.Fatalf("expected the converted sell to be flagged as market")
	}
	markets := seller.marketOrders()
	if len(markets) != 1 {
		t.Fatalf("expected one market conversion on the seller, got %d", len(markets))
	}
	if markets[0].Quantity != 1 {
		t.Fatalf("expected full quantity converted, got %v", markets[0].Quantity)
	}
}

func TestLimitBothRepricesWhenMarketMoves(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	buyer := newFakeGateway("account2", map[string]rest.Balance{"USDT": {Free: 100}})
	seller.onCreate = func(req rest.OrderRequest) (rest.OrderStatus, bool) {
		if req.Type != rest.TypeLimit {
			return rest.OrderStatus{}, false
		}
		st := rest.OrderStatus{
			Symbol:  req.Symbol,
			Side:    req.Side,
			Type:    req.Type,
			State:   rest.StateNew,
			OrigQty: req.Quantity,
			Price:   req.Price,
		}
		if strings.Contains(req.ClientOrderID, "repost-sell") {
			st.State = rest.StateFilled
			st.ExecutedQty = req.Quantity
		}
		return st, true
	}
	buyer.onCreate = func(req rest.OrderRequest) (rest.OrderStatus, bool) {
		return rest.OrderStatus{
			Symbol:      req.Symbol,
			Side:        req.Side,
			Type:        req.Type,
			State:       rest.StateFilled,
			OrigQty:     req.Quantity,
			ExecutedQty: req.Quantity,
			Price:       req.Price,
		}, true
	}

	// the live book has dropped well below the conditions the orders priced on
	moved := rest.Depth{
		Bids: []rest.BookLevel{{Price: 0.989, Quantity: 5}},
		Asks: []rest.BookLevel{{Price: 0.991, Quantity: 10}},
	}
	tracker := market.New(fakeDepth{depth: moved}, zap.NewNop())
	tracker.Track("ABCUSDT", 10)
	e := New(tracker, nil, zap.NewNop(), Options{
		PollInterval:   time.Millisecond,
		OrderTimeout:   200 * time.Millisecond,
		EmergencyGrace: time.Minute,
	})

	res, err := e.ExecuteCycle(context.Background(), testPair(), testDirection(seller, buyer), testConditions(), strategy.ModeLimitBoth)
	if err != nil {
		t.Fatalf("expected repriced cycle to succeed, got %v", err)
	}
	if !res.Success {
		t.Fatalf("expected successful cycle")
	}
	if res.SellViaMarket {
		t.Fatalf("repricing must keep the sell on the book, not convert it")
	}
	if got := seller.marketOrders(); len(got) != 0 {
		t.Fatalf("expected no market orders on the seller, got %+v", got)
	}
	if len(seller.placed) != 2 {
		t.Fatalf("expected the original limit plus one repost, got %d orders", len(seller.placed))
	}
	if len(seller.canceled) != 1 || seller.canceled[0] != seller.placed[0].ClientOrderID {
		t.Fatalf("expected the stale limit canceled before reposting, canceled=%v", seller.canceled)
	}
	repost := seller.placed[1]
	if repost.Type != rest.TypeLimit || !strings.Contains(repost.ClientOrderID, "repost-sell") {
		t.Fatalf("expected a reposted limit sell, got %+v", repost)
	}
	if repost.Price >= seller.placed[0].Price {
		t.Fatalf("repost must chase the market down, got %v after %v", repost.Price, seller.placed[0].Price)
	}
	if math.Abs(repost.Price-0.99) > 1e-9 {
		t.Fatalf("expected the repost one tick inside the new ask, got %v", repost.Price)
	}
}

type flakyQueryGateway struct {
	*fakeGateway
	remaining int
}

func (g *flakyQueryGateway) QueryOrder(ctx context.Context, symbol, clientOrderID string) (rest.OrderStatus, error) {
	if g.remaining > 0 {
		g.remaining--
		return rest.OrderStatus{}, &rest.APIError{HTTPStatus: 500, Code: -1000, Message: "internal error"}
	}
	return g.fakeGateway.QueryOrder(ctx, symbol, clientOrderID)
}

func TestSellOnlyToleratesPollErrors(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	seller.onCreate = func(req rest.OrderRequest) (rest.OrderStatus, bool) {
		if req.Type != rest.TypeLimit {
			return rest.OrderStatus{}, false
		}
		return rest.OrderStatus{
			Symbol:  req.Symbol,
			Side:    req.Side,
			Type:    req.Type,
			State:   rest.StateNew,
			OrigQty: req.Quantity,
			Price:   req.Price,
		}, true
	}
	flaky := &flakyQueryGateway{fakeGateway: seller, remaining: 3}
	acct := account.New(flaky, zap.NewNop())

	e := testExecutor(t)
	res, err := e.ExecuteCycle(context.Background(), testPair(), account.Direction{Seller: acct, Buyer: acct}, testConditions(), strategy.ModeSellOnly)
	if err != nil {
		t.Fatalf("transient poll errors must not fail the cycle, got %v", err)
	}
	if !res.Success {
		t.Fatalf("expected successful cycle")
	}
	if !res.SellViaMarket {
		t.Fatalf("expected the unfilled limit remediated to market at timeout")
	}
	if got := seller.marketOrders(); len(got) != 1 || got[0].Quantity != 1 {
		t.Fatalf("expected one full-quantity remediation order, got %+v", got)
	}
}

func TestInitializationBuyConfirmsFill(t *testing.T) {
	buyer := newFakeGateway("account2", map[string]rest.Balance{"USDT": {Free: 100}})
	e := testExecutor(t)
	if err := e.InitializationBuy(context.Background(), testPair(), account.New(buyer, zap.NewNop())); err != nil {
		t.Fatalf("expected initialization buy to succeed, got %v", err)
	}
	if len(buyer.placed) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(buyer.placed))
	}
	if buyer.placed[0].Type != rest.TypeMarket || buyer.placed[0].Side != rest.SideBuy {
		t.Fatalf("expected a market buy, got %+v", buyer.placed[0])
	}
}

func TestSellQuantityCappedAndSnapped(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 42.12345}})
	e := testExecutor(t)
	pair := testPair()
	qty, err := e.sellQuantity(context.Background(), pair, account.New(seller, zap.NewNop()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qty != pair.MaxSellQuantity {
		t.Fatalf("expected cap at %v, got %v", pair.MaxSellQuantity, qty)
	}

	empty := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 0}})
	if _, err := e.sellQuantity(context.Background(), pair, account.New(empty, zap.NewNop())); err == nil {
		t.Fatalf("expected error for empty balance")
	}
}

func TestClientOrderIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := newClientID("sell")
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate client order id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestExecuteCycleRejectsUnknownMode(t *testing.T) {
	seller := newFakeGateway("account1", map[string]rest.Balance{"ABC": {Free: 1}})
	e := testExecutor(t)
	_, err := e.ExecuteCycle(context.Background(), testPair(), testDirection(seller, seller), testConditions(), strategy.ModeAuto)
	if err == nil {
		t.Fatalf("expected error for non-executable mode")
	}
	if errors.Is(err, errDepthExhausted) {
		t.Fatalf("unexpected sentinel error: %v", err)
	}
}
