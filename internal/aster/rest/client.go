package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Marsha313/at-trader/internal/config"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Credentials struct {
	APIKey    string
	SecretKey string
	Name      string
}

// Client is a signed REST client for the Aster DEX spot API. All calls are
// synchronous with the configured per-call timeout; rate-limit responses wait
// out a fixed cooldown before the next attempt.
type Client struct {
	baseURL      string
	apiKey       string
	secret       []byte
	name         string
	http         *http.Client
	log          *zap.Logger
	recvWindow   int64
	maxRetries   uint64
	retryWait    time.Duration
	rateCooldown time.Duration
	now          func() time.Time

	mu      sync.Mutex
	filters map[string]SymbolFilters
}

func New(cfg config.RESTConfig, creds Credentials, log *zap.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       creds.APIKey,
		secret:       []byte(creds.SecretKey),
		name:         creds.Name,
		http:         &http.Client{Timeout: cfg.Timeout},
		log:          log,
		recvWindow:   cfg.RecvWindowMS,
		maxRetries:   uint64(cfg.MaxRetries),
		retryWait:    cfg.RetryWait,
		rateCooldown: cfg.RateLimitCooldown,
		now:          time.Now,
		filters:      make(map[string]SymbolFilters),
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var raw struct {
		Bids [][]json.Number `json:"bids"`
		Asks [][]json.Number `json:"asks"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/depth", params, false, &raw); err != nil {
		return Depth{}, err
	}
	return Depth{
		Bids:      parseLevels(raw.Bids),
		Asks:      parseLevels(raw.Asks),
		FetchedAt: c.now(),
	}, nil
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (OrderStatus, error) {
	filters := c.symbolFilters(req.Symbol)
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", FormatAmount(SnapQuantity(req.Quantity, filters.StepSize), filters.StepSize))
	if req.Type == TypeLimit {
		params.Set("price", FormatAmount(SnapPrice(req.Price, filters.TickSize), filters.TickSize))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	var raw rawOrder
	if err := c.call(ctx, http.MethodPost, "/api/v1/order", params, true, &raw); err != nil {
		return OrderStatus{}, err
	}
	return raw.toStatus(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	var raw rawOrder
	return c.call(ctx, http.MethodDelete, "/api/v1/order", params, true, &raw)
}

func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	var raw rawOrder
	if err := c.call(ctx, http.MethodGet, "/api/v1/order", params, true, &raw); err != nil {
		return OrderStatus{}, err
	}
	return raw.toStatus(), nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var raw []rawOrder
	if err := c.call(ctx, http.MethodGet, "/api/v1/openOrders", params, true, &raw); err != nil {
		return nil, err
	}
	orders := make([]OrderStatus, 0, len(raw))
	for _, r := range raw {
		orders = append(orders, r.toStatus())
	}
	return orders, nil
}

func (c *Client) Account(ctx context.Context) (map[string]Balance, error) {
	var raw struct {
		Balances []struct {
			Asset  string      `json:"asset"`
			Free   json.Number `json:"free"`
			Locked json.Number `json:"locked"`
		} `json:"balances"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/account", url.Values{}, true, &raw); err != nil {
		return nil, err
	}
	balances := make(map[string]Balance, len(raw.Balances))
	for _, b := range raw.Balances {
		balances[b.Asset] = Balance{Free: numToFloat(b.Free), Locked: numToFloat(b.Locked)}
	}
	return balances, nil
}

func (c *Client) UserTrades(ctx context.Context, symbol string, fromID int64, limit int) ([]Trade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	if fromID > 0 {
		params.Set("fromId", strconv.FormatInt(fromID, 10))
	}
	var raw []struct {
		ID              int64       `json:"id"`
		OrderID         int64       `json:"orderId"`
		Symbol          string      `json:"symbol"`
		Price           json.Number `json:"price"`
		Qty             json.Number `json:"qty"`
		QuoteQty        json.Number `json:"quoteQty"`
		Commission      json.Number `json:"commission"`
		CommissionAsset string      `json:"commissionAsset"`
		Time            int64       `json:"time"`
		IsBuyer         bool        `json:"isBuyer"`
		IsMaker         bool        `json:"isMaker"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/userTrades", params, true, &raw); err != nil {
		return nil, err
	}
	trades := make([]Trade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, Trade{
			ID:              t.ID,
			OrderID:         t.OrderID,
			Symbol:          t.Symbol,
			Price:           numToFloat(t.Price),
			Quantity:        numToFloat(t.Qty),
			QuoteQuantity:   numToFloat(t.QuoteQty),
			Commission:      numToFloat(t.Commission),
			CommissionAsset: t.CommissionAsset,
			Time:            time.UnixMilli(t.Time),
			IsBuyer:         t.IsBuyer,
			IsMaker:         t.IsMaker,
		})
	}
	return trades, nil
}

// PreloadFilters caches a symbol's tick/step increments from exchangeInfo.
// Failures fall back to the configured default so trading can still start.
func (c *Client) PreloadFilters(ctx context.Context, symbol string, fallback SymbolFilters) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string      `json:"filterType"`
				TickSize   json.Number `json:"tickSize"`
				StepSize   json.Number `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/exchangeInfo", params, false, &raw)
	filters := fallback
	if err == nil && len(raw.Symbols) > 0 {
		for _, f := range raw.Symbols[0].Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if v := numToFloat(f.TickSize); v > 0 {
					filters.TickSize = v
				}
			case "LOT_SIZE":
				if v := numToFloat(f.StepSize); v > 0 {
					filters.StepSize = v
				}
			}
		}
	}
	c.mu.Lock()
	c.filters[symbol] = filters
	c.mu.Unlock()
	return err
}

// Filters returns the cached increments for symbol so callers can keep
// their own price and quantity math on the grid orders are formatted with.
func (c *Client) Filters(symbol string) SymbolFilters {
	return c.symbolFilters(symbol)
}

func (c *Client) symbolFilters(symbol string) SymbolFilters {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.filters[symbol]; ok {
		return f
	}
	return SymbolFilters{TickSize: 0.00001, StepSize: 0.00001}
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	op := func() error {
		err := c.doOnce(ctx, method, path, params, signed, out)
		if err == nil {
			return nil
		}
		if apiErr, ok := AsAPIError(err); ok {
			if apiErr.RateLimited() {
				c.log.Warn("rate limited, cooling down",
					zap.String("account", c.name), zap.String("path", path), zap.Duration("cooldown", c.rateCooldown))
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(c.rateCooldown):
				}
				return err
			}
			if !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryWait), c.maxRetries), ctx)
	return backoff.Retry(op, bo)
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	encoded := params.Encode()
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
		encoded = params.Encode()
		encoded += "&signature=" + c.sign(encoded)
	}
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Code != 0 {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unexpected response shape for %s: %w", path, err)
	}
	return nil
}

// sign produces the hex HMAC-SHA256 of the canonical query string. The
// signature must cover exactly the encoded form that goes on the wire.
func (c *Client) sign(encoded string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

type rawOrder struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	OrigQty       json.Number `json:"origQty"`
	ExecutedQty   json.Number `json:"executedQty"`
	Price         json.Number `json:"price"`
}

func (r rawOrder) toStatus() OrderStatus {
	return OrderStatus{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          Side(r.Side),
		Type:          OrderType(r.Type),
		State:         OrderState(r.Status),
		OrigQty:       numToFloat(r.OrigQty),
		ExecutedQty:   numToFloat(r.ExecutedQty),
		Price:         numToFloat(r.Price),
	}
}

func parseLevels(raw [][]json.Number) []BookLevel {
	levels := make([]BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		levels = append(levels, BookLevel{Price: numToFloat(l[0]), Quantity: numToFloat(l[1])})
	}
	return levels
}

func numToFloat(n json.Number) float64 {
	v, err := n.Float64()
	if err != nil {
		return 0
	}
	return v
}
