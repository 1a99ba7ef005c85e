package rest

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderState mirrors the exchange's order status vocabulary.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
)

func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired:
		return true
	}
	return false
}

func (s OrderState) Failed() bool {
	switch s {
	case StateCanceled, StateRejected, StateExpired:
		return true
	}
	return false
}

type BookLevel struct {
	Price    float64
	Quantity float64
}

type Depth struct {
	Bids      []BookLevel
	Asks      []BookLevel
	FetchedAt time.Time
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64
	ClientOrderID string
}

type OrderStatus struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	State         OrderState
	OrigQty       float64
	ExecutedQty   float64
	Price         float64
}

type Balance struct {
	Free   float64
	Locked float64
}

func (b Balance) Total() float64 { return b.Free + b.Locked }

type Trade struct {
	ID              int64
	OrderID         int64
	Symbol          string
	Price           float64
	Quantity        float64
	QuoteQuantity   float64
	Commission      float64
	CommissionAsset string
	Time            time.Time
	IsBuyer         bool
	IsMaker         bool
}

// SymbolFilters carries the price/quantity increments from exchangeInfo.
type SymbolFilters struct {
	TickSize float64
	StepSize float64
}
