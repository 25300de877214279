package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

type OrderType string

const (
	Market          OrderType = "market"
	Limit           OrderType = "limit"
	StopLoss        OrderType = "stop_loss"
	TakeProfit      OrderType = "take_profit"
	StopLossLimit   OrderType = "stop_loss_limit"
	TakeProfitLimit OrderType = "take_profit_limit"
)

func (t OrderType) Valid() bool {
	switch t {
	case Market, Limit, StopLoss, TakeProfit, StopLossLimit, TakeProfitLimit:
		return true
	}
	return false
}

// IsStop reports whether the order waits for a trigger before going live
func (t OrderType) IsStop() bool {
	switch t {
	case StopLoss, TakeProfit, StopLossLimit, TakeProfitLimit:
		return true
	}
	return false
}

// HasLimitPrice reports whether the order carries its own limit price
func (t OrderType) HasLimitPrice() bool {
	return t == Limit || t == StopLossLimit || t == TakeProfitLimit
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request may act on the order
func (s OrderStatus) Cancellable() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	GTD TimeInForce = "GTD"
)

func (t TimeInForce) Valid() bool {
	switch t {
	case GTC, IOC, FOK, GTD:
		return true
	}
	return false
}

// Currency describes how many decimal places amounts of a currency carry
type Currency struct {
	Code      string `json:"code" toml:"code"`
	Precision int32  `json:"precision" toml:"precision"`
}

type TradingPair struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"` // BASE/QUOTE
	BaseCurrency      string          `json:"base_currency"`
	QuoteCurrency     string          `json:"quote_currency"`
	Active            bool            `json:"is_active"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MaxOrderSize      decimal.Decimal `json:"max_order_size"`
	PricePrecision    int32           `json:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision"`
	MakerFee          decimal.Decimal `json:"maker_fee"`
	TakerFee          decimal.Decimal `json:"taker_fee"`
}

// MaxFeeRate is the larger of the maker and taker rates, used for fee headroom
func (p TradingPair) MaxFeeRate() decimal.Decimal {
	if p.MakerFee.GreaterThan(p.TakerFee) {
		return p.MakerFee
	}
	return p.TakerFee
}

type Order struct {
	OrderID     string           `json:"order_id"`
	UserID      string           `json:"user_id"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	OrderType   OrderType        `json:"order_type"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	Filled      decimal.Decimal  `json:"filled_quantity"`
	Remaining   decimal.Decimal  `json:"remaining_quantity"`
	Reserved    decimal.Decimal  `json:"reserved_amount"`
	Status      OrderStatus      `json:"status"`
	TimeInForce TimeInForce      `json:"time_in_force"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Sequence    uint64           `json:"sequence"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with the original
func (o *Order) Clone() *Order {
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		c.StopPrice = &p
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// OrderRequest is what a collaborator submits to the engine
type OrderRequest struct {
	UserID      string           `json:"-"`
	Symbol      string           `json:"symbol" binding:"required"`
	Side        Side             `json:"side" binding:"required"`
	OrderType   OrderType        `json:"order_type" binding:"required"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce      `json:"time_in_force,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

type Trade struct {
	TradeID      string          `json:"trade_id"`
	Symbol       string          `json:"symbol"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerUserID  string          `json:"maker_user_id"`
	TakerUserID  string          `json:"taker_user_id"`
	TakerSide    Side            `json:"taker_side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Account struct {
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available_balance"`
	Locked    decimal.Decimal `json:"locked_balance"`
	// Version increases with every change to the account
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TransferKind string

const (
	Deposit    TransferKind = "deposit"
	Withdrawal TransferKind = "withdrawal"
)

// Transfer is an externally confirmed balance adjustment keyed by its reference
type Transfer struct {
	Reference string          `json:"reference"`
	Kind      TransferKind    `json:"kind"`
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
