package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookLevel is one aggregated price level of an order book side
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int             `json:"count"`
}

// OrderBookSnapshot is consistent as of Sequence; deltas with a higher
// sequence apply on top of it
type OrderBookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Sequence  uint64      `json:"sequence"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

type MarketStats struct {
	Symbol             string           `json:"symbol"`
	LastPrice          decimal.Decimal  `json:"last_price"`
	High24h            decimal.Decimal  `json:"high_24h"`
	Low24h             decimal.Decimal  `json:"low_24h"`
	Volume24h          decimal.Decimal  `json:"volume_24h"`
	QuoteVolume24h     decimal.Decimal  `json:"quote_volume_24h"`
	PriceChange24h     decimal.Decimal  `json:"price_change_24h"`
	PriceChangePercent decimal.Decimal  `json:"price_change_percent_24h"`
	BidPrice           *decimal.Decimal `json:"bid_price,omitempty"`
	AskPrice           *decimal.Decimal `json:"ask_price,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Interval  string          `json:"interval"`
}

// Portfolio summarises a user's holdings priced in one valuation currency
type Portfolio struct {
	UserID            string             `json:"user_id"`
	ValuationCurrency string             `json:"valuation_currency"`
	TotalValue        decimal.Decimal    `json:"total_value"`
	Accounts          []PortfolioAccount `json:"accounts"`
	OpenOrders        int64              `json:"open_orders_count"`
	TotalTrades       int64              `json:"total_trades"`
	Performance24h    PerformanceMetrics `json:"performance_24h"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

type PortfolioAccount struct {
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Available  decimal.Decimal `json:"available_balance"`
	Locked     decimal.Decimal `json:"locked_balance"`
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
	// Priced is false when no traded pair links the currency to the
	// valuation currency; Value is then zero
	Priced bool `json:"priced"`
}

// PerformanceMetrics covers the user's trades of the last 24 hours, in the
// valuation currency. PnL is sell volume less buy volume and fees.
type PerformanceMetrics struct {
	BuyVolume     decimal.Decimal `json:"buy_volume_24h"`
	SellVolume    decimal.Decimal `json:"sell_volume_24h"`
	TotalVolume   decimal.Decimal `json:"total_volume_24h"`
	TotalFees     decimal.Decimal `json:"total_fees_24h"`
	PnL           decimal.Decimal `json:"pnl_24h"`
	PnLPercentage decimal.Decimal `json:"pnl_percentage_24h"`
}
