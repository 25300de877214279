package trading

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-exchange/internal/types"
)

// OrderRecord is the persisted latest state of an order
type OrderRecord struct {
	gorm.Model  `json:"-"`
	OrderID     string              `gorm:"uniqueIndex" json:"order_id"`
	UserID      string              `gorm:"index:idx_orders_user" json:"user_id"`
	Symbol      string              `gorm:"index:idx_orders_user" json:"symbol"`
	Side        string              `json:"side"`
	OrderType   string              `json:"order_type"`
	Quantity    decimal.Decimal     `gorm:"type:text" json:"quantity"`
	Price       decimal.NullDecimal `gorm:"type:text" json:"price"`
	StopPrice   decimal.NullDecimal `gorm:"type:text" json:"stop_price"`
	Filled      decimal.Decimal     `gorm:"type:text" json:"filled_quantity"`
	Remaining   decimal.Decimal     `gorm:"type:text" json:"remaining_quantity"`
	Status      string              `gorm:"index" json:"status"`
	TimeInForce string              `json:"time_in_force"`
	ExpiresAt   *time.Time          `json:"expires_at"`
	Sequence    uint64              `json:"sequence"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// TradeRecord is one persisted match
type TradeRecord struct {
	gorm.Model   `json:"-"`
	TradeID      string          `gorm:"uniqueIndex" json:"trade_id"`
	Symbol       string          `gorm:"index" json:"symbol"`
	MakerOrderID string          `gorm:"index" json:"maker_order_id"`
	TakerOrderID string          `gorm:"index" json:"taker_order_id"`
	MakerUserID  string          `gorm:"index" json:"maker_user_id"`
	TakerUserID  string          `gorm:"index" json:"taker_user_id"`
	TakerSide    string          `json:"taker_side"`
	Price        decimal.Decimal `gorm:"type:text" json:"price"`
	Quantity     decimal.Decimal `gorm:"type:text" json:"quantity"`
	MakerFee     decimal.Decimal `gorm:"type:text" json:"maker_fee"`
	TakerFee     decimal.Decimal `gorm:"type:text" json:"taker_fee"`
	CreatedAt    time.Time       `json:"created_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"` // user id and client key
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// OrderFilter narrows an order listing; empty fields match everything
type OrderFilter struct {
	Symbol string
	Status string
	Limit  int
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func orderRecord(o types.Order) *OrderRecord {
	return &OrderRecord{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		OrderType:   string(o.OrderType),
		Quantity:    o.Quantity,
		Price:       nullDecimal(o.Price),
		StopPrice:   nullDecimal(o.StopPrice),
		Filled:      o.Filled,
		Remaining:   o.Remaining,
		Status:      string(o.Status),
		TimeInForce: string(o.TimeInForce),
		ExpiresAt:   o.ExpiresAt,
		Sequence:    o.Sequence,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

// Order converts the record back to the engine's order shape. The
// reservation is not persisted and reads as zero.
func (r *OrderRecord) Order() *types.Order {
	return &types.Order{
		OrderID:     r.OrderID,
		UserID:      r.UserID,
		Symbol:      r.Symbol,
		Side:        types.Side(r.Side),
		OrderType:   types.OrderType(r.OrderType),
		Quantity:    r.Quantity,
		Price:       decimalPtr(r.Price),
		StopPrice:   decimalPtr(r.StopPrice),
		Filled:      r.Filled,
		Remaining:   r.Remaining,
		Status:      types.OrderStatus(r.Status),
		TimeInForce: types.TimeInForce(r.TimeInForce),
		ExpiresAt:   r.ExpiresAt,
		Sequence:    r.Sequence,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func tradeRecord(t types.Trade) *TradeRecord {
	return &TradeRecord{
		TradeID:      t.TradeID,
		Symbol:       t.Symbol,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		MakerUserID:  t.MakerUserID,
		TakerUserID:  t.TakerUserID,
		TakerSide:    string(t.TakerSide),
		Price:        t.Price,
		Quantity:     t.Quantity,
		MakerFee:     t.MakerFee,
		TakerFee:     t.TakerFee,
		CreatedAt:    t.CreatedAt,
	}
}

func (r *TradeRecord) Trade() types.Trade {
	return types.Trade{
		TradeID:      r.TradeID,
		Symbol:       r.Symbol,
		MakerOrderID: r.MakerOrderID,
		TakerOrderID: r.TakerOrderID,
		MakerUserID:  r.MakerUserID,
		TakerUserID:  r.TakerUserID,
		TakerSide:    types.Side(r.TakerSide),
		Price:        r.Price,
		Quantity:     r.Quantity,
		MakerFee:     r.MakerFee,
		TakerFee:     r.TakerFee,
		CreatedAt:    r.CreatedAt,
	}
}
