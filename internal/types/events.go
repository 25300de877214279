package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	KindTrade              EventKind = "trade"
	KindBookDelta          EventKind = "book_delta"
	KindOrderStatusChanged EventKind = "order_status"
	KindBalanceChanged     EventKind = "balance"
	KindHeartbeat          EventKind = "heartbeat"
)

// Event is the closed set of things the core tells its observers about.
// Only the variants declared in this file implement it.
type Event interface {
	Kind() EventKind
	event()
}

// EventHandler receives events synchronously from the goroutine that produced
// them. Implementations must not block.
type EventHandler interface {
	HandleEvent(evt Event)
}

type TradeEvent struct {
	Trade Trade `json:"trade"`
}

// BookDelta carries the absolute state of one level after a change; a zero
// quantity means the level is gone. Sequence increases by one per delta per pair.
type BookDelta struct {
	Symbol   string          `json:"symbol"`
	Sequence uint64          `json:"sequence"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int             `json:"count"`
}

type OrderStatusChanged struct {
	Order    Order       `json:"order"`
	Previous OrderStatus `json:"previous_status"`
}

type BalanceChanged struct {
	Account Account `json:"account"`
}

type Heartbeat struct {
	Time time.Time `json:"time"`
}

func (TradeEvent) Kind() EventKind         { return KindTrade }
func (BookDelta) Kind() EventKind          { return KindBookDelta }
func (OrderStatusChanged) Kind() EventKind { return KindOrderStatusChanged }
func (BalanceChanged) Kind() EventKind     { return KindBalanceChanged }
func (Heartbeat) Kind() EventKind          { return KindHeartbeat }

func (TradeEvent) event()         {}
func (BookDelta) event()          {}
func (OrderStatusChanged) event() {}
func (BalanceChanged) event()     {}
func (Heartbeat) event()          {}
