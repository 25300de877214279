package orderbook

import (
	"container/list"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

// PriceLevel holds the resting orders at one price in admission order
type PriceLevel struct {
	Price  decimal.Decimal
	Total  decimal.Decimal
	orders *list.List
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{
		Price:  price,
		Total:  decimal.Zero,
		orders: list.New(),
	}
}

func (l *PriceLevel) enqueue(o *types.Order) *list.Element {
	l.Total = l.Total.Add(o.Remaining)
	return l.orders.PushBack(o)
}

func (l *PriceLevel) unlink(el *list.Element) {
	o := el.Value.(*types.Order)
	l.Total = l.Total.Sub(o.Remaining)
	l.orders.Remove(el)
}

// Head is the oldest order at this price
func (l *PriceLevel) Head() *types.Order {
	if front := l.orders.Front(); front != nil {
		return front.Value.(*types.Order)
	}
	return nil
}

func (l *PriceLevel) Count() int { return l.orders.Len() }

func (l *PriceLevel) empty() bool { return l.orders.Len() == 0 }

// Orders returns the resting orders oldest first
func (l *PriceLevel) Orders() []*types.Order {
	out := make([]*types.Order, 0, l.orders.Len())
	for el := l.orders.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*types.Order))
	}
	return out
}

func (l *PriceLevel) aggregate() types.BookLevel {
	return types.BookLevel{Price: l.Price, Quantity: l.Total, Count: l.orders.Len()}
}
