// Package orderbook keeps the resting orders of one trading pair in
// price-time priority. It is not safe for concurrent use; the matching
// engine owns each book from a single goroutine.
package orderbook

import (
	"container/list"
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

const treeDegree = 32

type entry struct {
	side  types.Side
	level *PriceLevel
	el    *list.Element
}

type OrderBook struct {
	Symbol string
	bids   *btree.BTreeG[*PriceLevel]
	asks   *btree.BTreeG[*PriceLevel]
	index  map[string]*entry
}

// NewOrderBook creates an empty book. Both trees are ordered best price
// first, so Min is always the top of book.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids: btree.NewG(treeDegree, func(a, b *PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewG(treeDegree, func(a, b *PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
		index: make(map[string]*entry),
	}
}

func (b *OrderBook) tree(side types.Side) *btree.BTreeG[*PriceLevel] {
	if side == types.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests an order at the back of its price level
func (b *OrderBook) Insert(o *types.Order) error {
	if o.Price == nil {
		return fmt.Errorf("order %s has no price", o.OrderID)
	}
	if _, exists := b.index[o.OrderID]; exists {
		return fmt.Errorf("order %s already resting", o.OrderID)
	}
	if !o.Remaining.IsPositive() {
		return fmt.Errorf("order %s has nothing remaining", o.OrderID)
	}

	tree := b.tree(o.Side)
	level, ok := tree.Get(&PriceLevel{Price: *o.Price})
	if !ok {
		level = newPriceLevel(*o.Price)
		tree.ReplaceOrInsert(level)
	}
	b.index[o.OrderID] = &entry{side: o.Side, level: level, el: level.enqueue(o)}
	return nil
}

// Remove takes an order off the book, dropping its level when it empties
func (b *OrderBook) Remove(orderID string) (*types.Order, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	o := e.el.Value.(*types.Order)
	e.level.unlink(e.el)
	delete(b.index, orderID)
	if e.level.empty() {
		b.tree(e.side).Delete(e.level)
	}
	return o, true
}

// Fill consumes qty from a resting order. The order leaves the book once
// nothing remains.
func (b *OrderBook) Fill(orderID string, qty decimal.Decimal) (*types.Order, bool, error) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, false, fmt.Errorf("order %s not resting", orderID)
	}
	o := e.el.Value.(*types.Order)
	if qty.GreaterThan(o.Remaining) || !qty.IsPositive() {
		return nil, false, fmt.Errorf("fill of %s exceeds remaining %s on %s", qty, o.Remaining, orderID)
	}

	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Remaining.Sub(qty)
	e.level.Total = e.level.Total.Sub(qty)

	if o.Remaining.IsZero() {
		b.Remove(orderID)
		return o, true, nil
	}
	return o, false, nil
}

func (b *OrderBook) Get(orderID string) (*types.Order, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	return e.el.Value.(*types.Order), true
}

func (b *OrderBook) Contains(orderID string) bool {
	_, ok := b.index[orderID]
	return ok
}

func (b *OrderBook) Len() int { return len(b.index) }

// BestLevel returns the top level of a side
func (b *OrderBook) BestLevel(side types.Side) (*PriceLevel, bool) {
	return b.tree(side).Min()
}

// Best returns the oldest order at the best price of a side
func (b *OrderBook) Best(side types.Side) *types.Order {
	level, ok := b.BestLevel(side)
	if !ok {
		return nil
	}
	return level.Head()
}

func (b *OrderBook) BestBid() (decimal.Decimal, bool) { return b.bestPrice(types.Buy) }
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) { return b.bestPrice(types.Sell) }

func (b *OrderBook) bestPrice(side types.Side) (decimal.Decimal, bool) {
	level, ok := b.BestLevel(side)
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// Level reports the aggregate at one price; a missing level has zero quantity
func (b *OrderBook) Level(side types.Side, price decimal.Decimal) types.BookLevel {
	level, ok := b.tree(side).Get(&PriceLevel{Price: price})
	if !ok {
		return types.BookLevel{Price: price, Quantity: decimal.Zero}
	}
	return level.aggregate()
}

// Depth returns up to n aggregated levels per side, best to worst.
// n <= 0 returns every level.
func (b *OrderBook) Depth(n int) (bids, asks []types.BookLevel) {
	return b.levels(types.Buy, n), b.levels(types.Sell, n)
}

func (b *OrderBook) levels(side types.Side, n int) []types.BookLevel {
	out := make([]types.BookLevel, 0)
	b.tree(side).Ascend(func(level *PriceLevel) bool {
		out = append(out, level.aggregate())
		return n <= 0 || len(out) < n
	})
	return out
}

// Crosses reports whether a taker on takerSide with the given limit may
// trade against a resting price. A nil limit accepts any price.
func Crosses(takerSide types.Side, limit *decimal.Decimal, resting decimal.Decimal) bool {
	if limit == nil {
		return true
	}
	if takerSide == types.Buy {
		return resting.LessThanOrEqual(*limit)
	}
	return resting.GreaterThanOrEqual(*limit)
}

// Liquidity sums the quantity a taker could reach on the opposite side at
// acceptable prices, stopping early once want is covered.
func (b *OrderBook) Liquidity(takerSide types.Side, limit *decimal.Decimal, want decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	b.tree(takerSide.Opposite()).Ascend(func(level *PriceLevel) bool {
		if !Crosses(takerSide, limit, level.Price) {
			return false
		}
		total = total.Add(level.Total)
		return total.LessThan(want)
	})
	return total
}

// CostToFill walks the opposite side the way matching would and returns the
// fillable quantity and its notional.
func (b *OrderBook) CostToFill(takerSide types.Side, limit *decimal.Decimal, want decimal.Decimal) (qty, notional decimal.Decimal) {
	qty, notional = decimal.Zero, decimal.Zero
	b.tree(takerSide.Opposite()).Ascend(func(level *PriceLevel) bool {
		if !Crosses(takerSide, limit, level.Price) {
			return false
		}
		take := decimal.Min(level.Total, want.Sub(qty))
		qty = qty.Add(take)
		notional = notional.Add(take.Mul(level.Price))
		return qty.LessThan(want)
	})
	return qty, notional
}
