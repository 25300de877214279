package matching

import (
	"sort"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

// stopBook holds untriggered stop orders of one pair. Orders that fire on a
// rising price sit in rising, lowest stop first; those that fire on a falling
// price sit in falling, highest stop first. Ties go to the earlier admission.
type stopBook struct {
	rising  *btree.BTreeG[*types.Order]
	falling *btree.BTreeG[*types.Order]
}

func newStopBook() *stopBook {
	return &stopBook{
		rising: btree.NewG(16, func(a, b *types.Order) bool {
			if !a.StopPrice.Equal(*b.StopPrice) {
				return a.StopPrice.LessThan(*b.StopPrice)
			}
			return a.Sequence < b.Sequence
		}),
		falling: btree.NewG(16, func(a, b *types.Order) bool {
			if !a.StopPrice.Equal(*b.StopPrice) {
				return a.StopPrice.GreaterThan(*b.StopPrice)
			}
			return a.Sequence < b.Sequence
		}),
	}
}

// firesOnRise reports whether the order triggers when the last price climbs
// to its stop. Buy stop-losses and sell take-profits do; the rest trigger on
// a falling price.
func firesOnRise(o *types.Order) bool {
	switch o.OrderType {
	case types.StopLoss, types.StopLossLimit:
		return o.Side == types.Buy
	default:
		return o.Side == types.Sell
	}
}

// triggers reports whether a stop order's condition holds at price last
func triggers(o *types.Order, last decimal.Decimal) bool {
	if firesOnRise(o) {
		return last.GreaterThanOrEqual(*o.StopPrice)
	}
	return last.LessThanOrEqual(*o.StopPrice)
}

func (s *stopBook) tree(o *types.Order) *btree.BTreeG[*types.Order] {
	if firesOnRise(o) {
		return s.rising
	}
	return s.falling
}

func (s *stopBook) add(o *types.Order) {
	s.tree(o).ReplaceOrInsert(o)
}

func (s *stopBook) remove(o *types.Order) bool {
	_, ok := s.tree(o).Delete(o)
	return ok
}

func (s *stopBook) Len() int { return s.rising.Len() + s.falling.Len() }

// fire removes and returns every order whose condition holds at last, in
// admission order
func (s *stopBook) fire(last decimal.Decimal) []*types.Order {
	var fired []*types.Order
	collect := func(o *types.Order) bool {
		if !triggers(o, last) {
			return false
		}
		fired = append(fired, o)
		return true
	}
	s.rising.Ascend(collect)
	s.falling.Ascend(collect)

	for _, o := range fired {
		s.remove(o)
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].Sequence < fired[j].Sequence })
	return fired
}
