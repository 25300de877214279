package orderbook

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func restingOrder(id string, side types.Side, price, qty string) *types.Order {
	return &types.Order{
		OrderID:   id,
		Side:      side,
		OrderType: types.Limit,
		Price:     dp(price),
		Quantity:  d(qty),
		Remaining: d(qty),
		Filled:    decimal.Zero,
	}
}

func TestInsertAndBestPrices(t *testing.T) {
	book := NewOrderBook("BTC/USD")

	orders := []*types.Order{
		restingOrder("b1", types.Buy, "99", "1"),
		restingOrder("b2", types.Buy, "101", "2"),
		restingOrder("b3", types.Buy, "100", "3"),
		restingOrder("a1", types.Sell, "105", "1"),
		restingOrder("a2", types.Sell, "103", "1"),
	}
	for _, o := range orders {
		if err := book.Insert(o); err != nil {
			t.Fatalf("insert %s: %v", o.OrderID, err)
		}
	}

	bid, ok := book.BestBid()
	if !ok || !bid.Equal(d("101")) {
		t.Errorf("best bid = %s, want 101", bid)
	}
	ask, ok := book.BestAsk()
	if !ok || !ask.Equal(d("103")) {
		t.Errorf("best ask = %s, want 103", ask)
	}
	if book.Len() != 5 {
		t.Errorf("len = %d, want 5", book.Len())
	}
}

func TestTimePriorityWithinLevel(t *testing.T) {
	book := NewOrderBook("BTC/USD")
	for i := 1; i <= 3; i++ {
		if err := book.Insert(restingOrder(fmt.Sprintf("s%d", i), types.Sell, "50", "1")); err != nil {
			t.Fatal(err)
		}
	}

	for i := 1; i <= 3; i++ {
		head := book.Best(types.Sell)
		want := fmt.Sprintf("s%d", i)
		if head == nil || head.OrderID != want {
			t.Fatalf("head = %v, want %s", head, want)
		}
		if _, removed, err := book.Fill(head.OrderID, d("1")); err != nil || !removed {
			t.Fatalf("fill %s: removed=%v err=%v", want, removed, err)
		}
	}
	if book.Best(types.Sell) != nil {
		t.Error("book should be empty")
	}
}

func TestDepthAggregatesLevels(t *testing.T) {
	book := NewOrderBook("BTC/USD")
	_ = book.Insert(restingOrder("b1", types.Buy, "100", "5"))
	_ = book.Insert(restingOrder("b2", types.Buy, "100", "2.5"))
	_ = book.Insert(restingOrder("b3", types.Buy, "98", "1"))
	_ = book.Insert(restingOrder("a1", types.Sell, "102", "4"))

	bids, asks := book.Depth(10)
	if len(bids) != 2 || len(asks) != 1 {
		t.Fatalf("got %d bids %d asks", len(bids), len(asks))
	}
	if !bids[0].Price.Equal(d("100")) || !bids[0].Quantity.Equal(d("7.5")) || bids[0].Count != 2 {
		t.Errorf("top bid level = %+v", bids[0])
	}
	if !bids[1].Price.Equal(d("98")) {
		t.Errorf("second bid level = %+v", bids[1])
	}

	bids, _ = book.Depth(1)
	if len(bids) != 1 {
		t.Errorf("depth(1) returned %d bid levels", len(bids))
	}
}

func TestPartialFillKeepsOrderResting(t *testing.T) {
	book := NewOrderBook("BTC/USD")
	_ = book.Insert(restingOrder("a1", types.Sell, "50000", "1.0"))

	o, removed, err := book.Fill("a1", d("0.4"))
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("partially filled order should keep resting")
	}
	if !o.Remaining.Equal(d("0.6")) || !o.Filled.Equal(d("0.4")) {
		t.Errorf("remaining=%s filled=%s", o.Remaining, o.Filled)
	}
	lvl := book.Level(types.Sell, d("50000"))
	if !lvl.Quantity.Equal(d("0.6")) || lvl.Count != 1 {
		t.Errorf("level = %+v", lvl)
	}

	if _, _, err := book.Fill("a1", d("1")); err == nil {
		t.Error("overfill should fail")
	}
}

func TestRemoveDropsEmptyLevel(t *testing.T) {
	book := NewOrderBook("BTC/USD")
	_ = book.Insert(restingOrder("b1", types.Buy, "100", "1"))
	_ = book.Insert(restingOrder("b2", types.Buy, "99", "1"))

	if _, ok := book.Remove("b1"); !ok {
		t.Fatal("remove failed")
	}
	if _, ok := book.Remove("b1"); ok {
		t.Fatal("second remove should report missing")
	}
	bid, _ := book.BestBid()
	if !bid.Equal(d("99")) {
		t.Errorf("best bid = %s, want 99", bid)
	}
	if lvl := book.Level(types.Buy, d("100")); !lvl.Quantity.IsZero() || lvl.Count != 0 {
		t.Errorf("removed level still reported: %+v", lvl)
	}
}

func TestLiquidityRespectsLimit(t *testing.T) {
	book := NewOrderBook("BTC/USD")
	_ = book.Insert(restingOrder("b1", types.Buy, "100", "3"))
	_ = book.Insert(restingOrder("b2", types.Buy, "99", "3"))
	_ = book.Insert(restingOrder("b3", types.Buy, "90", "10"))

	tests := []struct {
		name  string
		limit *decimal.Decimal
		want  string
		total string
	}{
		{"limit above all bids", dp("101"), "10", "0"},
		{"limit at second level", dp("99"), "10", "6"},
		{"market order", nil, "10", "16"},
		{"stops once covered", nil, "2", "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := book.Liquidity(types.Sell, tt.limit, d(tt.want))
			if !got.Equal(d(tt.total)) {
				t.Errorf("liquidity = %s, want %s", got, tt.total)
			}
		})
	}
}

func TestCostToFill(t *testing.T) {
	book := NewOrderBook("BTC/USD")
	_ = book.Insert(restingOrder("a1", types.Sell, "100", "1"))
	_ = book.Insert(restingOrder("a2", types.Sell, "110", "2"))

	qty, notional := book.CostToFill(types.Buy, nil, d("2"))
	if !qty.Equal(d("2")) || !notional.Equal(d("210")) {
		t.Errorf("qty=%s notional=%s, want 2 and 210", qty, notional)
	}

	qty, notional = book.CostToFill(types.Buy, nil, d("5"))
	if !qty.Equal(d("3")) || !notional.Equal(d("320")) {
		t.Errorf("qty=%s notional=%s, want 3 and 320", qty, notional)
	}

	qty, _ = book.CostToFill(types.Buy, dp("105"), d("5"))
	if !qty.Equal(d("1")) {
		t.Errorf("capped qty=%s, want 1", qty)
	}
}

func TestInsertRejectsDuplicatesAndUnpriced(t *testing.T) {
	book := NewOrderBook("BTC/USD")
	o := restingOrder("x", types.Buy, "1", "1")
	if err := book.Insert(o); err != nil {
		t.Fatal(err)
	}
	if err := book.Insert(o); err == nil {
		t.Error("duplicate insert should fail")
	}
	unpriced := restingOrder("y", types.Buy, "1", "1")
	unpriced.Price = nil
	if err := book.Insert(unpriced); err == nil {
		t.Error("insert without price should fail")
	}
}
