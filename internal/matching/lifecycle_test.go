package matching

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/types"
)

func TestTerminalOrdersAreForgottenPastRetention(t *testing.T) {
	f := newFixtureWith(t, func(cfg *Config, _ *ledger.Ledger) Ledger {
		cfg.TerminalRetention = 2
		return nil
	})
	f.fund(t, "u", "BTC", "3")
	f.fund(t, "r", "USD", "1000")
	resting := f.limit(t, "r", types.Buy, "10", "1")

	var ids []string
	for i := 0; i < 3; i++ {
		// each sell takes 0.1 from the resting bid and finishes filled
		o := f.submit(t, types.OrderRequest{UserID: "u", Side: types.Sell, OrderType: types.Market, Quantity: d("0.1")})
		if !o.Status.Terminal() {
			t.Fatalf("market sell %d status = %s", i, o.Status)
		}
		ids = append(ids, o.OrderID)
	}

	ctx := context.Background()
	if _, err := f.engine.GetOrder(ctx, ids[0]); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("oldest terminal order err = %v, want ErrNotFound", err)
	}
	if _, err := f.engine.Cancel(ctx, "u", ids[0]); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("cancel evicted order err = %v, want ErrNotFound", err)
	}
	for _, id := range ids[1:] {
		if _, err := f.engine.GetOrder(ctx, id); err != nil {
			t.Errorf("GetOrder(%s) = %v, want retained", id, err)
		}
	}
	if got := f.order(t, resting.OrderID); got.Status != types.StatusPartiallyFilled {
		t.Errorf("resting order status = %s, want partially_filled", got.Status)
	}

	f.engine.indexMu.RLock()
	indexed := len(f.engine.index)
	f.engine.indexMu.RUnlock()
	if indexed != 3 {
		t.Errorf("index holds %d orders, want 3 (one live, two retained)", indexed)
	}
}

// panicLedger panics in Settle while armed
type panicLedger struct {
	*ledger.Ledger
	armed atomic.Bool
}

func (p *panicLedger) Settle(s ledger.Settlement) error {
	if p.armed.Load() {
		panic("settlement store corrupted")
	}
	return p.Ledger.Settle(s)
}

func TestPanicDuringMatchReleasesReservation(t *testing.T) {
	var pl *panicLedger
	f := newFixtureWith(t, func(_ *Config, l *ledger.Ledger) Ledger {
		pl = &panicLedger{Ledger: l}
		return pl
	})
	f.fund(t, "seller", "BTC", "1")
	f.fund(t, "buyer", "USD", "1000")
	f.limit(t, "seller", types.Sell, "100", "1")

	pl.armed.Store(true)
	_, err := f.engine.Submit(context.Background(), types.OrderRequest{
		UserID: "buyer", Symbol: symbol, Side: types.Buy, OrderType: types.Limit,
		Price: dp("100"), Quantity: d("1"),
	})
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("submit err = %v, want ErrInvariantViolation", err)
	}
	pl.armed.Store(false)

	history := f.events.statuses("buyer")
	if len(history) != 1 {
		t.Fatalf("buyer orders = %d, want 1", len(history))
	}
	for id, seen := range history {
		if last := seen[len(seen)-1]; last != types.StatusRejected {
			t.Errorf("taker history = %v, want it to end rejected", seen)
		}
		if got := f.order(t, id); got.Status != types.StatusRejected || !got.Reserved.IsZero() {
			t.Errorf("taker after panic = %s reserved %s", got.Status, got.Reserved)
		}
	}
	f.assertBalance(t, "buyer", "USD", "1000", "0")
	f.assertBalance(t, "seller", "BTC", "0", "1")
	if snap := f.book(t); len(snap.Asks) != 1 || len(snap.Bids) != 0 {
		t.Errorf("book after panic = %+v / %+v", snap.Bids, snap.Asks)
	}

	// the pair keeps serving
	again := f.limit(t, "buyer", types.Buy, "100", "1")
	if again.Status != types.StatusFilled {
		t.Errorf("follow-up order status = %s, want filled", again.Status)
	}
	f.assertBalance(t, "seller", "BTC", "0", "0")
}

type handlerFunc func(types.Event)

func (h handlerFunc) HandleEvent(evt types.Event) { h(evt) }

func TestPanicDuringCascadeRestoresPendingStops(t *testing.T) {
	var pl *panicLedger
	f := newFixtureWith(t, func(_ *Config, l *ledger.Ledger) Ledger {
		pl = &panicLedger{Ledger: l}
		return pl
	})
	f.fund(t, "s", "BTC", "3")
	f.fund(t, "b", "USD", "1000")
	f.fund(t, "t1", "BTC", "1")
	f.fund(t, "t2", "BTC", "1")

	f.limit(t, "b", types.Buy, "100", "1")
	f.limit(t, "b", types.Buy, "96", "1")
	first := f.submit(t, types.OrderRequest{UserID: "t1", Side: types.Sell, OrderType: types.StopLoss, StopPrice: dp("100"), Quantity: d("1")})
	second := f.submit(t, types.OrderRequest{UserID: "t2", Side: types.Sell, OrderType: types.StopLoss, StopPrice: dp("100"), Quantity: d("1")})

	// the trade at 100 succeeds; the first stop then panics in settlement
	var settled atomic.Int32
	pl.armed.Store(false)
	f.engine.handlers = append(f.engine.handlers, handlerFunc(func(evt types.Event) {
		if _, ok := evt.(types.TradeEvent); ok && settled.Add(1) == 1 {
			pl.armed.Store(true)
		}
	}))
	_, err := f.engine.Submit(context.Background(), types.OrderRequest{
		UserID: "s", Symbol: symbol, Side: types.Sell, OrderType: types.Limit, Price: dp("100"), Quantity: d("1"),
	})
	pl.armed.Store(false)
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("submit err = %v, want ErrInvariantViolation", err)
	}

	if got := f.order(t, first.OrderID); got.Status != types.StatusRejected {
		t.Errorf("stop being activated = %s, want rejected", got.Status)
	}
	f.assertBalance(t, "t1", "BTC", "1", "0")
	if got := f.order(t, second.OrderID); got.Status != types.StatusOpen {
		t.Errorf("stop waiting in the cascade = %s, want open", got.Status)
	}
	f.assertBalance(t, "t2", "BTC", "0", "1")

	pending, err := call(context.Background(), f.engine.markets[symbol], func() (int, error) {
		return f.engine.markets[symbol].stops.Len(), nil
	})
	if err != nil || pending != 1 {
		t.Errorf("pending stops = %d (err %v), want 1", pending, err)
	}
}
