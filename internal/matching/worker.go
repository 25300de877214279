package matching

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/orderbook"
	"github.com/ksred/klear-exchange/internal/types"
)

// market is the actor owning one pair. All fields below cmds are touched
// only from run.
type market struct {
	engine *Engine
	pair   types.TradingPair
	active atomic.Bool
	logger zerolog.Logger

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	book      *orderbook.OrderBook
	stops     *stopBook
	orders    map[string]*types.Order
	gtd       map[string]*types.Order
	bookSeq   uint64
	lastPrice *decimal.Decimal
	triggered []*types.Order
	retired   []string     // terminal order ids, oldest first
	inflight  *types.Order // order being matched by the current command
}

func newMarket(e *Engine, pair types.TradingPair) *market {
	m := &market{
		engine: e,
		pair:   pair,
		logger: log.With().Str("component", "matching_engine").Str("symbol", pair.Symbol).Logger(),
		cmds:   make(chan func(), e.cfg.QueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		book:   orderbook.NewOrderBook(pair.Symbol),
		stops:  newStopBook(),
		orders: make(map[string]*types.Order),
		gtd:    make(map[string]*types.Order),
	}
	m.active.Store(pair.Active)
	return m
}

func (m *market) run() {
	defer close(m.done)
	m.logger.Debug().Msg("pair actor started")
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		case <-m.quit:
			m.logger.Debug().Int("resting", m.book.Len()).Int("stops", m.stops.Len()).Msg("pair actor stopped")
			return
		}
	}
}

func (m *market) tradingPair() types.TradingPair {
	p := m.pair
	p.Active = m.active.Load()
	return p
}

func (m *market) now() time.Time { return m.engine.cfg.Now() }

func (m *market) snapshot(depth int) *types.OrderBookSnapshot {
	bids, asks := m.book.Depth(depth)
	return &types.OrderBookSnapshot{
		Symbol:    m.pair.Symbol,
		Sequence:  m.bookSeq,
		Bids:      bids,
		Asks:      asks,
		Timestamp: m.now(),
	}
}

func (m *market) cancel(userID, orderID string) (*types.Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, types.Reject(types.ErrNotFound, "order %s", orderID)
	}
	if o.UserID != userID {
		return nil, types.ErrNotOwner
	}
	if !o.Status.Cancellable() {
		return nil, types.Reject(types.ErrNotCancellable, "order %s is %s", orderID, o.Status)
	}

	m.withdraw(o)
	m.finish(o, types.StatusCancelled)
	m.logger.Info().Str("order_id", orderID).Str("user_id", userID).Msg("order cancelled")
	return o.Clone(), nil
}

// expire moves due GTD orders to expired, oldest admission first
func (m *market) expire(now time.Time) int {
	var due []*types.Order
	for _, o := range m.gtd {
		if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Sequence < due[j].Sequence })

	for _, o := range due {
		m.withdraw(o)
		m.finish(o, types.StatusExpired)
		m.logger.Info().Str("order_id", o.OrderID).Time("expires_at", *o.ExpiresAt).Msg("order expired")
	}
	return len(due)
}

// withdraw takes a live order off the book or out of the stop set
func (m *market) withdraw(o *types.Order) {
	if _, ok := m.book.Remove(o.OrderID); ok {
		m.publishLevel(o.Side, *o.Price)
		return
	}
	if o.OrderType.IsStop() {
		m.stops.remove(o)
	}
}

// retire keeps a finished order visible until TerminalRetention newer ones
// have finished
func (m *market) retire(o *types.Order) {
	m.retired = append(m.retired, o.OrderID)
	for len(m.retired) > m.engine.cfg.TerminalRetention {
		old := m.retired[0]
		m.retired = m.retired[1:]
		delete(m.orders, old)
		m.engine.untrack(old)
	}
}

// recoverInflight finishes the order a panicking command left mid-match and
// puts stops that were fired but never activated back in the stop set
func (m *market) recoverInflight(cause error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("cleanup after panic failed")
		}
	}()

	o := m.inflight
	m.inflight = nil
	if o != nil && !o.Status.Terminal() {
		m.withdraw(o)
		m.abort(o, cause)
	}
	for _, t := range m.triggered {
		if !t.Status.Terminal() {
			m.stops.add(t)
		}
	}
	m.triggered = nil
}

// publishLevel emits the current state of one level under the next book sequence
func (m *market) publishLevel(side types.Side, price decimal.Decimal) {
	m.bookSeq++
	lvl := m.book.Level(side, price)
	m.engine.emit(types.BookDelta{
		Symbol:   m.pair.Symbol,
		Sequence: m.bookSeq,
		Side:     side,
		Price:    lvl.Price,
		Quantity: lvl.Quantity,
		Count:    lvl.Count,
	})
}
