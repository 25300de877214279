// Package matching runs one single-threaded actor per trading pair. Every
// command touching a pair (submit, cancel, queries, expiry) is queued to that
// pair's actor, so orders of one pair are processed in a total order while
// pairs proceed in parallel.
package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/types"
)

// Ledger is the subset of the account ledger the engine needs
type Ledger interface {
	Reserve(user, currency string, amount decimal.Decimal, ref string) error
	Release(user, currency string, amount decimal.Decimal, ref string) error
	Settle(s ledger.Settlement) error
}

type Config struct {
	QueueSize int
	// StopSlippage bounds the price a triggered stop-market order may trade
	// at: stop * (1 + slippage) for buys, stop * (1 - slippage) for sells.
	StopSlippage decimal.Decimal
	// Currencies maps a currency code to its precision, used to round fees
	Currencies map[string]int32
	// TerminalRetention is how many finished orders each pair keeps for
	// GetOrder and Cancel. Older ones are forgotten; their history lives in
	// the order store.
	TerminalRetention int
	Now               func() time.Time
}

const (
	defaultCurrencyPrecision = 8
	defaultTerminalRetention = 10000
)

type Engine struct {
	cfg      Config
	ledger   Ledger
	handlers []types.EventHandler
	markets  map[string]*market
	symbols  []string

	seq atomic.Uint64 // admission sequence across all pairs

	indexMu sync.RWMutex
	index   map[string]string // order id to symbol

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(l Ledger, pairs []types.TradingPair, cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = defaultTerminalRetention
	}
	if cfg.Currencies == nil {
		cfg.Currencies = map[string]int32{}
	}

	e := &Engine{
		cfg:     cfg,
		ledger:  l,
		markets: make(map[string]*market, len(pairs)),
		index:   make(map[string]string),
	}
	for _, pair := range pairs {
		e.markets[pair.Symbol] = newMarket(e, pair)
		e.symbols = append(e.symbols, pair.Symbol)
	}
	sort.Strings(e.symbols)
	return e
}

// AddHandler registers an event receiver. Handlers run on the actor
// goroutines and must not block; register them before Start.
func (e *Engine) AddHandler(h types.EventHandler) {
	e.handlers = append(e.handlers, h)
}

// Start launches one actor per pair
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		for _, m := range e.markets {
			go m.run()
		}
		log.Info().Str("component", "matching_engine").Int("pairs", len(e.markets)).Msg("matching engine started")
	})
}

// Stop halts every actor after its current command. Queued commands that
// never ran fail with ErrEngineStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		for _, m := range e.markets {
			close(m.quit)
		}
		for _, m := range e.markets {
			<-m.done
		}
		log.Info().Str("component", "matching_engine").Msg("matching engine stopped")
	})
}

// Run starts the engine and stops it when ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.Start()
	<-ctx.Done()
	e.Stop()
	return nil
}

func (e *Engine) market(symbol string) (*market, error) {
	m, ok := e.markets[symbol]
	if !ok {
		return nil, types.Reject(types.ErrInvalidTradingPair, "unknown pair %q", symbol)
	}
	return m, nil
}

// Submit admits an order. A validation or resource failure returns the
// rejection and changes nothing. An accepted order is returned as it stands
// after matching.
func (e *Engine) Submit(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	m, err := e.market(req.Symbol)
	if err != nil {
		return nil, err
	}
	orderID := uuid.New().String()
	return call(ctx, m, func() (*types.Order, error) {
		return m.submit(req, orderID)
	})
}

// Cancel cancels an open order on behalf of its owner
func (e *Engine) Cancel(ctx context.Context, userID, orderID string) (*types.Order, error) {
	m, err := e.marketOf(orderID)
	if err != nil {
		return nil, err
	}
	return call(ctx, m, func() (*types.Order, error) {
		return m.cancel(userID, orderID)
	})
}

// GetOrder returns the current state of any order the engine admitted
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	m, err := e.marketOf(orderID)
	if err != nil {
		return nil, err
	}
	return call(ctx, m, func() (*types.Order, error) {
		o, ok := m.orders[orderID]
		if !ok {
			return nil, types.ErrNotFound
		}
		return o.Clone(), nil
	})
}

// OrderBook returns up to depth aggregated levels per side, consistent as of
// the returned sequence. depth <= 0 returns every level.
func (e *Engine) OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error) {
	m, err := e.market(symbol)
	if err != nil {
		return nil, err
	}
	return call(ctx, m, func() (*types.OrderBookSnapshot, error) {
		return m.snapshot(depth), nil
	})
}

// SetPairActive opens or halts admission on a pair. Resting orders are kept.
func (e *Engine) SetPairActive(ctx context.Context, symbol string, active bool) error {
	m, err := e.market(symbol)
	if err != nil {
		return err
	}
	_, err = call(ctx, m, func() (struct{}, error) {
		m.active.Store(active)
		log.Info().Str("component", "matching_engine").Str("symbol", symbol).Bool("active", active).Msg("pair admission changed")
		return struct{}{}, nil
	})
	return err
}

// ExpireDue expires every GTD order whose expiry is at or before now
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, symbol := range e.symbols {
		m := e.markets[symbol]
		n, err := call(ctx, m, func() (int, error) {
			return m.expire(now), nil
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Pairs returns the configured pairs with their current active flag
func (e *Engine) Pairs() []types.TradingPair {
	out := make([]types.TradingPair, 0, len(e.symbols))
	for _, symbol := range e.symbols {
		out = append(out, e.markets[symbol].tradingPair())
	}
	return out
}

func (e *Engine) Pair(symbol string) (types.TradingPair, bool) {
	m, ok := e.markets[symbol]
	if !ok {
		return types.TradingPair{}, false
	}
	return m.tradingPair(), true
}

func (e *Engine) marketOf(orderID string) (*market, error) {
	e.indexMu.RLock()
	symbol, ok := e.index[orderID]
	e.indexMu.RUnlock()
	if !ok {
		return nil, types.Reject(types.ErrNotFound, "order %s", orderID)
	}
	return e.markets[symbol], nil
}

func (e *Engine) track(orderID, symbol string) {
	e.indexMu.Lock()
	e.index[orderID] = symbol
	e.indexMu.Unlock()
}

func (e *Engine) untrack(orderID string) {
	e.indexMu.Lock()
	delete(e.index, orderID)
	e.indexMu.Unlock()
}

func (e *Engine) emit(evt types.Event) {
	for _, h := range e.handlers {
		h.HandleEvent(evt)
	}
}

func (e *Engine) precision(currency string) int32 {
	if p, ok := e.cfg.Currencies[currency]; ok {
		return p
	}
	return defaultCurrencyPrecision
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on the pair's actor and waits for its result. A panic in fn
// fails the command with ErrInvariantViolation after the order it was working
// on has been finished and its reservation released.
func call[T any](ctx context.Context, m *market, fn func() (T, error)) (T, error) {
	var zero T
	reply := make(chan result[T], 1)

	cmd := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("component", "matching_engine").
					Str("symbol", m.pair.Symbol).
					Interface("panic", r).
					Msg("command panicked")
				err := fmt.Errorf("%s: %w: %v", m.pair.Symbol, types.ErrInvariantViolation, r)
				m.recoverInflight(err)
				reply <- result[T]{err: err}
			}
		}()
		v, err := fn()
		reply <- result[T]{val: v, err: err}
	}

	select {
	case m.cmds <- cmd:
	case <-m.quit:
		return zero, types.ErrEngineStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-m.done:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, types.ErrEngineStopped
		}
	}
}
