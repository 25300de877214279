// Package marketdata turns engine and ledger events into sequenced channel
// messages: order book deltas, trades, 24h statistics and per-user portfolio
// updates. Subscribers get a snapshot first and then every later message in
// sequence order; a gap in sequence numbers means messages were dropped and
// the subscriber should replay or resubscribe.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

const (
	ChannelMarketData = "market_data"
	ChannelOrderBook  = "orderbook"
	ChannelTrades     = "trades"
	ChannelPortfolio  = "portfolio"
)

const (
	MsgSnapshot  = "snapshot"
	MsgBookDelta = "book_delta"
	MsgTrade     = "trade"
	MsgStats     = "stats"
	MsgOrder     = "order"
	MsgBalance   = "balance"
	MsgHeartbeat = "heartbeat"
)

const (
	defaultHistorySize    = 1024
	subscriberBuffer      = 256
	recentTradesPerSymbol = 200
)

// Message is what subscribers receive. Seq increases by one per message on a
// channel; heartbeats repeat the current value.
type Message struct {
	Channel string    `json:"channel"`
	Seq     uint64    `json:"seq"`
	Type    string    `json:"type"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

type PortfolioSnapshot struct {
	UserID   string          `json:"user_id"`
	Balances []types.Account `json:"balances"`
}

// BalanceSource supplies the initial state of a portfolio channel
type BalanceSource interface {
	Balances(user string) []types.Account
}

type Subscription struct {
	C       <-chan Message
	Channel string
	id      uint64
	ch      chan Message
}

type channelState struct {
	name    string
	seq     uint64
	history *ring
	subs    map[uint64]*Subscription
}

type symbolState struct {
	depth   *depthBook
	stats   *rollingStats
	candles *candleSeries
	trades  []types.Trade
}

type Publisher struct {
	mu       sync.Mutex
	symbols  map[string]*symbolState
	channels map[string]*channelState
	balances BalanceSource
	versions map[string]uint64 // user/currency to last published account version
	taps     []func(Message)
	nextID   uint64
	history  int
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*Publisher)

func WithHistorySize(n int) Option {
	return func(p *Publisher) { p.history = n }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(symbols []string, balances BalanceSource, opts ...Option) *Publisher {
	p := &Publisher{
		symbols:  make(map[string]*symbolState, len(symbols)),
		channels: make(map[string]*channelState),
		balances: balances,
		versions: make(map[string]uint64),
		history:  defaultHistorySize,
		now:      time.Now,
		logger:   log.With().Str("component", "market_data").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, s := range symbols {
		p.symbols[s] = &symbolState{
			depth:   newDepthBook(),
			stats:   newRollingStats(s),
			candles: newCandleSeries(),
		}
	}
	return p
}

// AddTap registers a function receiving every published message. Taps run
// under the publisher lock and must not block.
func (p *Publisher) AddTap(fn func(Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taps = append(p.taps, fn)
}

// ParseChannel splits "kind:key" and checks that the channel exists
func (p *Publisher) ParseChannel(name string) (kind, key string, err error) {
	kind, key, ok := strings.Cut(name, ":")
	if !ok || key == "" {
		return "", "", fmt.Errorf("%w: %q", types.ErrUnknownChannel, name)
	}
	switch kind {
	case ChannelMarketData, ChannelOrderBook, ChannelTrades:
		if _, ok := p.symbols[key]; !ok {
			return "", "", fmt.Errorf("%w: %q", types.ErrUnknownChannel, name)
		}
	case ChannelPortfolio:
	default:
		return "", "", fmt.Errorf("%w: %q", types.ErrUnknownChannel, name)
	}
	return kind, key, nil
}

// HandleEvent implements types.EventHandler
func (p *Publisher) HandleEvent(evt types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	switch e := evt.(type) {
	case types.TradeEvent:
		p.onTrade(e.Trade, now)
	case types.BookDelta:
		sym, ok := p.symbols[e.Symbol]
		if !ok {
			return
		}
		sym.depth.apply(e)
		p.publishAt(ChannelOrderBook+":"+e.Symbol, e.Sequence, MsgBookDelta, e, now)
	case types.OrderStatusChanged:
		p.publish(ChannelPortfolio+":"+e.Order.UserID, MsgOrder, e, now)
	case types.BalanceChanged:
		if !p.newerBalance(e.Account) {
			p.logger.Debug().
				Str("user_id", e.Account.UserID).
				Str("currency", e.Account.Currency).
				Uint64("version", e.Account.Version).
				Msg("dropping stale balance update")
			return
		}
		p.publish(ChannelPortfolio+":"+e.Account.UserID, MsgBalance, e.Account, now)
	case types.Heartbeat:
		p.heartbeat(e.Time)
	}
}

// newerBalance records acc's version and reports whether it supersedes the
// last one published. Version 0 is unversioned and always passes.
func (p *Publisher) newerBalance(acc types.Account) bool {
	if acc.Version == 0 {
		return true
	}
	key := acc.UserID + "/" + acc.Currency
	if acc.Version <= p.versions[key] {
		return false
	}
	p.versions[key] = acc.Version
	return true
}

func (p *Publisher) onTrade(t types.Trade, now time.Time) {
	sym, ok := p.symbols[t.Symbol]
	if !ok {
		return
	}
	sym.stats.add(t.CreatedAt, t.Price, t.Quantity)
	sym.candles.add(t.CreatedAt, t.Price, t.Quantity)
	sym.trades = append(sym.trades, t)
	if len(sym.trades) > recentTradesPerSymbol {
		sym.trades = sym.trades[len(sym.trades)-recentTradesPerSymbol:]
	}

	p.publish(ChannelTrades+":"+t.Symbol, MsgTrade, t, now)
	p.publish(ChannelMarketData+":"+t.Symbol, MsgStats, p.statsLocked(t.Symbol, now), now)
}

// Heartbeat sends the current sequence of every channel that has subscribers
func (p *Publisher) Heartbeat(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeat(at)
}

func (p *Publisher) heartbeat(at time.Time) {
	for _, ch := range p.channels {
		if len(ch.subs) == 0 {
			continue
		}
		msg := Message{Channel: ch.name, Seq: ch.seq, Type: MsgHeartbeat, Data: types.Heartbeat{Time: at}, Time: at}
		p.deliver(ch, msg)
	}
}

// RunHeartbeat emits heartbeats on every tick until ctx is cancelled
func (p *Publisher) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	p.logger.Info().Dur("interval", interval).Msg("starting heartbeat")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("shutting down heartbeat")
			return nil
		case at := <-ticker.C:
			p.Heartbeat(at)
		}
	}
}

func (p *Publisher) channel(name string) *channelState {
	ch, ok := p.channels[name]
	if !ok {
		ch = &channelState{
			name:    name,
			history: newRing(p.history),
			subs:    make(map[uint64]*Subscription),
		}
		p.channels[name] = ch
	}
	return ch
}

func (p *Publisher) publish(channel, typ string, data any, now time.Time) {
	ch := p.channel(channel)
	p.publishAt(channel, ch.seq+1, typ, data, now)
}

func (p *Publisher) publishAt(channel string, seq uint64, typ string, data any, now time.Time) {
	ch := p.channel(channel)
	ch.seq = seq
	msg := Message{Channel: channel, Seq: seq, Type: typ, Data: data, Time: now}
	ch.history.push(msg)
	p.deliver(ch, msg)
	for _, tap := range p.taps {
		tap(msg)
	}
}

func (p *Publisher) deliver(ch *channelState, msg Message) {
	for _, sub := range ch.subs {
		select {
		case sub.ch <- msg:
		default:
			p.logger.Debug().Str("channel", ch.name).Uint64("seq", msg.Seq).Msg("dropping message for slow subscriber")
		}
	}
}

// Subscribe registers a subscriber. Its first message is a snapshot carrying
// the sequence it is consistent with.
func (p *Publisher) Subscribe(channel string) (*Subscription, error) {
	kind, key, err := p.ParseChannel(channel)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.channel(channel)
	p.nextID++
	sub := &Subscription{Channel: channel, id: p.nextID, ch: make(chan Message, subscriberBuffer)}
	sub.C = sub.ch

	now := p.now()
	sub.ch <- Message{Channel: channel, Seq: ch.seq, Type: MsgSnapshot, Data: p.snapshotLocked(kind, key, now), Time: now}
	ch.subs[sub.id] = sub
	return sub, nil
}

func (p *Publisher) snapshotLocked(kind, key string, now time.Time) any {
	switch kind {
	case ChannelOrderBook:
		return p.symbols[key].depth.snapshot(key, 0, now)
	case ChannelTrades:
		return append([]types.Trade(nil), p.symbols[key].trades...)
	case ChannelMarketData:
		return p.statsLocked(key, now)
	default:
		snap := PortfolioSnapshot{UserID: key, Balances: []types.Account{}}
		if p.balances != nil {
			snap.Balances = p.balances.Balances(key)
			for _, acc := range snap.Balances {
				p.newerBalance(acc)
			}
		}
		return snap
	}
}

// Unsubscribe stops delivery and closes the subscription channel
func (p *Publisher) Unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[sub.Channel]
	if !ok {
		return
	}
	if _, ok := ch.subs[sub.id]; ok {
		delete(ch.subs, sub.id)
		close(sub.ch)
	}
}

// Replay returns the messages published on channel after afterSeq. When
// some of them are no longer retained the caller needs a fresh snapshot.
func (p *Publisher) Replay(channel string, afterSeq uint64) ([]Message, error) {
	if _, _, err := p.ParseChannel(channel); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[channel]
	if !ok || afterSeq >= ch.seq {
		return []Message{}, nil
	}
	msgs := ch.history.since(afterSeq)
	if len(msgs) == 0 || msgs[0].Seq != afterSeq+1 {
		return nil, types.ErrSnapshotRequired
	}
	return msgs, nil
}

// Seq returns the current sequence of a channel
func (p *Publisher) Seq(channel string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[channel]; ok {
		return ch.seq
	}
	return 0
}

// LastPrices returns the last trade price of every pair that has traded
func (p *Publisher) LastPrices() map[string]decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(p.symbols))
	for symbol, sym := range p.symbols {
		if sym.stats.hasLast {
			out[symbol] = sym.stats.last
		}
	}
	return out
}

func (p *Publisher) Stats(symbol string) (types.MarketStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.symbols[symbol]; !ok {
		return types.MarketStats{}, types.Reject(types.ErrInvalidTradingPair, "unknown pair %q", symbol)
	}
	return p.statsLocked(symbol, p.now()), nil
}

func (p *Publisher) statsLocked(symbol string, now time.Time) types.MarketStats {
	sym := p.symbols[symbol]
	stats := sym.stats.snapshot(now)
	if bid, ok := sym.depth.best(types.Buy); ok {
		stats.BidPrice = &bid
	}
	if ask, ok := sym.depth.best(types.Sell); ok {
		stats.AskPrice = &ask
	}
	return stats
}

// RecentTrades returns up to limit of the latest trades, newest first
func (p *Publisher) RecentTrades(symbol string, limit int) ([]types.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym, ok := p.symbols[symbol]
	if !ok {
		return nil, types.Reject(types.ErrInvalidTradingPair, "unknown pair %q", symbol)
	}
	n := len(sym.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, sym.trades[i])
	}
	return out, nil
}

func (p *Publisher) Candles(symbol, interval string, limit int) ([]types.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym, ok := p.symbols[symbol]
	if !ok {
		return nil, types.Reject(types.ErrInvalidTradingPair, "unknown pair %q", symbol)
	}
	return sym.candles.aggregate(interval, limit)
}
