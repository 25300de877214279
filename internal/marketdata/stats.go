package marketdata

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

var ErrInvalidInterval = errors.New("invalid candle interval")

const (
	statsWindow      = 24 * time.Hour
	minuteRetention  = 7 * 24 * 60
	defaultCandleMax = 500
)

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ring keeps the most recent messages of a channel
type ring struct {
	buf   []Message
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Message, capacity)}
}

func (r *ring) push(m Message) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = m
		r.size++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

// since returns retained messages with Seq > after, oldest first
func (r *ring) since(after uint64) []Message {
	var out []Message
	for i := 0; i < r.size; i++ {
		m := r.buf[(r.start+i)%len(r.buf)]
		if m.Seq > after {
			out = append(out, m)
		}
	}
	return out
}

// depthBook mirrors the aggregated levels of one pair from its deltas
type depthBook struct {
	bids *btree.BTreeG[types.BookLevel]
	asks *btree.BTreeG[types.BookLevel]
	seq  uint64
}

func newDepthBook() *depthBook {
	return &depthBook{
		bids: btree.NewG(16, func(a, b types.BookLevel) bool { return a.Price.GreaterThan(b.Price) }),
		asks: btree.NewG(16, func(a, b types.BookLevel) bool { return a.Price.LessThan(b.Price) }),
	}
}

func (d *depthBook) side(s types.Side) *btree.BTreeG[types.BookLevel] {
	if s == types.Buy {
		return d.bids
	}
	return d.asks
}

func (d *depthBook) apply(delta types.BookDelta) {
	tree := d.side(delta.Side)
	lvl := types.BookLevel{Price: delta.Price, Quantity: delta.Quantity, Count: delta.Count}
	if delta.Quantity.IsPositive() {
		tree.ReplaceOrInsert(lvl)
	} else {
		tree.Delete(lvl)
	}
	d.seq = delta.Sequence
}

func (d *depthBook) best(s types.Side) (decimal.Decimal, bool) {
	lvl, ok := d.side(s).Min()
	return lvl.Price, ok
}

// snapshot returns up to depth levels per side; depth <= 0 means all
func (d *depthBook) snapshot(symbol string, depth int, now time.Time) *types.OrderBookSnapshot {
	collect := func(tree *btree.BTreeG[types.BookLevel]) []types.BookLevel {
		out := []types.BookLevel{}
		tree.Ascend(func(l types.BookLevel) bool {
			out = append(out, l)
			return depth <= 0 || len(out) < depth
		})
		return out
	}
	return &types.OrderBookSnapshot{
		Symbol:    symbol,
		Sequence:  d.seq,
		Bids:      collect(d.bids),
		Asks:      collect(d.asks),
		Timestamp: now,
	}
}

type tradePoint struct {
	at    time.Time
	price decimal.Decimal
	qty   decimal.Decimal
}

// rollingStats keeps 24h statistics over a sliding window of trades. The
// max and min deques hold candidates in window order so that high and low
// survive evictions without a rescan.
type rollingStats struct {
	symbol      string
	window      []tradePoint
	maxq        []tradePoint
	minq        []tradePoint
	volume      decimal.Decimal
	quoteVolume decimal.Decimal
	last        decimal.Decimal
	hasLast     bool
}

func newRollingStats(symbol string) *rollingStats {
	return &rollingStats{symbol: symbol}
}

func (s *rollingStats) add(at time.Time, price, qty decimal.Decimal) {
	p := tradePoint{at: at, price: price, qty: qty}
	s.window = append(s.window, p)
	s.volume = s.volume.Add(qty)
	s.quoteVolume = s.quoteVolume.Add(price.Mul(qty))
	s.last = price
	s.hasLast = true

	for len(s.maxq) > 0 && s.maxq[len(s.maxq)-1].price.LessThanOrEqual(price) {
		s.maxq = s.maxq[:len(s.maxq)-1]
	}
	s.maxq = append(s.maxq, p)
	for len(s.minq) > 0 && s.minq[len(s.minq)-1].price.GreaterThanOrEqual(price) {
		s.minq = s.minq[:len(s.minq)-1]
	}
	s.minq = append(s.minq, p)
}

func (s *rollingStats) evict(now time.Time) {
	cutoff := now.Add(-statsWindow)
	n := 0
	for n < len(s.window) && !s.window[n].at.After(cutoff) {
		s.volume = s.volume.Sub(s.window[n].qty)
		s.quoteVolume = s.quoteVolume.Sub(s.window[n].price.Mul(s.window[n].qty))
		n++
	}
	s.window = s.window[n:]
	for len(s.maxq) > 0 && !s.maxq[0].at.After(cutoff) {
		s.maxq = s.maxq[1:]
	}
	for len(s.minq) > 0 && !s.minq[0].at.After(cutoff) {
		s.minq = s.minq[1:]
	}
}

func (s *rollingStats) snapshot(now time.Time) types.MarketStats {
	s.evict(now)
	st := types.MarketStats{
		Symbol:         s.symbol,
		Volume24h:      s.volume,
		QuoteVolume24h: s.quoteVolume,
		UpdatedAt:      now,
	}
	if s.hasLast {
		st.LastPrice = s.last
		st.High24h = s.last
		st.Low24h = s.last
	}
	if len(s.window) == 0 {
		return st
	}
	st.High24h = s.maxq[0].price
	st.Low24h = s.minq[0].price
	open := s.window[0].price
	st.PriceChange24h = s.last.Sub(open)
	if open.IsPositive() {
		st.PriceChangePercent = st.PriceChange24h.Div(open).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return st
}

// candleSeries keeps one-minute candles; longer intervals are built from them
type candleSeries struct {
	minutes []types.Candle
}

func newCandleSeries() *candleSeries {
	return &candleSeries{}
}

func (c *candleSeries) add(at time.Time, price, qty decimal.Decimal) {
	bucket := at.UTC().Truncate(time.Minute)
	if n := len(c.minutes); n > 0 {
		last := &c.minutes[n-1]
		if last.Timestamp.Equal(bucket) {
			if price.GreaterThan(last.High) {
				last.High = price
			}
			if price.LessThan(last.Low) {
				last.Low = price
			}
			last.Close = price
			last.Volume = last.Volume.Add(qty)
			return
		}
		if bucket.Before(last.Timestamp) {
			// late trade from a clock step back; fold it into the newest bucket
			last.Volume = last.Volume.Add(qty)
			return
		}
	}
	c.minutes = append(c.minutes, types.Candle{
		Timestamp: bucket,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    qty,
		Interval:  "1m",
	})
	if len(c.minutes) > minuteRetention {
		c.minutes = c.minutes[len(c.minutes)-minuteRetention:]
	}
}

// aggregate returns the latest limit candles of the interval, oldest first
func (c *candleSeries) aggregate(interval string, limit int) ([]types.Candle, error) {
	step, ok := intervals[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	if limit <= 0 || limit > defaultCandleMax {
		limit = defaultCandleMax
	}

	out := []types.Candle{}
	for _, m := range c.minutes {
		bucket := m.Timestamp.Truncate(step)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(bucket) {
			cur := &out[n-1]
			if m.High.GreaterThan(cur.High) {
				cur.High = m.High
			}
			if m.Low.LessThan(cur.Low) {
				cur.Low = m.Low
			}
			cur.Close = m.Close
			cur.Volume = cur.Volume.Add(m.Volume)
			continue
		}
		m.Timestamp = bucket
		m.Interval = interval
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
