package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/orderbook"
	"github.com/ksred/klear-exchange/internal/types"
)

var one = decimal.NewFromInt(1)

// submit validates, reserves and admits an order, then matches it and any
// stops its trades trigger
func (m *market) submit(req types.OrderRequest, orderID string) (*types.Order, error) {
	now := m.now()
	o, err := m.validate(req, now)
	if err != nil {
		return nil, err
	}
	o.OrderID = orderID

	if !o.OrderType.IsStop() && o.TimeInForce == types.FOK && !m.fillable(o) {
		return nil, types.Reject(types.ErrFOKUnfillable, "%s available below %s", o.Remaining, m.pair.Symbol)
	}

	currency, amount := m.reservation(o)
	if err := m.engine.ledger.Reserve(o.UserID, currency, amount, o.OrderID); err != nil {
		return nil, err
	}
	o.Reserved = amount
	o.Sequence = m.engine.seq.Add(1)
	m.orders[o.OrderID] = o
	m.engine.track(o.OrderID, m.pair.Symbol)

	logger := m.logger.With().Str("order_id", o.OrderID).Str("user_id", o.UserID).Logger()
	logger.Debug().
		Str("side", string(o.Side)).
		Str("type", string(o.OrderType)).
		Str("quantity", o.Quantity.String()).
		Str("reserved", amount.String()).
		Msg("order admitted")

	m.update(o, types.StatusOpen)
	if o.TimeInForce == types.GTD {
		m.gtd[o.OrderID] = o
	}

	var matchErr error
	m.inflight = o
	switch {
	case !o.OrderType.IsStop():
		matchErr = m.execute(o)
	case m.lastPrice != nil && triggers(o, *m.lastPrice):
		matchErr = m.activate(o)
	default:
		m.stops.add(o)
	}
	m.runTriggered()
	m.inflight = nil

	if matchErr != nil {
		return o.Clone(), fmt.Errorf("match order %s: %w", o.OrderID, matchErr)
	}
	return o.Clone(), nil
}

func (m *market) validate(req types.OrderRequest, now time.Time) (*types.Order, error) {
	pair := m.pair
	if !m.active.Load() {
		return nil, types.Reject(types.ErrInvalidTradingPair, "%s is not active", pair.Symbol)
	}
	if req.UserID == "" {
		return nil, types.Reject(types.ErrInvalidOrder, "user is required")
	}
	if !req.Side.Valid() {
		return nil, types.Reject(types.ErrInvalidOrder, "invalid side %q", req.Side)
	}
	if !req.OrderType.Valid() {
		return nil, types.Reject(types.ErrInvalidOrder, "invalid order type %q", req.OrderType)
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = types.GTC
	}
	if !tif.Valid() {
		return nil, types.Reject(types.ErrInvalidOrder, "invalid time in force %q", req.TimeInForce)
	}

	qty := req.Quantity
	if !qty.IsPositive() || qty.LessThan(pair.MinOrderSize) || qty.GreaterThan(pair.MaxOrderSize) {
		return nil, types.Reject(types.ErrSizeOutOfRange, "quantity %s outside [%s, %s]", qty, pair.MinOrderSize, pair.MaxOrderSize)
	}
	if !qty.Equal(qty.Truncate(pair.QuantityPrecision)) {
		return nil, types.Reject(types.ErrSizeOutOfRange, "quantity %s exceeds %d decimal places", qty, pair.QuantityPrecision)
	}

	o := &types.Order{
		UserID:      req.UserID,
		Symbol:      pair.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Quantity:    qty,
		Filled:      decimal.Zero,
		Remaining:   qty,
		Reserved:    decimal.Zero,
		Status:      types.StatusPending,
		TimeInForce: tif,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if req.OrderType.HasLimitPrice() {
		price, err := m.checkPrice(req.Price, "price")
		if err != nil {
			return nil, err
		}
		o.Price = &price
	}
	if req.OrderType.IsStop() {
		stop, err := m.checkPrice(req.StopPrice, "stop price")
		if err != nil {
			return nil, err
		}
		o.StopPrice = &stop
	}

	if tif == types.GTD {
		if req.ExpiresAt == nil || !req.ExpiresAt.After(now) {
			return nil, types.Reject(types.ErrInvalidOrder, "GTD order needs a future expires_at")
		}
		expires := *req.ExpiresAt
		o.ExpiresAt = &expires
	}
	return o, nil
}

func (m *market) checkPrice(p *decimal.Decimal, field string) (decimal.Decimal, error) {
	if p == nil {
		return decimal.Zero, types.Reject(types.ErrInvalidPrice, "%s is required", field)
	}
	if !p.IsPositive() {
		return decimal.Zero, types.Reject(types.ErrInvalidPrice, "%s must be positive", field)
	}
	if !p.Equal(p.Truncate(m.pair.PricePrecision)) {
		return decimal.Zero, types.Reject(types.ErrInvalidPrice, "%s %s exceeds %d decimal places", field, p, m.pair.PricePrecision)
	}
	return *p, nil
}

// limitFor is the worst price the order may trade at once live; nil means any
func (m *market) limitFor(o *types.Order) *decimal.Decimal {
	switch {
	case o.OrderType.HasLimitPrice():
		return o.Price
	case o.OrderType.IsStop():
		limit := m.stopCap(o)
		return &limit
	default:
		return nil
	}
}

// stopCap bounds a triggered stop-market order around its stop price
func (m *market) stopCap(o *types.Order) decimal.Decimal {
	slippage := m.engine.cfg.StopSlippage
	if o.Side == types.Buy {
		return o.StopPrice.Mul(one.Add(slippage)).RoundCeil(m.pair.PricePrecision)
	}
	return o.StopPrice.Mul(one.Sub(slippage)).RoundFloor(m.pair.PricePrecision)
}

// reservation is what the order locks at admission: base quantity for a
// sell, worst-case notional plus fee headroom in quote for a buy
func (m *market) reservation(o *types.Order) (string, decimal.Decimal) {
	if o.Side == types.Sell {
		return m.pair.BaseCurrency, o.Quantity
	}

	var notional decimal.Decimal
	if limit := m.limitFor(o); limit != nil {
		notional = o.Quantity.Mul(*limit)
	} else {
		// market buy: matching runs in this same actor step, so the current
		// asks are exactly what it will consume
		_, notional = m.book.CostToFill(types.Buy, nil, o.Quantity)
	}
	headroom := notional.Mul(m.pair.MaxFeeRate()).RoundCeil(m.engine.precision(m.pair.QuoteCurrency))
	return m.pair.QuoteCurrency, notional.Add(headroom)
}

func (m *market) fillable(o *types.Order) bool {
	return m.book.Liquidity(o.Side, m.limitFor(o), o.Remaining).GreaterThanOrEqual(o.Remaining)
}

func (m *market) fee(notional, rate decimal.Decimal) decimal.Decimal {
	return notional.Mul(rate).RoundFloor(m.engine.precision(m.pair.QuoteCurrency))
}

// canRest reports whether an unfilled remainder goes on the book
func canRest(o *types.Order) bool {
	return o.OrderType.HasLimitPrice() && (o.TimeInForce == types.GTC || o.TimeInForce == types.GTD)
}

// execute matches a live order against the opposite side and then applies
// its time in force to whatever remains
func (m *market) execute(o *types.Order) error {
	limit := m.limitFor(o)
	for o.Remaining.IsPositive() {
		maker := m.book.Best(o.Side.Opposite())
		if maker == nil || !orderbook.Crosses(o.Side, limit, *maker.Price) {
			break
		}
		if err := m.fill(o, maker); err != nil {
			m.abort(o, err)
			return err
		}
	}

	switch {
	case o.Remaining.IsZero():
		m.finish(o, types.StatusFilled)
	case canRest(o):
		if err := m.book.Insert(o); err != nil {
			m.abort(o, err)
			return err
		}
		m.publishLevel(o.Side, *o.Price)
	default:
		m.finish(o, types.StatusCancelled)
	}
	return nil
}

// activate puts a triggered stop order live
func (m *market) activate(o *types.Order) error {
	m.logger.Info().
		Str("order_id", o.OrderID).
		Str("stop_price", o.StopPrice.String()).
		Str("last_price", m.lastPrice.String()).
		Msg("stop order triggered")

	if o.TimeInForce == types.FOK && !m.fillable(o) {
		m.finish(o, types.StatusRejected)
		return nil
	}
	return m.execute(o)
}

// runTriggered activates stops fired by trades, including any cascade
func (m *market) runTriggered() {
	for len(m.triggered) > 0 {
		o := m.triggered[0]
		m.triggered = m.triggered[1:]
		if o.Status.Terminal() {
			continue
		}
		m.inflight = o
		if err := m.activate(o); err != nil {
			m.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("triggered order failed")
		}
	}
}

// fill executes one trade between the taker and the oldest order at the best
// opposite price, at the maker's price
func (m *market) fill(taker, maker *types.Order) error {
	qty := decimal.Min(taker.Remaining, maker.Remaining)
	price := *maker.Price
	notional := qty.Mul(price)
	takerFee := m.fee(notional, m.pair.TakerFee)
	makerFee := m.fee(notional, m.pair.MakerFee)

	buyer, seller := taker, maker
	buyerFee, sellerFee := takerFee, makerFee
	if taker.Side == types.Sell {
		buyer, seller = maker, taker
		buyerFee, sellerFee = makerFee, takerFee
	}

	tradeID := uuid.New().String()
	err := m.engine.ledger.Settle(ledger.Settlement{
		Reference:     tradeID,
		Buyer:         buyer.UserID,
		Seller:        seller.UserID,
		BaseCurrency:  m.pair.BaseCurrency,
		QuoteCurrency: m.pair.QuoteCurrency,
		Quantity:      qty,
		Price:         price,
		BuyerFee:      buyerFee,
		SellerFee:     sellerFee,
	})
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", tradeID, err)
	}

	_, makerDone, err := m.book.Fill(maker.OrderID, qty)
	if err != nil {
		return err
	}
	taker.Filled = taker.Filled.Add(qty)
	taker.Remaining = taker.Remaining.Sub(qty)
	buyer.Reserved = buyer.Reserved.Sub(notional.Add(buyerFee))
	seller.Reserved = seller.Reserved.Sub(qty)

	now := m.now()
	m.engine.emit(types.TradeEvent{Trade: types.Trade{
		TradeID:      tradeID,
		Symbol:       m.pair.Symbol,
		MakerOrderID: maker.OrderID,
		TakerOrderID: taker.OrderID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		TakerSide:    taker.Side,
		Price:        price,
		Quantity:     qty,
		MakerFee:     makerFee,
		TakerFee:     takerFee,
		CreatedAt:    now,
	}})
	m.publishLevel(maker.Side, price)

	if makerDone {
		m.finish(maker, types.StatusFilled)
	} else {
		m.update(maker, types.StatusPartiallyFilled)
	}
	if taker.Remaining.IsPositive() {
		m.update(taker, types.StatusPartiallyFilled)
	}

	m.lastPrice = &price
	m.triggered = append(m.triggered, m.stops.fire(price)...)

	m.logger.Debug().
		Str("trade_id", tradeID).
		Str("maker_order_id", maker.OrderID).
		Str("taker_order_id", taker.OrderID).
		Str("price", price.String()).
		Str("quantity", qty.String()).
		Msg("trade executed")
	return nil
}

// abort stops matching an order after an integrity failure. The order keeps
// its fills and goes terminal with its reservation released.
func (m *market) abort(o *types.Order, cause error) {
	m.logger.Error().
		Err(cause).
		Str("order_id", o.OrderID).
		Str("filled", o.Filled.String()).
		Str("reserved", o.Reserved.String()).
		Msg("matching aborted")

	status := types.StatusCancelled
	if o.Filled.IsZero() {
		status = types.StatusRejected
	}
	m.finish(o, status)
}

// finish moves an order to a terminal status and releases what it still holds
func (m *market) finish(o *types.Order, status types.OrderStatus) {
	if o.Reserved.IsPositive() {
		currency := m.pair.QuoteCurrency
		if o.Side == types.Sell {
			currency = m.pair.BaseCurrency
		}
		if err := m.engine.ledger.Release(o.UserID, currency, o.Reserved, o.OrderID); err != nil {
			m.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to release reservation")
		} else {
			o.Reserved = decimal.Zero
		}
	}
	delete(m.gtd, o.OrderID)
	m.update(o, status)
	m.retire(o)
}

// update records a status transition and announces the order's new state
func (m *market) update(o *types.Order, status types.OrderStatus) {
	prev := o.Status
	o.Status = status
	o.UpdatedAt = m.now()
	m.engine.emit(types.OrderStatusChanged{Order: *o.Clone(), Previous: prev})
}
