package trading

import (
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
)

const (
	performanceWindow = 24 * time.Hour
	valuePrecision    = 8
	ratePrecision     = 16
)

var hundred = decimal.NewFromInt(100)

// BalanceReader is the part of the ledger a portfolio reads
type BalanceReader interface {
	Balances(user string) []types.Account
}

// PriceSource reports the last trade price per pair symbol
type PriceSource interface {
	LastPrices() map[string]decimal.Decimal
}

// PortfolioService values a user's accounts at the last traded prices and
// summarises their recent trading
type PortfolioService struct {
	db        *Database
	balances  BalanceReader
	prices    PriceSource
	valuation string
	now       func() time.Time
}

func NewPortfolioService(gormDB *gorm.DB, balances BalanceReader, prices PriceSource, valuationCurrency string) *PortfolioService {
	return &PortfolioService{
		db:        NewDatabase(gormDB),
		balances:  balances,
		prices:    prices,
		valuation: valuationCurrency,
		now:       time.Now,
	}
}

// GetPortfolio returns the user's holdings with their share of the total
// value, open order and trade counts, and 24h performance
func (s *PortfolioService) GetPortfolio(userID string) (*types.Portfolio, error) {
	now := s.now()
	fx := newRates(s.prices.LastPrices())

	p := &types.Portfolio{
		UserID:            userID,
		ValuationCurrency: s.valuation,
		TotalValue:        decimal.Zero,
		Accounts:          []types.PortfolioAccount{},
		UpdatedAt:         now,
	}
	for _, acc := range s.balances.Balances(userID) {
		value, priced := fx.convert(acc.Balance, acc.Currency, s.valuation)
		value = value.Round(valuePrecision)
		p.TotalValue = p.TotalValue.Add(value)
		p.Accounts = append(p.Accounts, types.PortfolioAccount{
			Currency:   acc.Currency,
			Balance:    acc.Balance,
			Available:  acc.Available,
			Locked:     acc.Locked,
			Value:      value,
			Percentage: decimal.Zero,
			Priced:     priced,
		})
	}
	if p.TotalValue.IsPositive() {
		for i := range p.Accounts {
			p.Accounts[i].Percentage = p.Accounts[i].Value.Mul(hundred).DivRound(p.TotalValue, 2)
		}
	}

	var err error
	if p.OpenOrders, err = s.db.CountOpenOrders(userID); err != nil {
		return nil, err
	}
	if p.TotalTrades, err = s.db.CountUserTrades(userID); err != nil {
		return nil, err
	}
	trades, err := s.db.GetUserTradesSince(userID, now.Add(-performanceWindow))
	if err != nil {
		return nil, err
	}
	p.Performance24h = s.performance(userID, trades, fx)
	return p, nil
}

func (s *PortfolioService) performance(userID string, trades []TradeRecord, fx rates) types.PerformanceMetrics {
	m := types.PerformanceMetrics{
		BuyVolume:     decimal.Zero,
		SellVolume:    decimal.Zero,
		TotalFees:     decimal.Zero,
		PnLPercentage: decimal.Zero,
	}
	for i := range trades {
		t := &trades[i]
		_, quote, _ := strings.Cut(t.Symbol, "/")
		notional, ok := fx.convert(t.Price.Mul(t.Quantity), quote, s.valuation)
		if !ok {
			log.Debug().
				Str("component", "portfolio").
				Str("trade_id", t.TradeID).
				Str("quote", quote).
				Msg("no price for trade quote currency, left out of performance")
			continue
		}

		// a self-trade counts on both sides
		for _, side := range []struct {
			user string
			side types.Side
			fee  decimal.Decimal
		}{
			{t.TakerUserID, types.Side(t.TakerSide), t.TakerFee},
			{t.MakerUserID, types.Side(t.TakerSide).Opposite(), t.MakerFee},
		} {
			if side.user != userID {
				continue
			}
			if side.side == types.Buy {
				m.BuyVolume = m.BuyVolume.Add(notional)
			} else {
				m.SellVolume = m.SellVolume.Add(notional)
			}
			fee, _ := fx.convert(side.fee, quote, s.valuation)
			m.TotalFees = m.TotalFees.Add(fee)
		}
	}

	m.BuyVolume = m.BuyVolume.Round(valuePrecision)
	m.SellVolume = m.SellVolume.Round(valuePrecision)
	m.TotalFees = m.TotalFees.Round(valuePrecision)
	m.TotalVolume = m.BuyVolume.Add(m.SellVolume)
	m.PnL = m.SellVolume.Sub(m.BuyVolume).Sub(m.TotalFees)
	if m.BuyVolume.IsPositive() {
		m.PnLPercentage = m.PnL.Mul(hundred).DivRound(m.BuyVolume, 2)
	}
	return m
}

// rates maps a currency to what one unit of it is worth in each currency it
// trades against
type rates map[string]map[string]decimal.Decimal

func newRates(last map[string]decimal.Decimal) rates {
	r := rates{}
	set := func(from, to string, rate decimal.Decimal) {
		if r[from] == nil {
			r[from] = map[string]decimal.Decimal{}
		}
		r[from][to] = rate
	}
	for symbol, price := range last {
		base, quote, ok := strings.Cut(symbol, "/")
		if !ok || !price.IsPositive() {
			continue
		}
		set(base, quote, price)
		set(quote, base, decimal.NewFromInt(1).DivRound(price, ratePrecision))
	}
	return r
}

// convert prices amount of from in to, directly or through one intermediate
// currency. The intermediate is picked in currency code order.
func (r rates) convert(amount decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	if from == to {
		return amount, true
	}
	if rate, ok := r[from][to]; ok {
		return amount.Mul(rate), true
	}
	mids := make([]string, 0, len(r[from]))
	for mid := range r[from] {
		mids = append(mids, mid)
	}
	sort.Strings(mids)
	for _, mid := range mids {
		if second, ok := r[mid][to]; ok {
			return amount.Mul(r[from][mid]).Mul(second), true
		}
	}
	return decimal.Zero, false
}

// PortfolioHandlers serves the portfolio summary
type PortfolioHandlers struct {
	service *PortfolioService
}

func NewPortfolioHandlers(service *PortfolioService) *PortfolioHandlers {
	return &PortfolioHandlers{service: service}
}

// PortfolioHandler returns the authenticated user's portfolio summary
// GET /api/v1/portfolio
func (h *PortfolioHandlers) PortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		portfolio, err := h.service.GetPortfolio(userID)
		response.Handle(c, portfolio, err)
	}
}
