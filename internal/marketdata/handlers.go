package marketdata

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
)

const (
	defaultDepth       = 20
	maxDepth           = 500
	defaultTradesLimit = 50
)

// Exchange is the part of the matching engine the market endpoints read
type Exchange interface {
	Pairs() []types.TradingPair
	OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error)
	SetPairActive(ctx context.Context, symbol string, active bool) error
}

type PairStatusRequest struct {
	Active *bool `json:"is_active" binding:"required"`
}

// GinHandlers contains HTTP handlers for public market endpoints
type GinHandlers struct {
	exchange  Exchange
	publisher *Publisher
}

func NewGinHandlers(exchange Exchange, publisher *Publisher) *GinHandlers {
	return &GinHandlers{
		exchange:  exchange,
		publisher: publisher,
	}
}

func symbolParam(c *gin.Context) string {
	return strings.ToUpper(c.Param("base")) + "/" + strings.ToUpper(c.Param("quote"))
}

func intQuery(c *gin.Context, name string, def, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		response.BadRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return min(n, max), true
}

// MarketsHandler lists every trading pair
func (h *GinHandlers) MarketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.exchange.Pairs())
	}
}

// OrderBookHandler returns aggregated depth. Query parameters: depth (default 20)
func (h *GinHandlers) OrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		depth, ok := intQuery(c, "depth", defaultDepth, maxDepth)
		if !ok {
			return
		}
		book, err := h.exchange.OrderBook(c.Request.Context(), symbolParam(c), depth)
		response.Handle(c, book, err)
	}
}

func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.publisher.Stats(symbolParam(c))
		response.Handle(c, stats, err)
	}
}

// TradesHandler returns recent trades, newest first. Query parameters: limit (default 50)
func (h *GinHandlers) TradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := intQuery(c, "limit", defaultTradesLimit, recentTradesPerSymbol)
		if !ok {
			return
		}
		trades, err := h.publisher.RecentTrades(symbolParam(c), limit)
		response.Handle(c, trades, err)
	}
}

// CandlesHandler returns OHLCV candles. Query parameters: interval (default 1m), limit
func (h *GinHandlers) CandlesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := intQuery(c, "limit", defaultCandleMax, defaultCandleMax)
		if !ok {
			return
		}
		interval := c.DefaultQuery("interval", "1m")
		candles, err := h.publisher.Candles(symbolParam(c), interval, limit)
		if errors.Is(err, ErrInvalidInterval) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, candles, err)
	}
}

// PairStatusHandler halts or resumes trading on a pair. Requires internal auth.
func (h *GinHandlers) PairStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PairStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		symbol := symbolParam(c)
		if err := h.exchange.SetPairActive(c.Request.Context(), symbol, *req.Active); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"symbol": symbol, "is_active": *req.Active})
	}
}
