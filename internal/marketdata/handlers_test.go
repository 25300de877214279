package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-exchange/internal/types"
)

type fakeExchange struct {
	depth  int
	active map[string]bool
}

func (f *fakeExchange) Pairs() []types.TradingPair {
	return []types.TradingPair{{ID: symbol, Symbol: symbol, BaseCurrency: "BTC", QuoteCurrency: "USD", Active: true}}
}

func (f *fakeExchange) OrderBook(ctx context.Context, sym string, depth int) (*types.OrderBookSnapshot, error) {
	if sym != symbol {
		return nil, types.Reject(types.ErrInvalidTradingPair, "unknown pair %q", sym)
	}
	f.depth = depth
	return &types.OrderBookSnapshot{Symbol: sym, Sequence: 7, Bids: []types.BookLevel{}, Asks: []types.BookLevel{}}, nil
}

func (f *fakeExchange) SetPairActive(ctx context.Context, sym string, active bool) error {
	if sym != symbol {
		return types.Reject(types.ErrInvalidTradingPair, "unknown pair %q", sym)
	}
	f.active[sym] = active
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func setupRouter(t *testing.T) (*gin.Engine, *fakeExchange, *Publisher, *clock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ex := &fakeExchange{active: map[string]bool{}}
	p, clk := newTestPublisher(t)
	h := NewGinHandlers(ex, p)

	r := gin.New()
	r.GET("/markets", h.MarketsHandler())
	r.GET("/markets/:base/:quote/orderbook", h.OrderBookHandler())
	r.GET("/markets/:base/:quote/stats", h.StatsHandler())
	r.GET("/markets/:base/:quote/trades", h.TradesHandler())
	r.GET("/markets/:base/:quote/candles", h.CandlesHandler())
	r.PUT("/markets/:base/:quote/status", h.PairStatusHandler())
	return r, ex, p, clk
}

func do(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestMarketHandlers(t *testing.T) {
	r, ex, p, clk := setupRouter(t)
	p.HandleEvent(trade("100", "1", clk.Now()))
	p.HandleEvent(trade("105", "2", clk.Now()))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "markets", method: http.MethodGet, path: "/markets", status: http.StatusOK},
		{name: "orderbook", method: http.MethodGet, path: "/markets/btc/usd/orderbook?depth=5", status: http.StatusOK},
		{name: "orderbook bad depth", method: http.MethodGet, path: "/markets/BTC/USD/orderbook?depth=x", status: http.StatusBadRequest},
		{name: "orderbook unknown pair", method: http.MethodGet, path: "/markets/DOGE/USD/orderbook", status: http.StatusUnprocessableEntity, code: types.CodeInvalidTradingPair},
		{name: "stats", method: http.MethodGet, path: "/markets/BTC/USD/stats", status: http.StatusOK},
		{name: "trades", method: http.MethodGet, path: "/markets/BTC/USD/trades?limit=1", status: http.StatusOK},
		{name: "candles", method: http.MethodGet, path: "/markets/BTC/USD/candles?interval=1h", status: http.StatusOK},
		{name: "candles bad interval", method: http.MethodGet, path: "/markets/BTC/USD/candles?interval=7m", status: http.StatusBadRequest},
		{name: "halt pair", method: http.MethodPut, path: "/markets/BTC/USD/status", body: `{"is_active":false}`, status: http.StatusOK},
		{name: "status missing field", method: http.MethodPut, path: "/markets/BTC/USD/status", body: `{}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(r, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.code != "" && (env.Error == nil || env.Error.Code != tt.code) {
				t.Errorf("error = %+v, want code %s", env.Error, tt.code)
			}
		})
	}

	if ex.depth != 5 {
		t.Errorf("orderbook depth passed = %d, want 5", ex.depth)
	}
	if active, ok := ex.active[symbol]; !ok || active {
		t.Errorf("pair active = %v (set %v), want false", active, ok)
	}
}

func TestTradesHandlerBody(t *testing.T) {
	r, _, p, clk := setupRouter(t)
	p.HandleEvent(trade("100", "1", clk.Now()))
	p.HandleEvent(trade("105", "2", clk.Now()))

	_, env := do(r, http.MethodGet, "/markets/BTC/USD/trades?limit=1", "")
	var trades []types.Trade
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(trades) != 1 || !trades[0].Price.Equal(d("105")) {
		t.Errorf("trades = %+v, want the 105 trade only", trades)
	}
}
