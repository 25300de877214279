package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/types"
)

const (
	minOrders            = 40
	maxOrders            = 400
	defaultServerAddress = "http://localhost:8080"
	cancelRatio          = 0.15
	marketRatio          = 0.2
	orderPause           = 300 * time.Millisecond
)

type market struct {
	symbol string
	path   string // base/quote as used in market URLs
	mid    decimal.Decimal
	qty    decimal.Decimal // typical order size
	places int32
}

var (
	markets = []market{
		{symbol: "BTC/USD", path: "BTC/USD", mid: decimal.NewFromInt(60000), qty: decimal.RequireFromString("0.05"), places: 2},
		{symbol: "ETH/USD", path: "ETH/USD", mid: decimal.NewFromInt(3000), qty: decimal.RequireFromString("0.5"), places: 2},
		{symbol: "ETH/BTC", path: "ETH/BTC", mid: decimal.RequireFromString("0.05"), qty: decimal.RequireFromString("0.5"), places: 6},
	}
	sides = []types.Side{types.Buy, types.Sell}

	traders = []auth.Credentials{
		{APIKey: "test-api-key", APISecret: "test-api-secret"},
		{APIKey: "test-api-key-2", APISecret: "test-api-secret-2"},
		{APIKey: "test-api-key-3", APISecret: "test-api-secret-3"},
		{APIKey: "test-api-key-4", APISecret: "test-api-secret-4"},
	}
	ops = auth.Credentials{APIKey: "ops-api-key", APISecret: "ops-api-secret"}

	funding = map[string]string{"BTC": "50", "ETH": "500", "USD": "5000000"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError is a non-2xx response
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.status, e.code, e.msg)
}

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL string
	client  *http.Client
	mu      sync.Mutex
	stats   map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"deposit":   {name: "Deposit"},
			"create":    {name: "Create Order"},
			"cancel":    {name: "Cancel Order"},
			"get":       {name: "Get Order"},
			"orderbook": {name: "Order Book"},
			"stats":     {name: "Market Stats"},
			"balances":  {name: "Balances"},
		},
	}
}

// do sends a JSON request and decodes the envelope's data into out
func (sc *simulationClient) do(route, method, path, token string, in, out any, headers ...string) error {
	start := time.Now()
	var failed bool
	defer func() {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		rs := sc.stats[route]
		rs.addDuration(time.Since(start))
		if failed {
			rs.failures++
		}
	}()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			failed = true
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		failed = true
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		failed = true
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		failed = resp.StatusCode >= 500
		e := &apiError{status: resp.StatusCode}
		if env.Error != nil {
			e.code, e.msg = env.Error.Code, env.Error.Message
		}
		return e
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// authenticate exchanges API credentials for a JWT token
func (sc *simulationClient) authenticate(creds auth.Credentials) (string, error) {
	var token auth.TokenResponse
	if err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", "", creds, &token); err != nil {
		return "", err
	}
	return token.Token, nil
}

func (sc *simulationClient) deposit(opsToken, userID, currency, amount string) error {
	req := ledger.TransferRequest{
		Reference: "sim-" + uuid.New().String(),
		UserID:    userID,
		Currency:  currency,
		Amount:    decimal.RequireFromString(amount),
	}
	return sc.do("deposit", http.MethodPost, "/api/v1/internal/deposits", opsToken, req, nil)
}

func (sc *simulationClient) createOrder(token string, req types.OrderRequest) (*types.Order, error) {
	var order types.Order
	err := sc.do("create", http.MethodPost, "/api/v1/orders", token, req, &order, "Idempotency-Key", uuid.New().String())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) cancelOrder(token, orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("cancel", http.MethodDelete, "/api/v1/orders/"+orderID, token, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) getOrder(token, orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("get", http.MethodGet, "/api/v1/orders/"+orderID, token, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) orderBook(m market) (*types.OrderBookSnapshot, error) {
	var book types.OrderBookSnapshot
	if err := sc.do("orderbook", http.MethodGet, "/api/v1/markets/"+m.path+"/orderbook?depth=5", "", nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (sc *simulationClient) marketStats(m market) (*types.MarketStats, error) {
	var stats types.MarketStats
	if err := sc.do("stats", http.MethodGet, "/api/v1/markets/"+m.path+"/stats", "", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (sc *simulationClient) balances(token string) ([]types.Account, error) {
	var accounts []types.Account
	if err := sc.do("balances", http.MethodGet, "/api/v1/accounts", token, nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// printPerformanceStats prints a formatted table of API endpoint performance metrics
func (sc *simulationClient) printPerformanceStats() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Route", "Calls", "Failures", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// summary counts outcomes across workers
type summary struct {
	mu        sync.Mutex
	submitted int
	rejected  map[string]int
	statuses  map[types.OrderStatus]int
	cancelled int
	symbols   map[string]int
}

func (s *summary) order(o *types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted++
	s.statuses[o.Status]++
	s.symbols[o.Symbol]++
}

func (s *summary) reject(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := "TRANSPORT"
	if e, ok := err.(*apiError); ok {
		code = e.code
	}
	s.rejected[code]++
}

func (s *summary) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled++
}

// randomOrder builds a limit order around the mid price or a small market order
func randomOrder(rng *rand.Rand) types.OrderRequest {
	m := markets[rng.Intn(len(markets))]
	side := sides[rng.Intn(len(sides))]
	qty := m.qty.Mul(decimal.NewFromFloat(0.2 + rng.Float64()*1.8)).Round(3)

	req := types.OrderRequest{
		Symbol:    m.symbol,
		Side:      side,
		OrderType: types.Limit,
		Quantity:  qty,
	}
	if rng.Float64() < marketRatio {
		req.OrderType = types.Market
		req.TimeInForce = types.IOC
		return req
	}

	// buyers bid up to 1% above mid, sellers ask down to 1% below, so books cross
	skew := decimal.NewFromFloat(rng.Float64()*0.03 - 0.02)
	if side == types.Sell {
		skew = skew.Neg()
	}
	price := m.mid.Mul(decimal.NewFromInt(1).Add(skew)).Round(m.places)
	req.Price = &price
	return req
}

// trade submits numOrders random orders for one trader and cancels some of
// the ones left resting
func trade(workerID int, token string, numOrders int, sc *simulationClient, sum *summary) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	var resting []string

	for i := 0; i < numOrders; i++ {
		req := randomOrder(rng)
		order, err := sc.createOrder(token, req)
		if e, ok := err.(*apiError); ok && e.status == http.StatusTooManyRequests {
			time.Sleep(time.Second)
			order, err = sc.createOrder(token, req)
		}
		if err != nil {
			sum.reject(err)
			log.Debug().Err(err).Int("worker_id", workerID).Str("symbol", req.Symbol).Msg("Order rejected")
			continue
		}
		sum.order(order)
		if order.Status.Cancellable() {
			resting = append(resting, order.OrderID)
		}

		log.Info().
			Int("worker_id", workerID).
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Str("type", string(order.OrderType)).
			Str("quantity", order.Quantity.String()).
			Str("filled", order.Filled.String()).
			Str("status", string(order.Status)).
			Msg("Order submitted")

		if len(resting) > 0 && rng.Float64() < cancelRatio {
			idx := rng.Intn(len(resting))
			id := resting[idx]
			resting = append(resting[:idx], resting[idx+1:]...)
			if _, err := sc.cancelOrder(token, id); err == nil {
				sum.cancel()
			} else if e, ok := err.(*apiError); !ok || e.code != types.CodeNotCancellable {
				log.Error().Err(err).Str("order_id", id).Msg("Failed to cancel order")
			}
		}

		// order routes are limited per client IP, shared by all workers
		time.Sleep(orderPause + time.Duration(rng.Intn(300))*time.Millisecond)
	}

	// final state of whatever is still resting
	for _, id := range resting {
		if o, err := sc.getOrder(token, id); err == nil {
			log.Debug().Str("order_id", id).Str("status", string(o.Status)).Msg("Resting order")
		}
	}
}

// main runs the trading simulation against a running exchange server
func main() {
	baseURL := os.Getenv("SERVER_ADDRESS")
	if baseURL == "" {
		baseURL = defaultServerAddress
	}
	sc := newSimulationClient(baseURL)

	opsToken, err := sc.authenticate(ops)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate operator")
	}

	tokens := make([]string, len(traders))
	for i, creds := range traders {
		token, err := sc.authenticate(creds)
		if err != nil {
			log.Fatal().Err(err).Str("api_key", creds.APIKey).Msg("Failed to authenticate trader")
		}
		tokens[i] = token

		for currency, amount := range funding {
			userID := fmt.Sprintf("trader-%d", i+1)
			if err := sc.deposit(opsToken, userID, currency, amount); err != nil {
				log.Fatal().Err(err).Str("user_id", userID).Str("currency", currency).Msg("Failed to fund trader")
			}
		}
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Int("traders", len(tokens)).Msg("Starting simulation")

	sum := &summary{
		rejected: make(map[string]int),
		statuses: make(map[types.OrderStatus]int),
		symbols:  make(map[string]int),
	}
	start := time.Now()

	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(workerID int, token string) {
			defer wg.Done()
			trade(workerID, token, targetOrders/len(tokens), sc, sum)
		}(i, token)
	}
	wg.Wait()
	duration := time.Since(start)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXCHANGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("\nSubmitted:  %d\nCancelled:  %d\nDuration:   %v\n", sum.submitted, sum.cancelled, duration.Round(time.Millisecond))

	fmt.Println("\nStatus after submission")
	fmt.Println("-----------------------")
	for status, count := range sum.statuses {
		fmt.Printf("%-18s %d\n", status, count)
	}
	if len(sum.rejected) > 0 {
		fmt.Println("\nRejections")
		fmt.Println("----------")
		for code, count := range sum.rejected {
			fmt.Printf("%-22s %d\n", code, count)
		}
	}

	fmt.Println("\nMarkets")
	fmt.Println("-------")
	for _, m := range markets {
		book, err := sc.orderBook(m)
		if err != nil {
			log.Error().Err(err).Str("symbol", m.symbol).Msg("Failed to fetch order book")
			continue
		}
		stats, err := sc.marketStats(m)
		if err != nil {
			log.Error().Err(err).Str("symbol", m.symbol).Msg("Failed to fetch stats")
			continue
		}
		fmt.Printf("%-8s orders=%-4d last=%-12s vol24h=%-12s bids=%d asks=%d seq=%d\n",
			m.symbol, sum.symbols[m.symbol], stats.LastPrice, stats.Volume24h,
			len(book.Bids), len(book.Asks), book.Sequence)
	}

	fmt.Println("\nBalances")
	fmt.Println("--------")
	for i, token := range tokens {
		accounts, err := sc.balances(token)
		if err != nil {
			log.Error().Err(err).Int("trader", i+1).Msg("Failed to fetch balances")
			continue
		}
		parts := make([]string, 0, len(accounts))
		for _, acc := range accounts {
			parts = append(parts, fmt.Sprintf("%s %s (locked %s)", acc.Currency, acc.Balance, acc.Locked))
		}
		fmt.Printf("trader-%d: %s\n", i+1, strings.Join(parts, ", "))
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("submitted", sum.submitted).
		Int("cancelled", sum.cancelled).
		Dur("duration", duration).
		Msg("Simulation completed")

	sc.printPerformanceStats()
}
