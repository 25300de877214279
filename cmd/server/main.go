package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/config"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/ledger"
	"github.com/ksred/klear-exchange/internal/marketdata"
	"github.com/ksred/klear-exchange/internal/matching"
	"github.com/ksred/klear-exchange/internal/trading"
	"github.com/ksred/klear-exchange/pkg/middleware"
)

const idempotencyPurgeInterval = time.Hour

// setupLogging configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the ledger, matching engine, market data and HTTP surface and
// runs them until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)

	db, err := database.NewDatabase(cfg.DatabasePath, cfg.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger with its async journal
	ledgerDB := ledger.NewDatabase(db)
	journal := ledger.NewJournalWriter(ledgerDB)
	accounts := ledger.New(cfg.FeeAccount, ledger.WithJournal(journal))

	// Matching engine
	precisions := make(map[string]int32, len(cfg.Markets.Currencies))
	for _, c := range cfg.Markets.Currencies {
		precisions[c.Code] = c.Precision
	}
	pairs := cfg.Markets.TradingPairs()
	engine := matching.New(accounts, pairs, matching.Config{
		QueueSize:         cfg.QueueSize,
		StopSlippage:      cfg.StopSlippage,
		Currencies:        precisions,
		TerminalRetention: cfg.OrderRetention,
	})

	// Market data fan-out
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		symbols = append(symbols, p.Symbol)
	}
	publisher := marketdata.NewPublisher(symbols, accounts)
	hub := marketdata.NewHub(publisher, cfg.JWTSecret)

	var relay *marketdata.RedisRelay
	if cfg.RedisAddr != "" {
		relay, err = marketdata.NewRedisRelay(ctx, cfg.RedisAddr, "exchange:")
		if err != nil {
			zlog.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to redis")
		}
		publisher.AddTap(relay.Enqueue)
	}

	// Order and trade history
	tradingService := trading.NewService(engine, db)
	recorder := trading.NewRecorder(trading.NewDatabase(db))
	portfolioService := trading.NewPortfolioService(db, accounts, publisher, cfg.ValuationCurrency)

	engine.AddHandler(publisher)
	engine.AddHandler(recorder)
	accounts.AddHandler(publisher)

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	for _, c := range cfg.Markets.Credentials {
		authService.RegisterAPICredentials(c.APIKey, c.APISecret, c.UserID, c.Permissions...)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg.JWTSecret, handlers{
		auth:       authHandlers,
		trading:    trading.NewGinHandlers(tradingService),
		portfolio:  trading.NewPortfolioHandlers(portfolioService),
		ledger:     ledger.NewGinHandlers(accounts, ledgerDB),
		marketdata: marketdata.NewGinHandlers(engine, publisher),
		hub:        hub,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The journal and recorder stop only after the engine and the HTTP server
	// have, so their drain sees every event those produced.
	writersCtx, stopWriters := context.WithCancel(context.Background())
	defer stopWriters()
	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		producers.Wait()
		stopWriters()
	}()

	g.Go(func() error {
		defer producers.Done()
		return engine.Run(gctx)
	})
	g.Go(func() error {
		journal.Run(writersCtx)
		return nil
	})
	g.Go(func() error { return recorder.Run(writersCtx) })
	g.Go(func() error { return matching.NewProcessor(engine, cfg.ExpirySweepInterval).Start(gctx) })
	g.Go(func() error { return publisher.RunHeartbeat(gctx, cfg.HeartbeatInterval) })
	g.Go(func() error { return tradingService.RunPurge(gctx, idempotencyPurgeInterval) })
	g.Go(func() error { return hub.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	g.Go(func() error {
		zlog.Info().Str("port", cfg.Port).Int("pairs", len(pairs)).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer producers.Done()
		<-gctx.Done()
		zlog.Info().Msg("Shutting down server...")

		// Give outstanding requests 5 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Fatal().Err(err).Msg("Server stopped with error")
	}
	zlog.Info().Int64("journal_dropped", journal.Dropped()).Msg("Server exiting")
}

type handlers struct {
	auth       *auth.GinHandlers
	trading    *trading.GinHandlers
	portfolio  *trading.PortfolioHandlers
	ledger     *ledger.GinHandlers
	marketdata *marketdata.GinHandlers
	hub        *marketdata.Hub
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth and market routes: public
// - Order and account routes: protected by JWT authentication
// - Internal routes: require a token with the internal permission
func setupRoutes(router *gin.Engine, secret string, h handlers) {
	router.GET("/ws", h.hub.HandleWS())

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		// Market data routes
		markets := v1.Group("/markets")
		{
			markets.GET("", h.marketdata.MarketsHandler())
			markets.GET("/:base/:quote/orderbook", h.marketdata.OrderBookHandler())
			markets.GET("/:base/:quote/stats", h.marketdata.StatsHandler())
			markets.GET("/:base/:quote/trades", h.marketdata.TradesHandler())
			markets.GET("/:base/:quote/candles", h.marketdata.CandlesHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(secret))
		{
			orders.POST("", h.trading.CreateOrderHandler())
			orders.GET("", h.trading.ListOrdersHandler())
			orders.GET("/:order_id", h.trading.GetOrderStatusHandler())
			orders.DELETE("/:order_id", h.trading.CancelOrderHandler())
		}

		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth(secret))
		{
			trades.GET("", h.trading.ListTradesHandler())
		}

		accounts := v1.Group("/accounts")
		accounts.Use(middleware.JWTAuth(secret))
		{
			accounts.GET("", h.ledger.BalancesHandler())
			accounts.GET("/entries", h.ledger.EntriesHandler())
		}

		portfolio := v1.Group("/portfolio")
		portfolio.Use(middleware.JWTAuth(secret))
		{
			portfolio.GET("", h.portfolio.PortfolioHandler())
		}

		// Internal routes (deposit/withdrawal collaborators and operators)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(secret))
		{
			internal.POST("/deposits", h.ledger.DepositHandler())
			internal.POST("/withdrawals", h.ledger.WithdrawalHandler())
			internal.PUT("/markets/:base/:quote/status", h.marketdata.PairStatusHandler())
		}
	}
}
