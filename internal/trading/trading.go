package trading

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
)

const idempotencyTTL = 24 * time.Hour

// Engine is the part of the matching engine order endpoints drive
type Engine interface {
	Submit(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	Cancel(ctx context.Context, userID, orderID string) (*types.Order, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
}

// Service handles order submission and order/trade queries
type Service struct {
	engine Engine
	db     *Database
	keys   keyedMutex
	now    func() time.Time
}

// NewService creates a new trading service backed by the engine and the given database connection
func NewService(engine Engine, gormDB *gorm.DB) *Service {
	return &Service{
		engine: engine,
		db:     NewDatabase(gormDB),
		keys:   keyedMutex{locks: make(map[string]*keyLock)},
		now:    time.Now,
	}
}

// CreateOrder submits an order with optional idempotency support.
// A repeated idempotency key from the same user within 24 hours returns the
// order created by the first request instead of submitting again.
func (s *Service) CreateOrder(ctx context.Context, req types.OrderRequest, idempotencyKey string) (*types.Order, error) {
	if idempotencyKey == "" {
		return s.engine.Submit(ctx, req)
	}

	key := req.UserID + ":" + idempotencyKey
	unlock := s.keys.lock(key)
	defer unlock()

	record, err := s.db.GetIdempotencyRecord(key)
	if err != nil {
		return nil, err
	}
	if record != nil {
		if record.ExpiresAt.After(s.now()) {
			return s.GetOrder(ctx, req.UserID, record.ResourceID)
		}
		if _, err := s.db.DeleteExpiredIdempotencyRecords(s.now()); err != nil {
			return nil, err
		}
	}

	order, err := s.engine.Submit(ctx, req)
	if order == nil {
		return nil, err
	}

	rec := IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      s.now().Add(idempotencyTTL),
	}
	if recErr := s.db.CreateIdempotencyRecord(&rec); recErr != nil {
		log.Error().Err(recErr).
			Str("component", "trading_service").
			Str("order_id", order.OrderID).
			Msg("failed to store idempotency record")
	}
	return order, err
}

// GetOrder returns the live state of an order, falling back to the stored
// copy. Orders of other users are reported as not found.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.engine.GetOrder(ctx, orderID)
	if errors.Is(err, types.ErrNotFound) {
		rec, dbErr := s.db.GetOrder(orderID)
		if dbErr != nil {
			return nil, dbErr
		}
		if rec != nil {
			order, err = rec.Order(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, types.Reject(types.ErrNotFound, "order %s", orderID)
	}
	return order, nil
}

// CancelOrder cancels a live order. An order the engine no longer holds is
// looked up in the store: if it exists it already finished and cannot be
// cancelled.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.engine.Cancel(ctx, userID, orderID)
	if !errors.Is(err, types.ErrNotFound) {
		return order, err
	}
	rec, dbErr := s.db.GetOrder(orderID)
	if dbErr != nil {
		return nil, dbErr
	}
	if rec == nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, types.ErrNotOwner
	}
	return nil, types.Reject(types.ErrNotCancellable, "order %s is %s", orderID, rec.Status)
}

func (s *Service) ListOrders(userID string, filter OrderFilter) ([]*types.Order, error) {
	records, err := s.db.GetUserOrders(userID, filter)
	if err != nil {
		return nil, err
	}
	orders := make([]*types.Order, 0, len(records))
	for i := range records {
		orders = append(orders, records[i].Order())
	}
	return orders, nil
}

func (s *Service) ListTrades(userID, symbol string, limit int) ([]types.Trade, error) {
	records, err := s.db.GetUserTrades(userID, symbol, limit)
	if err != nil {
		return nil, err
	}
	trades := make([]types.Trade, 0, len(records))
	for i := range records {
		trades = append(trades, records[i].Trade())
	}
	return trades, nil
}

// PurgeIdempotency drops expired idempotency records
func (s *Service) PurgeIdempotency() (int64, error) {
	return s.db.DeleteExpiredIdempotencyRecords(s.now())
}

// RunPurge calls PurgeIdempotency on every tick until ctx is cancelled
func (s *Service) RunPurge(ctx context.Context, interval time.Duration) error {
	logger := log.With().Str("component", "idempotency_purge").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PurgeIdempotency()
			if err != nil {
				logger.Error().Err(err).Msg("failed to purge idempotency records")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("purged idempotency records")
			}
		}
	}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes requests sharing an idempotency key
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to create new orders
// Requires a valid JWT token; the Idempotency-Key header is optional
// Request body should contain the order details
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.UserID = userID

		order, err := h.service.CreateOrder(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
		if err != nil && order != nil {
			// admitted, then failed during matching; the order carries its final state
			log.Error().Err(err).Str("component", "trading_service").Str("order_id", order.OrderID).Msg("order failed after admission")
			response.Success(c, order)
			return
		}
		response.Handle(c, order, err)
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// Requires a valid JWT token
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), userID, orderID)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles DELETE requests for open orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), userID, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler returns the user's orders, newest first.
// Query parameters: symbol, status, limit (default 100)
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}
		limit, ok := limitQuery(c)
		if !ok {
			return
		}

		orders, err := h.service.ListOrders(userID, OrderFilter{
			Symbol: c.Query("symbol"),
			Status: c.Query("status"),
			Limit:  limit,
		})
		response.Handle(c, orders, err)
	}
}

// ListTradesHandler returns the user's fills, newest first.
// Query parameters: symbol, limit (default 100)
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}
		limit, ok := limitQuery(c)
		if !ok {
			return
		}

		trades, err := h.service.ListTrades(userID, c.Query("symbol"), limit)
		response.Handle(c, trades, err)
	}
}

func limitQuery(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		response.BadRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}
