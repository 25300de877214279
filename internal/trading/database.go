package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-exchange/internal/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// UpsertOrder stores the latest state of an order
func (d *Database) UpsertOrder(order *OrderRecord) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"filled", "remaining", "status", "sequence", "updated_at",
		}),
	}).Create(order).Error
}

func (d *Database) CreateTrade(trade *TradeRecord) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(trade).Error
}

func (d *Database) GetOrder(orderID string) (*OrderRecord, error) {
	var order OrderRecord
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetUserOrders(userID string, filter OrderFilter) ([]OrderRecord, error) {
	var orders []OrderRecord
	q := d.db.Where("user_id = ?", userID)
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if err := q.Order("sequence DESC").Limit(clampLimit(filter.Limit)).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetUserTrades returns trades where the user was maker or taker, newest first
func (d *Database) GetUserTrades(userID, symbol string, limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	q := d.db.Where("(maker_user_id = ? OR taker_user_id = ?)", userID, userID)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Order("id DESC").Limit(clampLimit(limit)).Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// CountOpenOrders counts the user's orders still working on the book or
// waiting for a stop trigger
func (d *Database) CountOpenOrders(userID string) (int64, error) {
	var n int64
	err := d.db.Model(&OrderRecord{}).
		Where("user_id = ? AND status IN ?", userID, []string{string(types.StatusOpen), string(types.StatusPartiallyFilled)}).
		Count(&n).Error
	return n, err
}

// CountUserTrades counts trades the user took part in on either side
func (d *Database) CountUserTrades(userID string) (int64, error) {
	var n int64
	err := d.db.Model(&TradeRecord{}).
		Where("maker_user_id = ? OR taker_user_id = ?", userID, userID).
		Count(&n).Error
	return n, err
}

// GetUserTradesSince returns every trade of the user at or after since
func (d *Database) GetUserTradesSince(userID string, since time.Time) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Where("(maker_user_id = ? OR taker_user_id = ?) AND created_at >= ?", userID, userID, since).
		Order("id ASC").
		Find(&trades).Error
	return trades, err
}

func (d *Database) CreateIdempotencyRecord(record *IdempotencyRecord) error {
	return d.db.Create(record).Error
}

// GetIdempotencyRecord retrieves an idempotency record by key; nil when absent
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// DeleteExpiredIdempotencyRecords removes records that expired before now
func (d *Database) DeleteExpiredIdempotencyRecords(now time.Time) (int64, error) {
	res := d.db.Unscoped().Where("expires_at <= ?", now).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}
