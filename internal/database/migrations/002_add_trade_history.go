package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-exchange/internal/trading"
)

// AddTradeHistory creates the order, trade and idempotency tables and the
// indexes behind the user listing queries
func AddTradeHistory(db *gorm.DB) error {
	if err := db.AutoMigrate(&trading.OrderRecord{}, &trading.TradeRecord{}, &trading.IdempotencyRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Listing a user's orders newest first
		`CREATE INDEX IF NOT EXISTS idx_order_records_user_sequence
		 ON order_records(user_id, sequence)`,

		`CREATE INDEX IF NOT EXISTS idx_trade_records_symbol_created_at
		 ON trade_records(symbol, created_at)`,

		// Expired idempotency keys are purged by time
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
