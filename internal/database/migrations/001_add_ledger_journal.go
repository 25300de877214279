package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-exchange/internal/ledger"
)

// AddLedgerJournal creates the journal and external transfer tables
func AddLedgerJournal(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.Entry{}, &ledger.ExternalTransfer{}); err != nil {
		return err
	}

	indexes := []string{
		// Entries by kind for fee and settlement reconciliation
		`CREATE INDEX IF NOT EXISTS idx_entries_kind
		 ON entries(kind, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_external_transfers_user_created
		 ON external_transfers(user_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
