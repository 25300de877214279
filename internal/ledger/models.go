package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	EntryReserve      = "RESERVE"
	EntryRelease      = "RELEASE"
	EntrySettleDebit  = "SETTLE_DEBIT"
	EntrySettleCredit = "SETTLE_CREDIT"
	EntryFee          = "FEE"
	EntryDeposit      = "DEPOSIT"
	EntryWithdrawal   = "WITHDRAWAL"
)

// Entry is one journal line: the change applied to an account's available
// and locked fields by a single ledger operation
type Entry struct {
	gorm.Model     `json:"-"`
	EntryID        string          `gorm:"uniqueIndex" json:"entry_id"`
	UserID         string          `gorm:"index:idx_entries_account" json:"user_id"`
	Currency       string          `gorm:"index:idx_entries_account" json:"currency"`
	Kind           string          `json:"kind"`
	AvailableDelta decimal.Decimal `gorm:"type:text" json:"available_delta"`
	LockedDelta    decimal.Decimal `gorm:"type:text" json:"locked_delta"`
	Reference      string          `gorm:"index" json:"reference"` // order, trade or transfer id
	CreatedAt      time.Time       `json:"created_at"`
}

// ExternalTransfer records a deposit or withdrawal by its upstream reference
type ExternalTransfer struct {
	gorm.Model `json:"-"`
	Reference  string          `gorm:"uniqueIndex" json:"reference"`
	Kind       string          `json:"kind"`
	UserID     string          `gorm:"index" json:"user_id"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `gorm:"type:text" json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

type TransferRequest struct {
	Reference string          `json:"reference" binding:"required"`
	UserID    string          `json:"user_id" binding:"required"`
	Currency  string          `json:"currency" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

type TransferResponse struct {
	Reference string          `json:"reference"`
	Kind      string          `json:"kind"`
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Applied   bool            `json:"applied"` // false when the reference was already processed
	CreatedAt time.Time       `json:"created_at"`
}
