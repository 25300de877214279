package ledger

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
)

const (
	defaultEntriesLimit = 100
	maxEntriesLimit     = 1000
)

// GinHandlers contains HTTP handlers for balance and transfer endpoints
type GinHandlers struct {
	ledger *Ledger
	db     *Database
}

func NewGinHandlers(ledger *Ledger, db *Database) *GinHandlers {
	return &GinHandlers{
		ledger: ledger,
		db:     db,
	}
}

// BalancesHandler returns every account of the authenticated user
func (h *GinHandlers) BalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		response.Success(c, h.ledger.Balances(userID))
	}
}

// EntriesHandler returns the most recent journal lines of the authenticated user.
// Query parameters: currency (optional), limit (default 100)
func (h *GinHandlers) EntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		limit := defaultEntriesLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = min(n, maxEntriesLimit)
		}

		entries, err := h.db.GetUserEntries(userID, c.Query("currency"), limit)
		response.Handle(c, entries, err)
	}
}

// DepositHandler credits an externally confirmed deposit. Requires internal auth.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return h.transferHandler(h.ledger.Credit)
}

// WithdrawalHandler debits an externally requested withdrawal. Requires internal auth.
func (h *GinHandlers) WithdrawalHandler() gin.HandlerFunc {
	return h.transferHandler(h.ledger.Debit)
}

type transferFunc func(ref, user, currency string, amount decimal.Decimal) (types.Transfer, bool, error)

func (h *GinHandlers) transferHandler(apply transferFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		t, applied, err := apply(req.Reference, req.UserID, req.Currency, req.Amount)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, TransferResponse{
			Reference: t.Reference,
			Kind:      string(t.Kind),
			UserID:    t.UserID,
			Currency:  t.Currency,
			Amount:    t.Amount,
			Applied:   applied,
			CreatedAt: t.CreatedAt,
		})
	}
}
