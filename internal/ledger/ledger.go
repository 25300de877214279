// Package ledger holds per-user, per-currency balances split into available
// and locked funds. Every operation is atomic; settlement touching several
// accounts takes their locks in a fixed order. BalanceChanged events are
// emitted after the locks are released, so receivers may see them out of
// order and should compare Account.Version.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exchange/internal/types"
)

// Journal receives the audit trail of every mutation. Implementations may
// block briefly but must not fail.
type Journal interface {
	Append(entries ...Entry)
	RecordTransfer(t types.Transfer)
}

type accountKey struct {
	user     string
	currency string
}

func (k accountKey) less(o accountKey) bool {
	if k.user != o.user {
		return k.user < o.user
	}
	return k.currency < o.currency
}

type account struct {
	mu        sync.Mutex
	key       accountKey
	available decimal.Decimal
	locked    decimal.Decimal
	version   uint64
	updatedAt time.Time
}

func (a *account) snapshot() types.Account {
	return types.Account{
		UserID:    a.key.user,
		Currency:  a.key.currency,
		Balance:   a.available.Add(a.locked),
		Available: a.available,
		Locked:    a.locked,
		Version:   a.version,
		UpdatedAt: a.updatedAt,
	}
}

// touch marks a change; callers hold a.mu
func (a *account) touch(now time.Time) {
	a.version++
	a.updatedAt = now
}

// Settlement describes the balance movements of one trade. Fees are in the
// quote currency: the buyer pays notional plus BuyerFee out of locked quote,
// the seller receives notional minus SellerFee.
type Settlement struct {
	Reference     string
	Buyer         string
	Seller        string
	BaseCurrency  string
	QuoteCurrency string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	BuyerFee      decimal.Decimal
	SellerFee     decimal.Decimal
}

func (s Settlement) Notional() decimal.Decimal { return s.Quantity.Mul(s.Price) }

type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]map[string]*account

	transferMu sync.Mutex
	transfers  map[string]types.Transfer

	feeUser  string
	journal  Journal
	handlers []types.EventHandler
	now      func() time.Time
}

type Option func(*Ledger)

func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger whose collected fees accrue to feeUser
func New(feeUser string, opts ...Option) *Ledger {
	l := &Ledger{
		accounts:  make(map[string]map[string]*account),
		transfers: make(map[string]types.Transfer),
		feeUser:   feeUser,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddHandler registers a receiver of BalanceChanged events. Register
// handlers before the ledger is shared between goroutines.
func (l *Ledger) AddHandler(h types.EventHandler) {
	l.handlers = append(l.handlers, h)
}

func (l *Ledger) FeeUser() string { return l.feeUser }

func (l *Ledger) lookup(user, currency string) *account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[user][currency]
}

// account returns the account, creating it on first use
func (l *Ledger) account(user, currency string) *account {
	if acc := l.lookup(user, currency); acc != nil {
		return acc
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	byCurrency, ok := l.accounts[user]
	if !ok {
		byCurrency = make(map[string]*account)
		l.accounts[user] = byCurrency
	}
	acc, ok := byCurrency[currency]
	if !ok {
		acc = &account{
			key:       accountKey{user: user, currency: currency},
			available: decimal.Zero,
			locked:    decimal.Zero,
			updatedAt: l.now(),
		}
		byCurrency[currency] = acc
	}
	return acc
}

// Reserve moves amount from available to locked
func (l *Ledger) Reserve(user, currency string, amount decimal.Decimal, ref string) error {
	if amount.IsNegative() {
		return types.Reject(types.ErrInvalidAmount, "negative reservation %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	acc := l.account(user, currency)
	acc.mu.Lock()
	if acc.available.LessThan(amount) {
		available := acc.available
		acc.mu.Unlock()
		return types.Reject(types.ErrInsufficientFunds, "%s available %s, need %s", currency, available, amount)
	}
	acc.available = acc.available.Sub(amount)
	acc.locked = acc.locked.Add(amount)
	acc.touch(l.now())
	snap := acc.snapshot()
	acc.mu.Unlock()

	l.record(snap, EntryReserve, amount.Neg(), amount, ref)
	return nil
}

// Release moves amount from locked back to available. Releasing more than is
// locked means a reservation was lost upstream.
func (l *Ledger) Release(user, currency string, amount decimal.Decimal, ref string) error {
	if amount.IsNegative() {
		return types.Reject(types.ErrInvalidAmount, "negative release %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	acc := l.account(user, currency)
	acc.mu.Lock()
	if acc.locked.LessThan(amount) {
		locked := acc.locked
		acc.mu.Unlock()
		log.Error().
			Str("component", "ledger").
			Str("user_id", user).
			Str("currency", currency).
			Str("locked", locked.String()).
			Str("amount", amount.String()).
			Str("reference", ref).
			Msg("release exceeds locked balance")
		return types.Reject(types.ErrInvariantViolation, "release %s exceeds locked %s %s", amount, locked, currency)
	}
	acc.locked = acc.locked.Sub(amount)
	acc.available = acc.available.Add(amount)
	acc.touch(l.now())
	snap := acc.snapshot()
	acc.mu.Unlock()

	l.record(snap, EntryRelease, amount, amount.Neg(), ref)
	return nil
}

// Settle applies a trade to both parties and the fee account. Either every
// movement is applied or none is.
func (l *Ledger) Settle(s Settlement) error {
	if !s.Quantity.IsPositive() || !s.Price.IsPositive() || s.BuyerFee.IsNegative() || s.SellerFee.IsNegative() {
		return types.Reject(types.ErrInvalidAmount, "settlement %s has non-positive amounts", s.Reference)
	}

	notional := s.Notional()
	buyerDebit := notional.Add(s.BuyerFee)
	sellerCredit := notional.Sub(s.SellerFee)
	feeTotal := s.BuyerFee.Add(s.SellerFee)

	sellerBase := l.account(s.Seller, s.BaseCurrency)
	buyerBase := l.account(s.Buyer, s.BaseCurrency)
	buyerQuote := l.account(s.Buyer, s.QuoteCurrency)
	sellerQuote := l.account(s.Seller, s.QuoteCurrency)
	feeQuote := l.account(l.feeUser, s.QuoteCurrency)

	unlock := lockAll(sellerBase, buyerBase, buyerQuote, sellerQuote, feeQuote)

	if sellerBase.locked.LessThan(s.Quantity) || buyerQuote.locked.LessThan(buyerDebit) || sellerCredit.IsNegative() {
		sellerLocked, buyerLocked := sellerBase.locked, buyerQuote.locked
		unlock()
		log.Error().
			Str("component", "ledger").
			Str("reference", s.Reference).
			Str("seller_locked_base", sellerLocked.String()).
			Str("quantity", s.Quantity.String()).
			Str("buyer_locked_quote", buyerLocked.String()).
			Str("buyer_debit", buyerDebit.String()).
			Msg("settlement would overdraw locked funds")
		return types.Reject(types.ErrInvariantViolation, "settlement %s would overdraw locked funds", s.Reference)
	}

	now := l.now()
	sellerBase.locked = sellerBase.locked.Sub(s.Quantity)
	buyerBase.available = buyerBase.available.Add(s.Quantity)
	buyerQuote.locked = buyerQuote.locked.Sub(buyerDebit)
	sellerQuote.available = sellerQuote.available.Add(sellerCredit)
	feeQuote.available = feeQuote.available.Add(feeTotal)
	snaps := map[accountKey]types.Account{}
	for _, acc := range []*account{sellerBase, buyerBase, buyerQuote, sellerQuote, feeQuote} {
		if _, ok := snaps[acc.key]; !ok {
			acc.touch(now)
			snaps[acc.key] = acc.snapshot()
		}
	}
	unlock()

	l.appendJournal(
		l.entry(s.Seller, s.BaseCurrency, EntrySettleDebit, decimal.Zero, s.Quantity.Neg(), s.Reference),
		l.entry(s.Buyer, s.BaseCurrency, EntrySettleCredit, s.Quantity, decimal.Zero, s.Reference),
		l.entry(s.Buyer, s.QuoteCurrency, EntrySettleDebit, decimal.Zero, buyerDebit.Neg(), s.Reference),
		l.entry(s.Seller, s.QuoteCurrency, EntrySettleCredit, sellerCredit, decimal.Zero, s.Reference),
		l.entry(l.feeUser, s.QuoteCurrency, EntryFee, feeTotal, decimal.Zero, s.Reference),
	)
	for _, snap := range snaps {
		l.notify(snap)
	}
	return nil
}

// lockAll locks the distinct accounts in key order and returns the unlock func
func lockAll(accs ...*account) func() {
	distinct := make([]*account, 0, len(accs))
	seen := make(map[*account]bool, len(accs))
	for _, acc := range accs {
		if !seen[acc] {
			seen[acc] = true
			distinct = append(distinct, acc)
		}
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i].key.less(distinct[j].key) })
	for _, acc := range distinct {
		acc.mu.Lock()
	}
	return func() {
		for i := len(distinct) - 1; i >= 0; i-- {
			distinct[i].mu.Unlock()
		}
	}
}

// Credit applies an external deposit once per reference. A repeated reference
// returns the original transfer with applied=false.
func (l *Ledger) Credit(ref, user, currency string, amount decimal.Decimal) (types.Transfer, bool, error) {
	return l.transfer(types.Deposit, ref, user, currency, amount)
}

// Debit applies an external withdrawal from available funds once per reference
func (l *Ledger) Debit(ref, user, currency string, amount decimal.Decimal) (types.Transfer, bool, error) {
	return l.transfer(types.Withdrawal, ref, user, currency, amount)
}

func (l *Ledger) transfer(kind types.TransferKind, ref, user, currency string, amount decimal.Decimal) (types.Transfer, bool, error) {
	if ref == "" || user == "" || currency == "" {
		return types.Transfer{}, false, types.Reject(types.ErrInvalidAmount, "reference, user and currency are required")
	}
	if !amount.IsPositive() {
		return types.Transfer{}, false, types.Reject(types.ErrInvalidAmount, "%s amount must be positive", kind)
	}

	l.transferMu.Lock()
	defer l.transferMu.Unlock()

	if prior, ok := l.transfers[ref]; ok {
		if prior.Kind != kind || prior.UserID != user || prior.Currency != currency || !prior.Amount.Equal(amount) {
			return prior, false, types.ErrIdempotencyConflict
		}
		return prior, false, nil
	}

	acc := l.account(user, currency)
	acc.mu.Lock()
	entryKind, delta := EntryDeposit, amount
	if kind == types.Withdrawal {
		if acc.available.LessThan(amount) {
			available := acc.available
			acc.mu.Unlock()
			return types.Transfer{}, false, types.Reject(types.ErrInsufficientFunds, "%s available %s, withdrawal %s", currency, available, amount)
		}
		entryKind, delta = EntryWithdrawal, amount.Neg()
	}
	acc.available = acc.available.Add(delta)
	acc.touch(l.now())
	snap := acc.snapshot()
	acc.mu.Unlock()

	t := types.Transfer{
		Reference: ref,
		Kind:      kind,
		UserID:    user,
		Currency:  currency,
		Amount:    amount,
		CreatedAt: snap.UpdatedAt,
	}
	l.transfers[ref] = t
	if l.journal != nil {
		l.journal.RecordTransfer(t)
	}
	l.record(snap, entryKind, delta, decimal.Zero, ref)

	log.Info().
		Str("component", "ledger").
		Str("kind", string(kind)).
		Str("reference", ref).
		Str("user_id", user).
		Str("currency", currency).
		Str("amount", amount.String()).
		Msg("external transfer applied")
	return t, true, nil
}

// Balance returns the account, zero-valued if it was never used
func (l *Ledger) Balance(user, currency string) types.Account {
	acc := l.lookup(user, currency)
	if acc == nil {
		return types.Account{
			UserID:    user,
			Currency:  currency,
			Balance:   decimal.Zero,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
		}
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.snapshot()
}

// Balances returns every account of a user ordered by currency
func (l *Ledger) Balances(user string) []types.Account {
	l.mu.RLock()
	accs := make([]*account, 0, len(l.accounts[user]))
	for _, acc := range l.accounts[user] {
		accs = append(accs, acc)
	}
	l.mu.RUnlock()

	out := make([]types.Account, 0, len(accs))
	for _, acc := range accs {
		acc.mu.Lock()
		out = append(out, acc.snapshot())
		acc.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// Total sums the balance of a currency over every account, fees included
func (l *Ledger) Total(currency string) decimal.Decimal {
	l.mu.RLock()
	accs := make([]*account, 0)
	for _, byCurrency := range l.accounts {
		if acc, ok := byCurrency[currency]; ok {
			accs = append(accs, acc)
		}
	}
	l.mu.RUnlock()

	total := decimal.Zero
	for _, acc := range accs {
		acc.mu.Lock()
		total = total.Add(acc.available).Add(acc.locked)
		acc.mu.Unlock()
	}
	return total
}

func (l *Ledger) entry(user, currency, kind string, available, locked decimal.Decimal, ref string) Entry {
	return Entry{
		EntryID:        uuid.New().String(),
		UserID:         user,
		Currency:       currency,
		Kind:           kind,
		AvailableDelta: available,
		LockedDelta:    locked,
		Reference:      ref,
		CreatedAt:      l.now(),
	}
}

func (l *Ledger) record(snap types.Account, kind string, available, locked decimal.Decimal, ref string) {
	l.appendJournal(l.entry(snap.UserID, snap.Currency, kind, available, locked, ref))
	l.notify(snap)
}

func (l *Ledger) appendJournal(entries ...Entry) {
	if l.journal != nil {
		l.journal.Append(entries...)
	}
}

func (l *Ledger) notify(snap types.Account) {
	for _, h := range l.handlers {
		h.HandleEvent(types.BalanceChanged{Account: snap})
	}
}
