package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-exchange/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateEntries(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.db.Create(&entries).Error
}

// CreateTransfer stores a transfer once; a repeated reference is ignored
func (d *Database) CreateTransfer(t *ExternalTransfer) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(t).Error
}

func (d *Database) GetTransfer(reference string) (*ExternalTransfer, error) {
	var t ExternalTransfer
	if err := d.db.Where("reference = ?", reference).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *Database) GetUserEntries(userID, currency string, limit int) ([]Entry, error) {
	var entries []Entry
	q := d.db.Where("user_id = ?", userID)
	if currency != "" {
		q = q.Where("currency = ?", currency)
	}
	if err := q.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

const (
	journalBuffer       = 4096
	journalDrainTimeout = 5 * time.Second
)

type journalItem struct {
	entries  []Entry
	transfer *ExternalTransfer
}

// JournalWriter persists ledger entries off the caller's goroutine. Enqueue
// never blocks; when the buffer is full the item is dropped and counted.
type JournalWriter struct {
	db           *Database
	items        chan journalItem
	dropped      atomic.Int64
	drainTimeout time.Duration
}

func NewJournalWriter(db *Database) *JournalWriter {
	return &JournalWriter{
		db:           db,
		items:        make(chan journalItem, journalBuffer),
		drainTimeout: journalDrainTimeout,
	}
}

func (w *JournalWriter) Append(entries ...Entry) {
	w.enqueue(journalItem{entries: entries})
}

func (w *JournalWriter) RecordTransfer(t types.Transfer) {
	w.enqueue(journalItem{transfer: &ExternalTransfer{
		Reference: t.Reference,
		Kind:      string(t.Kind),
		UserID:    t.UserID,
		Currency:  t.Currency,
		Amount:    t.Amount,
		CreatedAt: t.CreatedAt,
	}})
}

func (w *JournalWriter) enqueue(item journalItem) {
	select {
	case w.items <- item:
	default:
		n := w.dropped.Add(1)
		log.Error().
			Str("component", "ledger_journal").
			Int("entries", len(item.entries)).
			Int64("dropped_total", n).
			Msg("journal queue full, dropping item")
	}
}

// Dropped returns how many items were discarded because the queue was full
func (w *JournalWriter) Dropped() int64 { return w.dropped.Load() }

// Pending returns the number of queued items not yet written
func (w *JournalWriter) Pending() int { return len(w.items) }

// Run drains the queue until ctx is cancelled, then flushes what is left
func (w *JournalWriter) Run(ctx context.Context) {
	logger := log.With().Str("component", "ledger_journal").Logger()
	logger.Info().Msg("starting ledger journal writer")

	for {
		select {
		case item := <-w.items:
			w.write(item)
		case <-ctx.Done():
			w.drain()
			logger.Info().Msg("shutting down ledger journal writer")
			return
		}
	}
}

// drain writes whatever is queued until the buffer is empty or the drain
// timeout passes. Items still queued after the deadline are reported.
func (w *JournalWriter) drain() {
	deadline := time.Now().Add(w.drainTimeout)
	for len(w.items) > 0 && time.Now().Before(deadline) {
		w.write(<-w.items)
	}
	if left := len(w.items); left > 0 {
		log.Error().
			Str("component", "ledger_journal").
			Int("pending", left).
			Msg("journal drain timed out with items unwritten")
	}
}

func (w *JournalWriter) write(item journalItem) {
	if item.transfer != nil {
		if err := w.db.CreateTransfer(item.transfer); err != nil {
			log.Error().Err(err).
				Str("component", "ledger_journal").
				Str("reference", item.transfer.Reference).
				Msg("failed to persist transfer")
		}
	}
	if err := w.db.CreateEntries(item.entries); err != nil {
		log.Error().Err(err).
			Str("component", "ledger_journal").
			Int("entries", len(item.entries)).
			Msg("failed to persist ledger entries")
	}
}
