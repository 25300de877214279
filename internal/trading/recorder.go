package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-exchange/internal/types"
)

const (
	recorderBuffer       = 8192
	recorderDrainTimeout = 5 * time.Second
)

// Recorder persists order states and trades from engine events. Events are
// queued and written by Run so the engine never waits on the database.
type Recorder struct {
	db           *Database
	events       chan types.Event
	logger       zerolog.Logger
	drainTimeout time.Duration
}

func NewRecorder(db *Database) *Recorder {
	return &Recorder{
		db:           db,
		events:       make(chan types.Event, recorderBuffer),
		logger:       log.With().Str("component", "trade_recorder").Logger(),
		drainTimeout: recorderDrainTimeout,
	}
}

// HandleEvent implements types.EventHandler
func (r *Recorder) HandleEvent(evt types.Event) {
	switch evt.(type) {
	case types.OrderStatusChanged, types.TradeEvent:
	default:
		return
	}
	select {
	case r.events <- evt:
	default:
		r.logger.Error().Str("kind", string(evt.Kind())).Msg("recorder queue full, dropping event")
	}
}

// Run writes queued events until ctx is cancelled, then flushes the rest
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info().Msg("starting trade recorder")
	for {
		select {
		case evt := <-r.events:
			r.write(evt)
		case <-ctx.Done():
			r.drain()
			r.logger.Info().Msg("shutting down trade recorder")
			return nil
		}
	}
}

// drain writes queued events until the buffer is empty or the drain timeout
// passes
func (r *Recorder) drain() {
	deadline := time.Now().Add(r.drainTimeout)
	for len(r.events) > 0 && time.Now().Before(deadline) {
		r.write(<-r.events)
	}
	if left := len(r.events); left > 0 {
		r.logger.Error().Int("pending", left).Msg("recorder drain timed out with events unwritten")
	}
}

func (r *Recorder) write(evt types.Event) {
	switch e := evt.(type) {
	case types.OrderStatusChanged:
		if err := r.db.UpsertOrder(orderRecord(e.Order)); err != nil {
			r.logger.Error().Err(err).Str("order_id", e.Order.OrderID).Str("status", string(e.Order.Status)).Msg("failed to persist order")
		}
	case types.TradeEvent:
		if err := r.db.CreateTrade(tradeRecord(e.Trade)); err != nil {
			r.logger.Error().Err(err).Str("trade_id", e.Trade.TradeID).Msg("failed to persist trade")
		}
	}
}

// Pending reports how many events are waiting to be written
func (r *Recorder) Pending() int {
	return len(r.events)
}
