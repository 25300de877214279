package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor periodically expires GTD orders. Expiry commands go through each
// pair's queue like any other command.
type Processor struct {
	engine     *Engine
	sweepDelay time.Duration // time between expiry sweeps
	now        func() time.Time
}

func NewProcessor(engine *Engine, interval time.Duration) *Processor {
	return &Processor{
		engine:     engine,
		sweepDelay: interval,
		now:        time.Now,
	}
}

// Start begins the expiry loop and returns when ctx is cancelled
func (p *Processor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "expiry_processor").Logger()
	logger.Info().Dur("interval", p.sweepDelay).Msg("starting expiry processor")

	ticker := time.NewTicker(p.sweepDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry processor")
			return nil
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("failed to expire orders")
			}
		}
	}
}

func (p *Processor) sweep(ctx context.Context) error {
	n, err := p.engine.ExpireDue(ctx, p.now())
	if n > 0 {
		log.Info().Str("component", "expiry_processor").Int("expired", n).Msg("expired orders")
	}
	return err
}
