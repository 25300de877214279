package marketdata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const relayBuffer = 4096

// RedisRelay republishes every channel message on Redis pub/sub under
// prefix+channel, so that processes other than this one can follow the feed.
type RedisRelay struct {
	rdb    *redis.Client
	prefix string
	queue  chan Message
	logger zerolog.Logger
}

// NewRedisRelay connects and pings the server
func NewRedisRelay(ctx context.Context, addr, prefix string) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisRelay{
		rdb:    rdb,
		prefix: prefix,
		queue:  make(chan Message, relayBuffer),
		logger: log.With().Str("component", "redis_relay").Str("addr", addr).Logger(),
	}, nil
}

// Enqueue is registered as a publisher tap; it never blocks
func (r *RedisRelay) Enqueue(msg Message) {
	select {
	case r.queue <- msg:
	default:
		r.logger.Warn().Str("channel", msg.Channel).Uint64("seq", msg.Seq).Msg("relay queue full, dropping message")
	}
}

// Run publishes queued messages until ctx is cancelled
func (r *RedisRelay) Run(ctx context.Context) error {
	defer r.rdb.Close()
	r.logger.Info().Msg("starting redis relay")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("shutting down redis relay")
			return nil
		case msg := <-r.queue:
			if err := r.publish(ctx, msg); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Str("channel", msg.Channel).Msg("failed to relay message")
			}
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", msg.Channel, err)
	}
	channel := r.prefix + msg.Channel
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe follows relayed channels matching pattern, for consumers in
// other processes
func (r *RedisRelay) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	ps := r.rdb.PSubscribe(ctx, r.prefix+pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: psubscribe %s: %w", pattern, err)
	}

	out := make(chan Message, sendBufferSize)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ps.Channel():
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.logger.Warn().Err(err).Str("channel", m.Channel).Msg("skipping malformed relay message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
