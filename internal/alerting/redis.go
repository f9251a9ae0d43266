package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configure the Redis sink.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Channel   string
	TTL       time.Duration
}

// RedisNotifier stores the latest price per market and publishes it for dashboards.
type RedisNotifier struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger zerolog.Logger
}

// NewRedisNotifier 构造 Redis 通知器。
func NewRedisNotifier(opts RedisOptions, logger zerolog.Logger) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisNotifier(client, opts, logger)
}

func newRedisNotifier(client redis.UniversalClient, opts RedisOptions, logger zerolog.Logger) *RedisNotifier {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "gpuoracle:price:"
	}
	if opts.Channel == "" {
		opts.Channel = "gpuoracle:prices"
	}
	return &RedisNotifier{client: client, opts: opts, logger: logger.With().Str("component", "notify_redis").Logger()}
}

// Key returns the latest-price key for a market.
func (r *RedisNotifier) Key(marketID string) string {
	return r.opts.KeyPrefix + marketID
}

// Notify SETs the latest payload and PUBLISHes it in one transaction.
func (r *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal redis payload: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.Key(note.MarketID), payload, r.opts.TTL)
	pipe.Publish(ctx, r.opts.Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis notify: %w", err)
	}

	r.logger.Info().Str("market_id", note.MarketID).Str("channel", r.opts.Channel).Msg("通知已发送 (Redis)")
	return nil
}

// Close releases the client.
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
