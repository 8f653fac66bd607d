package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/coal/shieldwall/internal/monitor"
)

// RedisConfig configures a Redis sink.
type RedisConfig struct {
	Channel string
	// HistoryKey, when set, also keeps the last HistorySize events in a list.
	HistoryKey  string
	HistorySize int64
}

// Redis publishes events to a pub/sub channel.
type Redis struct {
	client redis.Cmdable
	cfg    RedisConfig
}

// NewRedis creates a Redis sink.
func NewRedis(client redis.Cmdable, cfg RedisConfig) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = "shieldwall:events"
	}
	if cfg.HistoryKey != "" && cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	return &Redis{client: client, cfg: cfg}
}

// Deliver publishes event as JSON.
func (r *Redis) Deliver(ctx context.Context, event monitor.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.ID, err)
	}
	payload := string(data)

	if err := r.client.Publish(ctx, r.cfg.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.cfg.Channel, err)
	}

	if r.cfg.HistoryKey == "" {
		return nil
	}
	if err := r.client.LPush(ctx, r.cfg.HistoryKey, payload).Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", r.cfg.HistoryKey, err)
	}
	if err := r.client.LTrim(ctx, r.cfg.HistoryKey, 0, r.cfg.HistorySize-1).Err(); err != nil {
		return fmt.Errorf("trimming %s: %w", r.cfg.HistoryKey, err)
	}
	return nil
}
