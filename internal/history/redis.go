package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/ppvctl/internal/config"
)

// RedisPublisher appends samples to a Redis stream with XADD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher connects to the configured server and checks it with
// PING.
func NewRedisPublisher(ctx context.Context, cfg config.RedisPublishConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Address, err)
	}
	return newRedisPublisher(client, cfg.Stream, cfg.MaxLen), nil
}

func newRedisPublisher(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Name() string { return "redis" }

// Publish adds one stream entry with fields switch, timestamp and new_reg.
func (p *RedisPublisher) Publish(ctx context.Context, s Sample) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: streamFields(s),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}

func streamFields(s Sample) map[string]any {
	return map[string]any{
		"switch":    s.Switch,
		"timestamp": strconv.FormatFloat(s.Epoch(), 'f', 6, 64),
		"new_reg":   s.Value,
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
