package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "credits.balance_changed"

// RedisHub publishes balance-changed events over Redis pub/sub so that
// other nodes (or the frontend gateway) can refresh credit views.
type RedisHub struct {
	client  *redis.Client
	channel string
}

// NewRedisHub connects to redisURL and verifies the connection.
func NewRedisHub(ctx context.Context, redisURL string) (*RedisHub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("notify: ping redis: %w", err)
	}
	return &RedisHub{client: client, channel: defaultChannel}, nil
}

func (h *RedisHub) Publish(ctx context.Context, ev BalanceChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and invokes fn for every decoded event
// until ctx is cancelled.
func (h *RedisHub) Listen(ctx context.Context, fn func(BalanceChanged)) error {
	sub := h.client.Subscribe(ctx, h.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev BalanceChanged
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}

// Close releases the underlying Redis connection.
func (h *RedisHub) Close() error {
	return h.client.Close()
}

var _ Publisher = (*RedisHub)(nil)
