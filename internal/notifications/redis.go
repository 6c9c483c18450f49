package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantumlife/pulse/internal/config"
)

// RedisPublisher appends notifications to a Redis stream so other
// processes can consume them
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher connects to the stream named in cfg
func NewRedisPublisher(cfg config.RedisConfig) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisPublisherFromClient(redis.NewClient(opts), cfg.Stream, cfg.MaxLen), nil
}

// NewRedisPublisherFromClient wraps an existing client
func NewRedisPublisherFromClient(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "pulse:notifications"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Ping checks the connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish adds one entry to the stream, trimming it to roughly maxLen
func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":              n.ID,
			"conversation_id": n.ConversationID,
			"rule_id":         n.RuleID,
			"urgency":         string(n.Urgency),
			"payload":         string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Stream returns the stream key
func (p *RedisPublisher) Stream() string {
	return p.stream
}

// Close closes the client
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
