// ABOUTME: Redis Streams publisher that appends allocation events with XADD
// ABOUTME: Streams are trimmed approximately so the log stays bounded

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen bounds the stream length.
const DefaultStreamMaxLen = 100_000

// RedisStreamPublisher appends envelopes to one stream.
type RedisStreamPublisher struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamPublisher creates a publisher for the given client and stream.
func NewRedisStreamPublisher(rdb redis.UniversalClient, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{rdb: rdb, stream: stream, maxLen: DefaultStreamMaxLen}
}

// NewRedisStreamPublisherFromAddr dials a single Redis node and verifies the connection.
func NewRedisStreamPublisherFromAddr(ctx context.Context, addr, password string, db int, stream string) (*RedisStreamPublisher, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisStreamPublisher(rdb, stream), nil
}

// Publish appends the envelope to the stream.
func (p *RedisStreamPublisher) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":      env.Meta.ID,
			"type":    env.Meta.Type,
			"payload": string(payload),
		},
		Approx: true,
		MaxLen: p.maxLen,
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending %s to %s: %w", env.Meta.Type, p.stream, err)
	}
	return nil
}

// Close closes the client.
func (p *RedisStreamPublisher) Close() error {
	return p.rdb.Close()
}
