package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes receipts to a Redis channel named by the message
// target. Downstream consumers (an email bridge, a dashboard) subscribe and
// fan the receipt out; the dispatch ID travels with the payload so they can
// deduplicate replays.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a Redis notifier from a redis:// URL.
func NewRedisNotifier(url string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisNotifier{client: redis.NewClient(opts)}, nil
}

// Ping verifies the connection.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	return nil
}

// Name implements Notifier.
func (n *RedisNotifier) Name() string { return "redis" }

type redisPayload struct {
	DispatchID string `json:"dispatch_id"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
	SentAt     string `json:"sent_at"`
}

// Send implements Notifier. Redis failures are transient: the broker being
// unreachable is the same class of failure as a rate-limited webhook.
func (n *RedisNotifier) Send(ctx context.Context, msg Message) Result {
	if msg.Target == "" {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("empty redis channel target")}
	}

	payload, err := json.Marshal(redisPayload{
		DispatchID: msg.DispatchID,
		Subject:    msg.Subject,
		Content:    msg.Content,
		SentAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("encode payload: %w", err)}
	}

	if err := n.client.Publish(ctx, msg.Target, payload).Err(); err != nil {
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("publish receipt: %w", err)}
	}
	return Result{Outcome: OutcomeSuccess}
}

// Close releases the underlying connection pool.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
