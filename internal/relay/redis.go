// Package relay moves live events between gateway nodes over Redis pub/sub.
// Each node subscribes to its own channel; an emitter publishes to the
// channel of the node that owns the target connection.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/presence"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
}

// Redis implements presence.Relay.
type Redis struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

var _ presence.Relay = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "marketchat:node"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) channel(node string) string {
	return r.prefix + ":" + node
}

// Publish sends d to the channel of node.
func (r *Redis) Publish(ctx context.Context, node string, d presence.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	return r.client.Publish(ctx, r.channel(node), data).Err()
}

// Subscribe listens on the channel of node and calls fn for every delivery
// until ctx is done or the relay is closed.
func (r *Redis) Subscribe(ctx context.Context, node string, fn func(context.Context, presence.Delivery)) error {
	sub := r.client.Subscribe(ctx, r.channel(node))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel(node), err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		logger := logging.Ctx(ctx)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d presence.Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					logger.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed relay payload")
					continue
				}
				fn(ctx, d)
			}
		}
	}()
	return nil
}

// Close stops all subscriptions and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	for _, sub := range r.subs {
		_ = sub.Close()
	}
	r.subs = nil
	r.mu.Unlock()
	r.wg.Wait()
	return r.client.Close()
}
