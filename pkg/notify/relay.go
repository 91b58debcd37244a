package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher is the part of a redis client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Relay republishes task events verbatim on a redis channel for workers
// that subscribe there instead of holding a postgres connection.
type Relay struct {
	client  Publisher
	channel string
	logger  *slog.Logger
}

func NewRelay(client Publisher, channel string, logger *slog.Logger) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "relay", "redis_channel", channel),
	}
}

// Handle publishes one message. It fits Listener.Listen.
func (r *Relay) Handle(ctx context.Context) func(Message) error {
	return func(m Message) error {
		receivers, err := r.client.Publish(ctx, r.channel, m.Raw).Result()
		if err != nil {
			return fmt.Errorf("failed to publish task %d: %w", m.Event.TaskID, err)
		}
		r.logger.Debug("Relayed task event", "task_id", m.Event.TaskID, "receivers", receivers)
		return nil
	}
}
