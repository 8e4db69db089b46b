package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crosslogic/credit-engine/pkg/cache"
	"go.uber.org/zap"
)

// RelayChannel is the Redis pub/sub channel user messages travel on
const RelayChannel = "realtime:user_messages"

type envelope struct {
	UserID  string  `json:"user_id"`
	Message Message `json:"message"`
}

// Relay fans user messages out to every replica through Redis pub/sub so a
// user connected to any replica receives them.
type Relay struct {
	cache  *cache.Cache
	local  Broadcaster
	logger *zap.Logger
}

// NewRelay creates a relay that delivers received messages to local
func NewRelay(c *cache.Cache, local Broadcaster, logger *zap.Logger) *Relay {
	return &Relay{cache: c, local: local, logger: logger}
}

// BroadcastToUser publishes msg for every replica to deliver
func (r *Relay) BroadcastToUser(ctx context.Context, userID string, msg Message) error {
	data, err := json.Marshal(envelope{UserID: userID, Message: msg})
	if err != nil {
		return err
	}
	if err := r.cache.Publish(ctx, RelayChannel, data); err != nil {
		return fmt.Errorf("publish user message: %w", err)
	}
	return nil
}

// Run subscribes and delivers messages locally until ctx is cancelled.
// ready is closed once the subscription is active.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub, err := r.cache.Subscribe(ctx, RelayChannel)
	if err != nil {
		return err
	}
	defer sub.Close()

	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				r.logger.Warn("invalid relay payload", zap.Error(err))
				continue
			}
			if err := r.local.BroadcastToUser(ctx, env.UserID, env.Message); err != nil {
				r.logger.Warn("local delivery failed", zap.String("user_id", env.UserID), zap.Error(err))
			}
		}
	}
}
