package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"log/slog"
)

// BusMessage carries a message to connections held by other instances:
// either one connection (TargetID) or every member of a room (RoomID)
type BusMessage struct {
	Origin    string   `json:"origin"`
	TargetID  string   `json:"targetId,omitempty"`
	RoomID    string   `json:"roomId,omitempty"`
	ExcludeID string   `json:"excludeId,omitempty"`
	Message   *Message `json:"message"`
}

// Bus fans messages out across server instances
type Bus interface {
	Publish(ctx context.Context, m BusMessage) error
	Subscribe(ctx context.Context, fn func(BusMessage))
}

type RedisBus struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

// NewRedisBus wraps a client and verifies connectivity
func NewRedisBus(ctx context.Context, rdb redis.UniversalClient, log *slog.Logger) (*RedisBus, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{rdb: rdb, log: log}, nil
}

// Publish sends a message on the channel for its target
func (b *RedisBus) Publish(ctx context.Context, m BusMessage) error {
	raw, err := encode(m)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel(m), raw).Err()
}

// Subscribe listens to all signal channels and invokes fn for each message
func (b *RedisBus) Subscribe(ctx context.Context, fn func(BusMessage)) {
	pubsub := b.rdb.PSubscribe(ctx, "signal:*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		b.log.Error("bus.subscribe", "err", err)
		return
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var bm BusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.log.Warn("bus.decode", "channel", msg.Channel, "err", err)
				continue
			}
			if bm.Message != nil {
				fn(bm)
			}
		}
	}
}

// channel namespacing for signal pub/sub
func channel(m BusMessage) string {
	if m.TargetID != "" {
		return "signal:conn:" + m.TargetID
	}
	return "signal:room:" + m.RoomID
}
