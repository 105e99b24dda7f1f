package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Relay carries notifications between processes.
type Relay interface {
	Publish(ctx context.Context, n Notification) error
	// Run delivers notifications published by other processes until ctx is done.
	Run(ctx context.Context, deliver func(Notification)) error
}

// RedisRelay publishes notifications on a per-conversation Redis channel
// and pattern-subscribes to all of them.
type RedisRelay struct {
	client *redis.Client
	prefix string
	origin string
	log    zerolog.Logger
}

type relayEnvelope struct {
	Origin       string       `json:"origin"`
	Notification Notification `json:"notification"`
}

func NewRedisRelay(client *redis.Client, prefix string, log zerolog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "convo:notifications"
	}
	return &RedisRelay{client: client, prefix: prefix, origin: ulid.Make().String(), log: log}
}

func (r *RedisRelay) channel(conversationID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, conversationID)
}

func (r *RedisRelay) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Notification: n})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel(n.ConversationID), data).Err()
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(Notification)) error {
	ps := r.client.PSubscribe(ctx, r.prefix+":*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed relay payload")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			deliver(env.Notification)
		}
	}
}
