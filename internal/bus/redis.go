package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"payment-gateway/internal/model"
)

// RedisChannel is a HealthChannel backed by the store's own pub/sub,
// used when no dedicated bus is deployed. Subject names are identical
// to the NATS variant so the two are interchangeable on the wire.
type RedisChannel struct {
	rdb    *redis.Client
	log    zerolog.Logger
	cancel context.CancelFunc
}

var _ HealthChannel = (*RedisChannel)(nil)

// NewRedisChannel builds a channel on an already-connected Redis client.
func NewRedisChannel(rdb *redis.Client, log zerolog.Logger) *RedisChannel {
	return &RedisChannel{rdb: rdb, log: log}
}

// Publish sends the processor state on its status channel.
func (c *RedisChannel) Publish(ctx context.Context, index int, state model.ProcessorState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling processor state: %w", err)
	}
	if err := c.rdb.Publish(ctx, Subject(index), payload).Err(); err != nil {
		return fmt.Errorf("publishing processor %d status: %w", index, err)
	}
	return nil
}

// Subscribe consumes status messages on a background goroutine until
// the context is canceled or the channel is closed.
func (c *RedisChannel) Subscribe(ctx context.Context, fn func(index int, state model.ProcessorState)) error {
	ctx, c.cancel = context.WithCancel(ctx)
	pubsub := c.rdb.PSubscribe(ctx, subjectPattern)
	// Force the subscription before declaring success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribing to %s: %w", subjectPattern, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				index, err := ParseSubject(msg.Channel)
				if err != nil {
					c.log.Debug().Err(err).Msg("dropping message on unknown channel")
					continue
				}
				var state model.ProcessorState
				if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
					c.log.Debug().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable status message")
					continue
				}
				fn(index, state)
			}
		}
	}()
	return nil
}

// Close stops the subscriber goroutine. The Redis client itself belongs
// to the store and is closed there.
func (c *RedisChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
