package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "conductor:events:"

// RedisHub fans events out through Redis pub/sub so every process sharing
// the Redis instance sees them. Each session publishes on its own channel.
type RedisHub struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisHub wraps an existing client. The client is not closed by the hub.
func NewRedisHub(client redis.UniversalClient, prefix string, logger *slog.Logger) (*RedisHub, error) {
	if client == nil {
		return nil, errors.New("streaming: redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, prefix: prefix, logger: logger}, nil
}

func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("streaming: marshal event: %w", err)
	}
	if err := h.client.Publish(ctx, h.prefix+event.SessionID, b).Err(); err != nil {
		return fmt.Errorf("streaming: publish: %w", err)
	}
	return nil
}

// Subscribe listens on one session channel, or on every session when the
// filter names none.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	var ps *redis.PubSub
	if filter.SessionID != "" {
		ps = h.client.Subscribe(ctx, h.prefix+filter.SessionID)
	} else {
		ps = h.client.PSubscribe(ctx, h.prefix+"*")
	}
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("streaming: subscribe: %w", err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("discarding malformed event", slog.String("channel", msg.Channel))
					continue
				}
				if !matchFilter(filter, ev) {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}
