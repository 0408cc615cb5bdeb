package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/pubsub"
)

var _ pubsub.Transport = (*Transport)(nil)

// Transport broadcasts task notifications over Redis PUBLISH/SUBSCRIBE.
// Every subscribed manager receives every message on its channels.
type Transport struct {
	client *redis.Client
	logger *slog.Logger
}

// NewTransport wraps client as a pubsub.Transport.
func NewTransport(client *redis.Client, logger *slog.Logger) *Transport {
	return &Transport{client: client, logger: logger}
}

func channelKey(channel string) string { return keyPrefix + "ch:" + channel }

func (t *Transport) Publish(ctx context.Context, channel string, data []byte) error {
	if err := t.client.Publish(ctx, channelKey(channel), data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, channels ...string) (pubsub.Subscription, error) {
	keys := make([]string, len(channels))
	for i, ch := range channels {
		keys[i] = channelKey(ch)
	}

	ps := t.client.Subscribe(ctx, keys...)
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %v: %w", channels, err)
	}

	sub := &subscription{ps: ps, out: make(chan domain.Message, 256)}
	go sub.pump(ctx)
	t.logger.Debug("redis subscription ready", slog.Any("channels", channels))
	return sub, nil
}

// Close is a no-op; the client is owned by the caller.
func (t *Transport) Close() error { return nil }

type subscription struct {
	ps   *redis.PubSub
	out  chan domain.Message
	once sync.Once
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg := domain.Message{
				Channel: strings.TrimPrefix(m.Channel, keyPrefix+"ch:"),
				Data:    []byte(m.Payload),
			}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan domain.Message { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
