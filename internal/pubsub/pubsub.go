// Package pubsub defines the broadcast transport used to wake managers up.
// Messages are hints only: the task store stays the source of truth, so a
// dropped message is recovered by backlog replay or the retry sweep.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/311labs/taskqueue/internal/domain"
)

// Subscription is a live feed of messages for a set of channels.
type Subscription interface {
	Messages() <-chan domain.Message
	Close() error
}

// Transport broadcasts messages to every subscriber of a channel.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// PublishJSON marshals v and publishes it on channel.
func PublishJSON(ctx context.Context, t Transport, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", channel, err)
	}
	return t.Publish(ctx, channel, data)
}
