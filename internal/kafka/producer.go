package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// topicPrefix maps a queue channel onto a Kafka topic.
const topicPrefix = "taskqueue."

func topicFor(channel string) string { return topicPrefix + channel }

func channelFor(topic string) string { return strings.TrimPrefix(topic, topicPrefix) }

func newWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

func (t *Transport) Publish(ctx context.Context, channel string, data []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topicFor(channel),
		Value:   data,
		Headers: injectHeaders(ctx),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", channel, err)
	}
	return nil
}
