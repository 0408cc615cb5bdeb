package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/pubsub"
)

var _ pubsub.Transport = (*Transport)(nil)

// Transport broadcasts notifications through Kafka topics, one topic per
// channel. Each Transport joins its own consumer group, so every instance
// sees every message published after it subscribed.
type Transport struct {
	brokers    []string
	instanceID string
	writer     *kafka.Writer
	logger     *slog.Logger
}

// NewTransport creates a Kafka transport. instanceID must be unique per
// process.
func NewTransport(brokers []string, instanceID string, logger *slog.Logger) *Transport {
	return &Transport{
		brokers:    brokers,
		instanceID: instanceID,
		writer:     newWriter(brokers),
		logger:     logger,
	}
}

func (t *Transport) Subscribe(ctx context.Context, channels ...string) (pubsub.Subscription, error) {
	topics := make([]string, len(channels))
	for i, ch := range channels {
		topics[i] = topicFor(ch)
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.brokers,
		GroupID:        "taskqueue-" + t.instanceID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6, // 10 MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{reader: r, cancel: cancel, out: make(chan domain.Message, 256)}
	go sub.pump(ctx, t.logger)
	return sub, nil
}

func (t *Transport) Close() error {
	return t.writer.Close()
}

type subscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	out    chan domain.Message
	once   sync.Once
}

func (s *subscription) Messages() <-chan domain.Message { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.reader.Close()
	})
	return err
}

// pump reads until ctx is cancelled. Offsets are committed once a message
// has been handed to the subscriber.
func (s *subscription) pump(ctx context.Context, logger *slog.Logger) {
	defer close(s.out)
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			logger.Error("kafka fetch", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		msgCtx := extractContext(ctx, m.Headers)
		select {
		case s.out <- domain.Message{Channel: channelFor(m.Topic), Data: m.Value}:
		case <-ctx.Done():
			return
		}

		if err := s.reader.CommitMessages(msgCtx, m); err != nil && ctx.Err() == nil {
			logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}
