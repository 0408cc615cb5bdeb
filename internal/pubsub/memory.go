package pubsub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/311labs/taskqueue/internal/domain"
)

const memoryBuffer = 1024

// ErrClosed is returned when publishing on a closed transport.
var ErrClosed = errors.New("pubsub: transport closed")

// Memory is an in-process Transport. Publish never blocks: a subscriber whose
// buffer is full misses the message.
type Memory struct {
	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	closed  bool
	dropped atomic.Int64
}

// NewMemory returns an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySub]struct{})}
}

func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs {
		if !slices.Contains(s.channels, channel) {
			continue
		}
		msg := domain.Message{Channel: channel, Data: append([]byte(nil), data...)}
		select {
		case s.ch <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		owner:    m,
		channels: slices.Clone(channels),
		ch:       make(chan domain.Message, memoryBuffer),
		done:     make(chan struct{}),
	}
	m.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (m *Memory) Dropped() int64 { return m.dropped.Load() }

func (m *Memory) Close() error {
	m.mu.Lock()
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

type memorySub struct {
	owner    *Memory
	channels []string
	ch       chan domain.Message
	done     chan struct{}
	once     sync.Once
}

func (s *memorySub) Messages() <-chan domain.Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		close(s.ch)
		close(s.done)
	})
	return nil
}
