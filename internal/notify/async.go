package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter throttles alerts per key. The Redis sliding-window limiter
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Async queues alerts and delivers them from a background goroutine, so
// Notify never blocks the caller. Alerts are dropped when the queue is full
// or the limiter rejects them.
type Async struct {
	next    Notifier
	limiter Limiter
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan Alert
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// AsyncOption configures Async.
type AsyncOption func(*Async)

func WithLimiter(l Limiter) AsyncOption           { return func(a *Async) { a.limiter = l } }
func WithLogger(l *slog.Logger) AsyncOption       { return func(a *Async) { a.logger = l } }
func WithSendTimeout(d time.Duration) AsyncOption { return func(a *Async) { a.timeout = d } }
func WithQueueSize(n int) AsyncOption             { return func(a *Async) { a.queue = make(chan Alert, n) } }

// NewAsync starts the delivery goroutine. Call Close to drain it.
func NewAsync(next Notifier, opts ...AsyncOption) *Async {
	a := &Async{
		next:    next,
		logger:  slog.Default(),
		timeout: 15 * time.Second,
		queue:   make(chan Alert, 64),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Notify enqueues a and returns immediately.
func (a *Async) Notify(_ context.Context, alert Alert) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return nil
	}
	select {
	case a.queue <- alert:
	default:
		a.dropped.Add(1)
		a.logger.Warn("alert queue full, dropping", slog.String("subject", alert.Subject))
	}
	return nil
}

// Dropped reports how many alerts were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting alerts and waits for queued ones to be sent.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) loop() {
	defer a.wg.Done()
	for alert := range a.queue {
		a.send(alert)
	}
}

func (a *Async) send(alert Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, "alert:"+alert.Subject)
		if err != nil {
			a.logger.Error("alert limiter", slog.String("error", err.Error()))
		} else if !ok {
			a.dropped.Add(1)
			a.logger.Warn("alert rate limited", slog.String("subject", alert.Subject))
			return
		}
	}

	if err := a.next.Notify(ctx, alert); err != nil {
		a.logger.Error("alert delivery failed",
			slog.String("subject", alert.Subject),
			slog.String("error", err.Error()),
		)
	}
}
