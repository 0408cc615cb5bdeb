package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/311labs/taskqueue/internal/domain"
)

// ErrAbandoned is returned by Run methods once the manager has given up on
// the run, typically because it was still executing at shutdown.
var ErrAbandoned = errors.New("run abandoned by manager")

// Run is the handle a handler receives for one execution of a task. Handlers
// report their outcome through it; store writes are detached from the
// handler's context so a canceled handler can still record its result.
type Run struct {
	svc       *Service
	mu        sync.Mutex
	task      *domain.Task
	abandoned atomic.Bool
}

// NewRun binds task to svc for one execution.
func NewRun(svc *Service, task *domain.Task) *Run {
	return &Run{svc: svc, task: task}
}

// Task returns a snapshot of the task as this run last saw it.
func (r *Run) Task() *domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Clone()
}

// ID is the task id.
func (r *Run) ID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.ID
}

// State is the task state as this run last wrote or read it.
func (r *Run) State() domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.State
}

// Decode unmarshals the task payload into v.
func (r *Run) Decode(v any) error {
	r.mu.Lock()
	payload := r.task.Payload
	r.mu.Unlock()
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload of task %d: %w", r.ID(), err)
	}
	return nil
}

// Abandon stops every further write through this run. It waits for a write
// already in progress, so once it returns the caller owns the task row.
func (r *Run) Abandon() {
	r.mu.Lock()
	r.abandoned.Store(true)
	r.mu.Unlock()
}

// Abandoned reports whether Abandon was called.
func (r *Run) Abandoned() bool { return r.abandoned.Load() }

func (r *Run) Started(ctx context.Context) error {
	return r.apply(ctx, r.svc.Started)
}

func (r *Run) Completed(ctx context.Context) error {
	return r.apply(ctx, r.svc.Completed)
}

func (r *Run) Failed(ctx context.Context, reason string) error {
	return r.apply(ctx, func(ctx context.Context, t *domain.Task) error {
		return r.svc.Failed(ctx, t, reason)
	})
}

// RetryLater defers the task for after.
func (r *Run) RetryLater(ctx context.Context, reason string, after time.Duration) error {
	return r.apply(ctx, func(ctx context.Context, t *domain.Task) error {
		return r.svc.RetryLater(ctx, t, reason, after)
	})
}

// Canceled records that the run stopped because of a cancel request.
func (r *Run) Canceled(ctx context.Context, reason string) error {
	return r.apply(ctx, func(ctx context.Context, t *domain.Task) error {
		return r.svc.MarkCanceled(ctx, t, reason)
	})
}

// Log appends a note to the task's log.
func (r *Run) Log(ctx context.Context, kind domain.LogKind, text string) error {
	if r.Abandoned() {
		return ErrAbandoned
	}
	return r.svc.Log(context.WithoutCancel(ctx), r.ID(), kind, text)
}

// Refresh reloads the task from the store.
func (r *Run) Refresh(ctx context.Context) error {
	t, err := r.svc.Get(context.WithoutCancel(ctx), r.ID())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.task = t
	r.mu.Unlock()
	return nil
}

// Backoff is the service retry delay for the run's current attempt count.
func (r *Run) Backoff() time.Duration {
	r.mu.Lock()
	n := r.task.Attempts
	r.mu.Unlock()
	return r.svc.Backoff(n)
}

func (r *Run) apply(ctx context.Context, fn func(context.Context, *domain.Task) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandoned.Load() {
		return ErrAbandoned
	}
	return fn(context.WithoutCancel(ctx), r.task)
}
