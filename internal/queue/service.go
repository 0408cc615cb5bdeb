// Package queue owns the task lifecycle: publishing new work and moving
// tasks between states. Every transition is a conditional store write, so a
// terminal task is never overwritten and two managers racing on the same row
// cannot both win.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/notify"
	"github.com/311labs/taskqueue/internal/postgres"
	"github.com/311labs/taskqueue/internal/pubsub"
	"github.com/311labs/taskqueue/pkg/retry"
	"github.com/311labs/taskqueue/pkg/telemetry"
)

// Service publishes tasks and applies lifecycle transitions.
type Service struct {
	repo      postgres.TaskRepository
	transport pubsub.Transport
	notifier  notify.Notifier
	backoff   retry.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithBackoff(p retry.Policy) Option     { return func(s *Service) { s.backoff = p } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires a Service to its store and transport.
func NewService(repo postgres.TaskRepository, transport pubsub.Transport, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		transport: transport,
		backoff:   retry.DefaultPolicy,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.Log{Logger: s.logger}
	}
	return s
}

// Repository exposes the underlying store.
func (s *Service) Repository() postgres.TaskRepository { return s.repo }

// Backoff returns the delay before retrying a task that has made attempt
// attempts.
func (s *Service) Backoff(attempt int) time.Duration { return s.backoff.Backoff(attempt) }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// PublishRequest describes a new task.
type PublishRequest struct {
	Namespace    string
	FunctionName string
	// Payload is marshalled to JSON. A json.RawMessage is stored verbatim.
	Payload any
	// Channel defaults to domain.ChannelDefault.
	Channel string
	// StaleAfter, when positive, fails the task if it has not run in time.
	StaleAfter time.Duration
	// ScheduledFor defers the first run. Deferred tasks are not announced;
	// the sweeper requeues them once due.
	ScheduledFor *time.Time
}

// Publish creates a task and, unless it is deferred, announces it on its
// channel. A failed announcement is returned as an error but the row is kept:
// backlog replay and the sweeper recover it.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*domain.Task, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.publish")
	defer span.End()

	if req.Namespace == "" || req.FunctionName == "" {
		return nil, errors.New("publish: namespace and function name are required")
	}
	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("publish %s.%s: %w", req.Namespace, req.FunctionName, err)
	}

	now := s.now()
	task := &domain.Task{
		CreatedAt:    now,
		Channel:      req.Channel,
		Namespace:    req.Namespace,
		FunctionName: req.FunctionName,
		Payload:      payload,
		State:        domain.StateScheduled,
	}
	if task.Channel == "" {
		task.Channel = domain.ChannelDefault
	}
	if req.StaleAfter > 0 {
		at := now.Add(req.StaleAfter)
		task.StaleAfter = &at
	}
	deferred := req.ScheduledFor != nil
	if deferred {
		task.MarkRetry("", req.ScheduledFor)
	}

	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("task.id", task.ID),
		attribute.String("task.channel", task.Channel),
	)
	telemetry.TasksPublished.WithLabelValues(task.Channel, strconv.FormatBool(deferred)).Inc()

	if deferred {
		return task, nil
	}
	if err := s.announce(ctx, task); err != nil {
		return task, err
	}
	return task, nil
}

// Get loads a task by id.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Task, error) {
	return s.repo.GetByID(ctx, id)
}

// Started claims task for execution and counts the attempt. The claim only
// succeeds while the stored row is still in the state task was loaded in, so
// of two managers holding the same scheduled row only one starts it.
func (s *Service) Started(ctx context.Context, task *domain.Task) error {
	if task.State.IsTerminal() {
		return &domain.InvalidStateError{TaskID: task.ID, State: task.State, Want: domain.ActiveStates}
	}
	next := task.Clone()
	next.MarkStarted(s.now())
	return s.transition(ctx, task, next, task.State)
}

// Completed records a successful finish.
func (s *Service) Completed(ctx context.Context, task *domain.Task) error {
	next := task.Clone()
	next.MarkCompleted(s.now())
	return s.transition(ctx, task, next, domain.ActiveStates...)
}

// Failed records a terminal failure and raises an operator alert.
func (s *Service) Failed(ctx context.Context, task *domain.Task, reason string) error {
	return s.fail(ctx, task, reason, domain.ActiveStates...)
}

// FailStale fails task with reason "stale", but only while the stored row is
// still in the state task was loaded in. A row another manager has started
// since is left alone.
func (s *Service) FailStale(ctx context.Context, task *domain.Task) error {
	if task.State.IsTerminal() {
		return &domain.InvalidStateError{TaskID: task.ID, State: task.State, Want: domain.ActiveStates}
	}
	return s.fail(ctx, task, domain.ReasonStale, task.State)
}

func (s *Service) fail(ctx context.Context, task *domain.Task, reason string, from ...domain.State) error {
	next := task.Clone()
	next.MarkFailed(reason, s.now())
	if err := s.transition(ctx, task, next, from...); err != nil {
		return err
	}
	_ = s.notifier.Notify(ctx, notify.Alert{
		Subject: "Task Failed",
		Body:    fmt.Sprintf("task %d (%s.%s) failed: %s", task.ID, task.Namespace, task.FunctionName, task.Reason),
		Labels: map[string]string{
			"task_id":  strconv.FormatInt(task.ID, 10),
			"channel":  task.Channel,
			"function": task.Namespace + "." + task.FunctionName,
		},
	})
	return nil
}

// RetryLater defers task for after. A non-positive after means as soon as the
// sweeper next runs.
func (s *Service) RetryLater(ctx context.Context, task *domain.Task, reason string, after time.Duration) error {
	var at *time.Time
	if after > 0 {
		t := s.now().Add(after)
		at = &t
	}
	next := task.Clone()
	next.MarkRetry(reason, at)
	return s.transition(ctx, task, next, domain.ActiveStates...)
}

// RetryNow moves a deferred task back to scheduled and announces it. Only a
// row still in retry is moved.
func (s *Service) RetryNow(ctx context.Context, task *domain.Task) error {
	next := task.Clone()
	next.MarkScheduled()
	if err := s.transition(ctx, task, next, domain.StateRetry); err != nil {
		return err
	}
	return s.announce(ctx, task)
}

// Cancel requests cancellation of the task with id. A task nobody has picked
// up yet is canceled outright; a running one is flagged and the managers are
// told so the owner can stop it. Cancelling a finished task is a no-op that
// returns the task unchanged.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (*domain.Task, error) {
	if reason == "" {
		reason = domain.ReasonCanceled
	}
	for range 3 {
		task, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.State.IsTerminal() {
			return task, nil
		}

		next := task.Clone()
		next.CancelRequested = true
		from := []domain.State{domain.StateStarted}
		if task.State != domain.StateStarted {
			next.MarkCanceled(reason)
			from = []domain.State{domain.StateScheduled, domain.StateRetry}
		}

		err = s.transition(ctx, task, next, from...)
		var invalid *domain.InvalidStateError
		if errors.As(err, &invalid) {
			continue // the row moved underneath us; look again
		}
		if err != nil {
			return nil, err
		}

		if perr := pubsub.PublishJSON(ctx, s.transport, domain.ChannelCancel, domain.CancelEvent{
			TaskID: task.ID,
			Reason: reason,
			Trace:  telemetry.InjectMap(ctx),
		}); perr != nil {
			telemetry.PublishErrors.WithLabelValues(domain.ChannelCancel).Inc()
			return task, perr
		}
		return task, nil
	}
	return nil, fmt.Errorf("cancel task %d: state kept changing", id)
}

// MarkCanceled moves task to canceled without announcing it. Managers use it
// for tasks they own.
func (s *Service) MarkCanceled(ctx context.Context, task *domain.Task, reason string) error {
	next := task.Clone()
	next.MarkCanceled(reason)
	return s.transition(ctx, task, next, domain.ActiveStates...)
}

// RestartEngine asks every manager to drain and restart.
func (s *Service) RestartEngine(ctx context.Context) error {
	if err := s.transport.Publish(ctx, domain.ChannelRestart, nil); err != nil {
		telemetry.PublishErrors.WithLabelValues(domain.ChannelRestart).Inc()
		return err
	}
	return nil
}

// Log appends an entry to the task's log.
func (s *Service) Log(ctx context.Context, taskID int64, kind domain.LogKind, text string) error {
	return s.repo.AppendLog(ctx, &domain.TaskLogEntry{
		TaskID:    taskID,
		CreatedAt: s.now(),
		Kind:      kind,
		Text:      text,
	})
}

// transition writes next if the stored row is in one of from, then copies
// next into task so the caller sees the new state.
func (s *Service) transition(ctx context.Context, task, next *domain.Task, from ...domain.State) error {
	ok, err := s.repo.UpdateIf(ctx, next, from...)
	if err != nil {
		return err
	}
	if !ok {
		cur, gerr := s.repo.GetByID(ctx, task.ID)
		if gerr != nil {
			return gerr
		}
		return &domain.InvalidStateError{TaskID: task.ID, State: cur.State, Want: from}
	}
	*task = *next
	telemetry.TaskTransitions.WithLabelValues(task.State.String()).Inc()
	return nil
}

func (s *Service) announce(ctx context.Context, task *domain.Task) error {
	err := pubsub.PublishJSON(ctx, s.transport, task.Channel, domain.DispatchEvent{
		TaskID:       task.ID,
		Namespace:    task.Namespace,
		FunctionName: task.FunctionName,
		Payload:      task.Payload,
		Trace:        telemetry.InjectMap(ctx),
	})
	if err != nil {
		telemetry.PublishErrors.WithLabelValues(task.Channel).Inc()
		s.logger.Error("task announce failed",
			slog.Int64("task_id", task.ID),
			slog.String("channel", task.Channel),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("announce task %d: %w", task.ID, err)
	}
	return nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}
