package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/notify"
	"github.com/311labs/taskqueue/internal/queue"
	redisstore "github.com/311labs/taskqueue/internal/redis"
	"github.com/311labs/taskqueue/pkg/telemetry"
)

const (
	DefaultRetrySchedule      = "*/5 * * * *"
	DefaultCleanupSchedule    = "45 10 * * *"
	DefaultBatchSize          = 200
	DefaultBacklogThreshold   = 200
	DefaultRetentionAll       = 90 * 24 * time.Hour
	DefaultRetentionCompleted = 7 * 24 * time.Hour
)

// Elector decides whether this instance should act on a tick. The Redis
// leader lease satisfies it.
type Elector interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ManagerLister reports live managers for backlog alerts.
type ManagerLister interface {
	List(ctx context.Context) ([]redisstore.ManagerStatus, error)
}

// Sweeper requeues deferred tasks once due, alerts on backlog and prunes old
// rows on a cron schedule.
type Sweeper struct {
	svc       *queue.Service
	notifier  notify.Notifier
	leader    Elector
	managers  ManagerLister
	logger    *slog.Logger
	now       func() time.Time
	batch     int
	threshold int
	keepAll   time.Duration
	keepDone  time.Duration
	retrySpec string
	cleanSpec string
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithNotifier(n notify.Notifier) Option { return func(s *Sweeper) { s.notifier = n } }
func WithLeader(e Elector) Option           { return func(s *Sweeper) { s.leader = e } }
func WithManagers(m ManagerLister) Option   { return func(s *Sweeper) { s.managers = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *Sweeper) { s.logger = l } }
func WithBatchSize(n int) Option            { return func(s *Sweeper) { s.batch = n } }
func WithBacklogThreshold(n int) Option     { return func(s *Sweeper) { s.threshold = n } }
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// WithRetention sets how long tasks of any state, and completed tasks, are
// kept.
func WithRetention(all, completed time.Duration) Option {
	return func(s *Sweeper) { s.keepAll, s.keepDone = all, completed }
}

// WithSchedules overrides the cron specs for the retry sweep and cleanup.
func WithSchedules(retry, cleanup string) Option {
	return func(s *Sweeper) { s.retrySpec, s.cleanSpec = retry, cleanup }
}

// New creates a Sweeper over svc.
func New(svc *queue.Service, opts ...Option) *Sweeper {
	s := &Sweeper{
		svc:       svc,
		logger:    slog.Default(),
		now:       svc.Now,
		batch:     DefaultBatchSize,
		threshold: DefaultBacklogThreshold,
		keepAll:   DefaultRetentionAll,
		keepDone:  DefaultRetentionCompleted,
		retrySpec: DefaultRetrySchedule,
		cleanSpec: DefaultCleanupSchedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.Log{Logger: s.logger}
	}
	return s
}

// SweepResult counts what one retry sweep did.
type SweepResult struct {
	Requeued int
	Stale    int
	Skipped  int
}

// SweepRetries moves up to one batch of due retry tasks back to scheduled and
// announces them. Tasks past their stale deadline are failed instead.
func (s *Sweeper) SweepRetries(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	tasks, err := s.svc.Repository().List(ctx, domain.TaskFilter{
		States: []domain.State{domain.StateRetry},
		Due:    &now,
		Limit:  s.batch,
	})
	if err != nil {
		return res, fmt.Errorf("list due retries: %w", err)
	}

	var errs []error
	for _, task := range tasks {
		if task.IsStale(now) {
			err = s.svc.FailStale(ctx, task)
			if err == nil {
				res.Stale++
				telemetry.SweeperStaleTotal.Inc()
			}
		} else {
			err = s.svc.RetryNow(ctx, task)
			if err == nil {
				res.Requeued++
				telemetry.SweeperRequeuedTotal.Inc()
			}
		}

		var invalid *domain.InvalidStateError
		switch {
		case err == nil:
		case errors.As(err, &invalid):
			// someone else moved it since the query
			res.Skipped++
		default:
			errs = append(errs, fmt.Errorf("task %d: %w", task.ID, err))
		}
	}

	if len(tasks) > 0 {
		s.logger.Info("retry sweep",
			slog.Int("due", len(tasks)),
			slog.Int("requeued", res.Requeued),
			slog.Int("stale", res.Stale),
			slog.Int("skipped", res.Skipped),
		)
	}
	return res, errors.Join(errs...)
}

// CheckBacklog counts scheduled tasks and raises an alert when the count is
// above the threshold. It returns the count.
func (s *Sweeper) CheckBacklog(ctx context.Context) (int, error) {
	byChannel, err := s.svc.Repository().CountByChannel(ctx, domain.TaskFilter{
		States: []domain.State{domain.StateScheduled},
	})
	if err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}

	telemetry.Backlog.Reset()
	total := 0
	channels := make([]string, 0, len(byChannel))
	for ch, n := range byChannel {
		telemetry.Backlog.WithLabelValues(ch).Set(float64(n))
		total += n
		channels = append(channels, ch)
	}
	if total <= s.threshold {
		return total, nil
	}

	slices.Sort(channels)
	var body strings.Builder
	fmt.Fprintf(&body, "%d tasks are waiting for a manager (threshold %d).\n", total, s.threshold)
	for _, ch := range channels {
		fmt.Fprintf(&body, "  %s: %d\n", ch, byChannel[ch])
	}

	labels := map[string]string{"backlog": strconv.Itoa(total)}
	if s.managers != nil {
		live, err := s.managers.List(ctx)
		if err != nil {
			s.logger.Warn("list managers failed", slog.String("error", err.Error()))
		} else {
			labels["managers"] = strconv.Itoa(len(live))
			fmt.Fprintf(&body, "%d managers are alive.\n", len(live))
		}
	}

	s.logger.Warn("task backlog above threshold", slog.Int("backlog", total), slog.Int("threshold", s.threshold))
	if err := s.notifier.Notify(ctx, notify.Alert{
		Subject: "Task Worker Backlog",
		Body:    body.String(),
		Labels:  labels,
	}); err != nil {
		s.logger.Error("backlog alert failed", slog.String("error", err.Error()))
	}
	return total, nil
}

// Cleanup deletes every task created before the long retention window and
// completed tasks created before the short one. It returns the rows removed.
func (s *Sweeper) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	allBefore := now.Add(-s.keepAll)
	all, err := s.svc.Repository().Delete(ctx, domain.TaskFilter{CreatedBefore: &allBefore})
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	telemetry.SweeperDeletedTotal.WithLabelValues("all").Add(float64(all))

	doneBefore := now.Add(-s.keepDone)
	done, err := s.svc.Repository().Delete(ctx, domain.TaskFilter{
		States:        []domain.State{domain.StateCompleted},
		CreatedBefore: &doneBefore,
	})
	if err != nil {
		return all, fmt.Errorf("delete completed tasks: %w", err)
	}
	telemetry.SweeperDeletedTotal.WithLabelValues("completed").Add(float64(done))

	s.logger.Info("cleanup", slog.Int64("expired", all), slog.Int64("completed", done))
	return all + done, nil
}

// RunOnce performs a retry sweep, a backlog check and a cleanup immediately,
// without consulting the leader lease.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.now()
	_, err1 := s.SweepRetries(ctx, now)
	_, err2 := s.CheckBacklog(ctx)
	_, err3 := s.Cleanup(ctx, now)
	return errors.Join(err1, err2, err3)
}

// Run schedules the sweeps and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.retrySpec, s.guard(ctx, "retry", func(ctx context.Context) error {
		_, err := s.SweepRetries(ctx, s.now())
		_, berr := s.CheckBacklog(ctx)
		return errors.Join(err, berr)
	})); err != nil {
		return fmt.Errorf("retry schedule %q: %w", s.retrySpec, err)
	}
	if _, err := c.AddFunc(s.cleanSpec, s.guard(ctx, "cleanup", func(ctx context.Context) error {
		_, err := s.Cleanup(ctx, s.now())
		return err
	})); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", s.cleanSpec, err)
	}

	s.logger.Info("sweeper starting",
		slog.String("retry_schedule", s.retrySpec),
		slog.String("cleanup_schedule", s.cleanSpec),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	if s.leader != nil {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leader.Release(relCtx); err != nil {
			s.logger.Warn("release leadership", slog.String("error", err.Error()))
		}
	}
	return nil
}

// guard wraps job so it only runs while this instance holds the lease.
func (s *Sweeper) guard(ctx context.Context, name string, job func(context.Context) error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		if s.leader != nil {
			ok, err := s.leader.Acquire(ctx)
			if err != nil {
				s.logger.Error("leader election", slog.String("error", err.Error()))
				return
			}
			if !ok {
				s.logger.Debug("not leader, skipping", slog.String("job", name))
				return
			}
		}
		if err := job(ctx); err != nil {
			s.logger.Error("sweep failed", slog.String("job", name), slog.String("error", err.Error()))
		}
	}
}
