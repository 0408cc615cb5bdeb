package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/handlers"
	"github.com/311labs/taskqueue/internal/pubsub"
	"github.com/311labs/taskqueue/internal/queue"
	redisstore "github.com/311labs/taskqueue/internal/redis"
	"github.com/311labs/taskqueue/pkg/telemetry"
)

var (
	// ErrRestartRequested is returned by Run after a restart message drained
	// the manager. The caller is expected to restart the process.
	ErrRestartRequested = errors.New("manager: restart requested")

	// ErrCanceled is the cancellation cause seen by a handler whose task was
	// canceled.
	ErrCanceled = errors.New("task canceled")

	errShutdown = errors.New("manager shutting down")
)

// UnfinishedPolicy decides what happens to a task whose handler returned
// without recording an outcome.
type UnfinishedPolicy string

const (
	UnfinishedComplete UnfinishedPolicy = "complete"
	UnfinishedFail     UnfinishedPolicy = "fail"
)

// DefaultHardCeiling is the runtime past which a task still running at
// shutdown is failed instead of requeued.
const DefaultHardCeiling = 300 * time.Second

// Resolver finds the handler for a task.
type Resolver interface {
	Resolve(channel, namespace, function string) (handlers.Handler, error)
}

// Heartbeater records the manager's load somewhere other processes can see.
type Heartbeater interface {
	Heartbeat(ctx context.Context, status redisstore.ManagerStatus) error
	Remove(ctx context.Context, id string) error
}

// entry tracks one accepted task from submission until its goroutine exits.
type entry struct {
	task    *domain.Task
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	running bool
	run     *queue.Run
	reason  string
}

// Manager runs tasks from its subscribed channels on a bounded pool.
type Manager struct {
	id          string
	svc         *queue.Service
	transport   pubsub.Transport
	resolver    Resolver
	channels    []string
	limit       int
	sem         *semaphore.Weighted
	cancelWait  time.Duration
	hardCeiling time.Duration
	restartWait time.Duration
	unfinished  UnfinishedPolicy
	transient   []string
	heartbeat   Heartbeater
	beatEvery   time.Duration
	logger      *slog.Logger
	startedAt   time.Time

	mu       sync.Mutex
	tasks    map[int64]*entry
	running  int
	pending  int
	active   bool
	stopping chan struct{}
	stopOnce sync.Once
	restart  atomic.Bool
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithConcurrency(n int) Option                   { return func(m *Manager) { m.limit = n } }
func WithCancelWait(d time.Duration) Option          { return func(m *Manager) { m.cancelWait = d } }
func WithHardCeiling(d time.Duration) Option         { return func(m *Manager) { m.hardCeiling = d } }
func WithRestartTimeout(d time.Duration) Option      { return func(m *Manager) { m.restartWait = d } }
func WithUnfinishedPolicy(p UnfinishedPolicy) Option { return func(m *Manager) { m.unfinished = p } }
func WithTransientErrors(s ...string) Option         { return func(m *Manager) { m.transient = s } }
func WithLogger(l *slog.Logger) Option               { return func(m *Manager) { m.logger = l } }
func WithID(id string) Option                        { return func(m *Manager) { m.id = id } }

// WithHeartbeat publishes Stats to h every interval while Run is active.
func WithHeartbeat(h Heartbeater, interval time.Duration) Option {
	return func(m *Manager) { m.heartbeat, m.beatEvery = h, interval }
}

// New constructs a Manager for channels.
func New(svc *queue.Service, transport pubsub.Transport, resolver Resolver, channels []string, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		id:          host,
		svc:         svc,
		transport:   transport,
		resolver:    resolver,
		channels:    slices.Clone(channels),
		limit:       4,
		cancelWait:  2 * time.Second,
		hardCeiling: DefaultHardCeiling,
		restartWait: 30 * time.Second,
		unfinished:  UnfinishedComplete,
		transient:   []string{"connection already closed"},
		beatEvery:   15 * time.Second,
		logger:      slog.Default(),
		tasks:       make(map[int64]*entry),
		stopping:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limit < 1 {
		m.limit = 1
	}
	m.sem = semaphore.NewWeighted(int64(m.limit))
	m.startedAt = svc.Now()
	return m
}

// ID identifies this manager in logs and the heartbeat registry.
func (m *Manager) ID() string { return m.id }

// Stats is a point-in-time view of the manager's load.
type Stats struct {
	ID       string   `json:"id"`
	Channels []string `json:"channels"`
	Limit    int      `json:"limit"`
	Running  int      `json:"running"`
	Pending  int      `json:"pending"`
	TaskIDs  []int64  `json:"task_ids"`
	Active   bool     `json:"active"`
}

// Stats reports the current load.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return Stats{
		ID:       m.id,
		Channels: slices.Clone(m.channels),
		Limit:    m.limit,
		Running:  m.running,
		Pending:  m.pending,
		TaskIDs:  ids,
		Active:   m.active,
	}
}

func (m *Manager) subscribed(channel string) bool {
	return slices.Contains(m.channels, channel)
}

func (m *Manager) isStopping() bool {
	select {
	case <-m.stopping:
		return true
	default:
		return false
	}
}

// Run subscribes, replays the backlog and dispatches messages until ctx is
// canceled or Stop is called. After a restart message it returns
// ErrRestartRequested.
func (m *Manager) Run(ctx context.Context) error {
	sub, err := m.transport.Subscribe(ctx, append(slices.Clone(m.channels), domain.ChannelCancel, domain.ChannelRestart)...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Close() }()

	m.mu.Lock()
	m.active = true
	m.mu.Unlock()

	if m.heartbeat != nil {
		beatCtx, stopBeat := context.WithCancel(ctx)
		defer stopBeat()
		go m.heartbeatLoop(beatCtx)
	}

	m.logger.Info("manager starting",
		slog.String("manager_id", m.id),
		slog.Any("channels", m.channels),
		slog.Int("concurrency", m.limit),
	)

	if err := m.ProcessBacklog(ctx); err != nil {
		m.logger.Error("backlog replay failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopping:
			if m.restart.Load() {
				return ErrRestartRequested
			}
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil || m.isStopping() {
					continue
				}
				return errors.New("manager: subscription closed")
			}
			m.dispatch(ctx, msg)
		}
	}
}

// dispatch runs AddEvent, keeping the loop alive on errors and panics.
func (m *Manager) dispatch(ctx context.Context, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic handling event",
				slog.String("channel", msg.Channel),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := m.AddEvent(ctx, msg); err != nil {
		m.logger.Warn("event not handled",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
	}
}

// AddEvent handles one pub/sub message.
func (m *Manager) AddEvent(ctx context.Context, msg domain.Message) error {
	switch msg.Channel {
	case domain.ChannelRestart:
		telemetry.ManagerEventsTotal.WithLabelValues("restart").Inc()
		m.logger.Info("restart requested, draining")
		m.restart.Store(true)
		m.Stop(m.restartWait)
		return nil

	case domain.ChannelCancel:
		telemetry.ManagerEventsTotal.WithLabelValues("cancel").Inc()
		var ev domain.CancelEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode cancel event: %w", err)
		}
		task, err := m.svc.Get(ctx, ev.TaskID)
		if err != nil {
			return err
		}
		reason := ev.Reason
		if reason == "" {
			reason = domain.ReasonCanceled
		}
		return m.CancelTask(telemetry.ExtractMap(ctx, ev.Trace), task, reason)

	default:
		telemetry.ManagerEventsTotal.WithLabelValues("dispatch").Inc()
		var ev domain.DispatchEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode dispatch event: %w", err)
		}
		task, err := m.svc.Get(ctx, ev.TaskID)
		if err != nil {
			return err
		}
		return m.AddTask(telemetry.ExtractMap(ctx, ev.Trace), task)
	}
}

// AddTask accepts task for execution. Stale tasks are failed immediately;
// a task that is already tracked is dropped.
func (m *Manager) AddTask(ctx context.Context, task *domain.Task) error {
	if m.isStopping() {
		return errShutdown
	}
	if task.State.IsTerminal() {
		return nil
	}
	if task.IsStale(m.svc.Now()) {
		m.logger.Info("task is stale", slog.Int64("task_id", task.ID))
		return m.svc.FailStale(ctx, task)
	}

	// the task outlives the event that delivered it but keeps its trace
	taskCtx, cancel := context.WithCancelCause(
		trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx)),
	)
	e := &entry{task: task, ctx: taskCtx, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.isStopping() {
		m.mu.Unlock()
		cancel(nil)
		return errShutdown
	}
	if _, ok := m.tasks[task.ID]; ok {
		m.mu.Unlock()
		cancel(nil)
		telemetry.ManagerDuplicatesTotal.Inc()
		m.logger.Warn("task already tracked, dropping duplicate", slog.Int64("task_id", task.ID))
		return nil
	}
	m.tasks[task.ID] = e
	m.pending++
	m.updateGauges()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.slot(e)
	return nil
}

// slot waits for a pool slot and runs the task.
func (m *Manager) slot(e *entry) {
	defer m.wg.Done()
	defer close(e.done)
	defer m.untrack(e)

	if err := m.sem.Acquire(e.ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	if e.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	e.running = true
	m.pending--
	m.running++
	m.updateGauges()
	m.mu.Unlock()

	m.onRunTask(e)
}

func (m *Manager) untrack(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[e.task.ID] == e {
		delete(m.tasks, e.task.ID)
	}
	if e.running {
		m.running--
	} else {
		m.pending--
	}
	m.updateGauges()
	e.cancel(nil)
}

// updateGauges must be called with mu held.
func (m *Manager) updateGauges() {
	telemetry.ManagerRunning.Set(float64(m.running))
	telemetry.ManagerPending.Set(float64(m.pending))
}

// onRunTask executes a task inside a pool slot. The store is re-read first:
// whatever this manager was told, the stored row decides whether to run.
func (m *Manager) onRunTask(e *entry) {
	ctx := e.ctx
	ctx, span := otel.Tracer("manager").Start(ctx, "manager.run_task")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", e.task.ID),
		attribute.String("task.channel", e.task.Channel),
		attribute.String("manager.id", m.id),
	)

	log := m.logger.With(slog.Int64("task_id", e.task.ID), slog.String("channel", e.task.Channel))
	store := context.WithoutCancel(ctx)

	task, err := m.svc.Get(store, e.task.ID)
	if err != nil {
		log.Error("reload task failed", slog.String("error", err.Error()))
		return
	}
	if !slices.Contains(domain.ActiveStates, task.State) {
		log.Info("task no longer runnable", slog.String("state", task.State.String()))
		return
	}
	if task.CancelRequested {
		log.Info("task has cancel request")
		m.markCanceled(store, task, domain.ReasonCanceled)
		return
	}
	now := m.svc.Now()
	if task.State == domain.StateRetry && task.ScheduledFor != nil && task.ScheduledFor.After(now) {
		log.Info("task not due yet", slog.Time("scheduled_for", *task.ScheduledFor))
		return
	}
	if task.IsStale(now) {
		log.Info("task is stale")
		_ = m.svc.FailStale(store, task)
		return
	}

	h, err := m.resolver.Resolve(task.Channel, task.Namespace, task.FunctionName)
	if err != nil {
		log.Error("no handler for task", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		_ = m.svc.Failed(store, task, domain.ReasonNoHandler)
		return
	}

	run := queue.NewRun(m.svc, task)
	m.mu.Lock()
	if ctx.Err() != nil {
		reason := e.reason
		m.mu.Unlock()
		if errors.Is(context.Cause(ctx), ErrCanceled) {
			m.markCanceled(store, task, reason)
		}
		return
	}
	e.run = run
	m.mu.Unlock()
	if err := run.Started(ctx); err != nil {
		log.Info("task not started", slog.String("error", err.Error()))
		return
	}

	start := time.Now()
	herr := invoke(ctx, h, run)
	duration := time.Since(start)

	if run.Abandoned() {
		log.Warn("result discarded, task was abandoned at shutdown")
		return
	}

	outcome := m.settle(ctx, e, run, herr, log)
	span.SetAttributes(attribute.String("task.outcome", outcome))
	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, outcome)
	}
	telemetry.ManagerTaskDurationSeconds.WithLabelValues(task.Channel, outcome).Observe(duration.Seconds())
	log.Info("task finished",
		slog.String("outcome", outcome),
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.Int("attempts", run.Task().Attempts),
	)
}

// settle records the outcome of a handler that has returned. Outcomes the
// handler recorded itself are kept.
func (m *Manager) settle(ctx context.Context, e *entry, run *queue.Run, herr error, log *slog.Logger) string {
	if errors.Is(context.Cause(ctx), ErrCanceled) {
		if !run.State().IsTerminal() {
			m.mu.Lock()
			reason := e.reason
			m.mu.Unlock()
			if err := run.Canceled(ctx, reason); err != nil {
				log.Error("record cancel failed", slog.String("error", err.Error()))
			}
		}
		return domain.StateCanceled.String()
	}

	if herr != nil {
		_ = run.Log(ctx, domain.LogException, exceptionText(herr))
		if run.State() != domain.StateStarted {
			return run.State().String()
		}
		if m.isTransient(herr) {
			log.Warn("transient failure, retrying later", slog.String("error", herr.Error()))
			if err := run.RetryLater(ctx, herr.Error(), run.Backoff()); err != nil {
				log.Error("record retry failed", slog.String("error", err.Error()))
			}
		} else {
			log.Error("handler failed", slog.String("error", herr.Error()))
			if err := run.Failed(ctx, herr.Error()); err != nil {
				log.Error("record failure failed", slog.String("error", err.Error()))
			}
		}
		return run.State().String()
	}

	if err := run.Refresh(ctx); err != nil {
		log.Error("reload task failed", slog.String("error", err.Error()))
		return run.State().String()
	}
	if run.State() != domain.StateStarted {
		return run.State().String()
	}

	switch m.unfinished {
	case UnfinishedFail:
		log.Warn("handler returned without completing, failing task")
		if err := run.Failed(ctx, domain.ReasonUnfinished); err != nil {
			log.Error("record failure failed", slog.String("error", err.Error()))
		}
	default:
		log.Warn("handler returned without completing, marking completed")
		_ = run.Log(ctx, domain.LogInfo, domain.ReasonUnfinished+"; marked completed")
		if err := run.Completed(ctx); err != nil {
			log.Error("record completion failed", slog.String("error", err.Error()))
		}
	}
	return run.State().String()
}

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func invoke(ctx context.Context, h handlers.Handler, run *queue.Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, run)
}

func exceptionText(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return fmt.Sprintf("%v\n%s", p.Value, p.Stack)
	}
	return err.Error()
}

func (m *Manager) isTransient(err error) bool {
	if errors.Is(err, domain.ErrTransient) {
		return true
	}
	msg := err.Error()
	for _, s := range m.transient {
		if s != "" && strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// CancelTask cancels task. Untracked tasks are canceled in the store; a
// pending task loses its slot; a running handler has its context canceled
// and is given cancel_wait to return. Handlers that ignore their context
// keep running.
func (m *Manager) CancelTask(ctx context.Context, task *domain.Task, reason string) error {
	m.mu.Lock()
	e, ok := m.tasks[task.ID]
	if !ok {
		m.mu.Unlock()
		m.markCanceled(ctx, task, reason)
		return nil
	}
	e.reason = reason
	running := e.running
	e.cancel(ErrCanceled)
	m.mu.Unlock()

	if !running {
		m.logger.Info("pending task canceled", slog.Int64("task_id", task.ID))
		m.markCanceled(ctx, task, reason)
		return nil
	}

	select {
	case <-e.done:
		m.logger.Info("running task canceled", slog.Int64("task_id", task.ID))
	case <-time.After(m.cancelWait):
		m.logger.Warn("task still running after cancel, leaving it",
			slog.Int64("task_id", task.ID),
			slog.Duration("waited", m.cancelWait),
		)
	}
	return nil
}

func (m *Manager) markCanceled(ctx context.Context, task *domain.Task, reason string) {
	if task.State.IsTerminal() {
		return
	}
	err := m.svc.MarkCanceled(context.WithoutCancel(ctx), task.Clone(), reason)
	var invalid *domain.InvalidStateError
	if err != nil && !errors.As(err, &invalid) {
		m.logger.Error("mark canceled failed",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ProcessBacklog resubmits every non-terminal task on a subscribed channel.
// Tasks on other channels are canceled; deferred tasks not yet due are left
// for the sweeper.
func (m *Manager) ProcessBacklog(ctx context.Context) error {
	tasks, err := m.svc.Repository().List(ctx, domain.TaskFilter{States: domain.ActiveStates})
	if err != nil {
		return fmt.Errorf("list backlog: %w", err)
	}
	now := m.svc.Now()
	resubmitted := 0
	for _, task := range tasks {
		if !m.subscribed(task.Channel) {
			m.logger.Warn("canceling task on unsupported channel",
				slog.Int64("task_id", task.ID),
				slog.String("channel", task.Channel),
			)
			m.markCanceled(ctx, task, domain.ReasonUnsupportedChannel)
			continue
		}
		if task.CancelRequested {
			reason := task.Reason
			if reason == "" {
				reason = domain.ReasonCanceled
			}
			m.markCanceled(ctx, task, reason)
			continue
		}
		if task.State == domain.StateRetry && task.ScheduledFor != nil && task.ScheduledFor.After(now) {
			continue
		}
		if err := m.AddTask(ctx, task); err != nil {
			return err
		}
		resubmitted++
	}
	m.logger.Info("backlog replayed", slog.Int("resubmitted", resubmitted), slog.Int("scanned", len(tasks)))
	return nil
}

// Stop drains the manager. Pending tasks are released and stay scheduled in
// the store; running tasks get timeout to finish. Tasks still running after
// that are failed if they have run past the hard ceiling and requeued
// otherwise; their late results are discarded.
//
// Only the first call drains. Later and concurrent calls block until it has
// finished and ignore their own timeout.
func (m *Manager) Stop(timeout time.Duration) {
	m.stopOnce.Do(func() { m.stop(timeout) })
}

func (m *Manager) stop(timeout time.Duration) {
	m.mu.Lock()
	m.active = false
	close(m.stopping)
	for _, e := range m.tasks {
		if !e.running {
			e.cancel(errShutdown)
		}
	}
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		m.logger.Info("manager drained")
	case <-time.After(timeout):
		m.abandonRunning()
	}

	if m.heartbeat != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.heartbeat.Remove(ctx, m.id)
	}
}

func (m *Manager) abandonRunning() {
	m.mu.Lock()
	var stuck []*queue.Run
	for _, e := range m.tasks {
		if !e.running {
			continue
		}
		e.cancel(errShutdown)
		if e.run != nil {
			stuck = append(stuck, e.run)
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	now := m.svc.Now()
	for _, run := range stuck {
		if run.Abandoned() {
			continue
		}
		run.Abandon()
		task := run.Task()
		if task.State != domain.StateStarted {
			continue
		}

		var err error
		if task.Runtime(now) >= m.hardCeiling {
			m.logger.Warn("killing long running task", slog.Int64("task_id", task.ID))
			err = m.svc.Failed(ctx, task, domain.ReasonKilled)
		} else {
			m.logger.Warn("requeueing running task", slog.Int64("task_id", task.ID))
			err = m.svc.RetryLater(ctx, task, domain.ReasonEngineRestarting, m.svc.Backoff(task.Attempts))
		}
		if err != nil {
			m.logger.Error("record shutdown outcome failed",
				slog.Int64("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(m.beatEvery)
	defer t.Stop()
	host, _ := os.Hostname()
	for {
		s := m.Stats()
		err := m.heartbeat.Heartbeat(ctx, redisstore.ManagerStatus{
			ID:        s.ID,
			Hostname:  host,
			Channels:  s.Channels,
			Limit:     s.Limit,
			Running:   s.Running,
			Pending:   s.Pending,
			TaskIDs:   s.TaskIDs,
			StartedAt: m.startedAt,
		})
		if err != nil && ctx.Err() == nil {
			m.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-m.stopping:
			return
		case <-t.C:
		}
	}
}
