package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/handlers"
	"github.com/311labs/taskqueue/internal/memstore"
	"github.com/311labs/taskqueue/internal/pubsub"
	"github.com/311labs/taskqueue/internal/queue"
	redisstore "github.com/311labs/taskqueue/internal/redis"
	"github.com/311labs/taskqueue/pkg/retry"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── mocks ────────────────────────────────────────────────────────────────────

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeHeartbeater struct {
	mu       sync.Mutex
	statuses []redisstore.ManagerStatus
	removed  []string
}

func (f *fakeHeartbeater) Heartbeat(_ context.Context, st redisstore.ManagerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeHeartbeater) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeHeartbeater) beats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

// gate blocks handlers until released and counts how many are inside.
type gate struct {
	release chan struct{}
	once    sync.Once
	inside  atomic.Int32
	peak    atomic.Int32
}

func newGate(t *testing.T) *gate {
	g := &gate{release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) enter() {
	n := g.inside.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
}

func (g *gate) leave() { g.inside.Add(-1) }

// ── helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	store     *memstore.Store
	transport *pubsub.Memory
	svc       *queue.Service
	reg       *handlers.Registry
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     memstore.New(),
		transport: pubsub.NewMemory(),
		reg:       handlers.NewRegistry(),
		clock:     &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = queue.NewService(h.store, h.transport,
		queue.WithBackoff(retry.Policy{Base: time.Minute, Max: time.Hour}),
		queue.WithClock(h.clock.Now),
		queue.WithLogger(discardLogger),
	)
	t.Cleanup(func() { _ = h.transport.Close() })
	return h
}

func (h *harness) manager(opts ...Option) *Manager {
	opts = append([]Option{WithLogger(discardLogger), WithID("test-manager")}, opts...)
	return New(h.svc, h.transport, h.reg, []string{domain.ChannelDefault}, opts...)
}

// start runs m in the background and stops it when the test ends.
func (h *harness) start(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		m.Stop(time.Second)
	})
	return errc
}

func (h *harness) publish(t *testing.T, function string) *domain.Task {
	t.Helper()
	task, err := h.svc.Publish(context.Background(), queue.PublishRequest{
		Namespace:    "test",
		FunctionName: function,
	})
	require.NoError(t, err)
	return task
}

func (h *harness) get(t *testing.T, id int64) *domain.Task {
	t.Helper()
	task, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) waitState(t *testing.T, id int64, want domain.State) *domain.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := h.store.GetByID(context.Background(), id)
		return err == nil && task.State == want
	}, 2*time.Second, 5*time.Millisecond, "task %d never reached %s", id, want)
	return h.get(t, id)
}

func waitRunning(t *testing.T, m *Manager, running, pending int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Running == running && s.Pending == pending
	}, 2*time.Second, 5*time.Millisecond, "expected %d running and %d pending", running, pending)
}

// ── scenarios ─────────────────────────────────────────────────────────────────

func TestManager_CompletesTask(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterFunc("test", "ok", func(ctx context.Context, run *queue.Run) error {
		return run.Completed(ctx)
	})
	h.start(t, h.manager())

	task := h.publish(t, "ok")

	got := h.waitState(t, task.ID, domain.StateCompleted)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.CompletedAt)
}

func TestManager_TransientErrorRetriesLater(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterFunc("test", "flaky", func(context.Context, *queue.Run) error {
		return errors.New("pq: connection already closed")
	})
	h.start(t, h.manager())

	task := h.publish(t, "flaky")

	got := h.waitState(t, task.ID, domain.StateRetry)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ScheduledFor)
	assert.True(t, got.ScheduledFor.After(h.clock.Now()))
	assert.Equal(t, h.clock.Now().Add(time.Minute), *got.ScheduledFor)
}

func TestManager_WrappedTransientErrorRetriesLater(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterFunc("test", "flaky", func(context.Context, *queue.Run) error {
		return domain.Transient(errors.New("upstream unavailable"))
	})
	m := h.manager()
	task := h.publish(t, "flaky")

	require.NoError(t, m.AddTask(context.Background(), task))

	got := h.waitState(t, task.ID, domain.StateRetry)
	assert.Contains(t, got.Reason, "upstream unavailable")
}

func TestManager_CanceledBeforePickupNeverRuns(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.reg.RegisterFunc("test", "ok", func(ctx context.Context, run *queue.Run) error {
		calls.Add(1)
		return run.Completed(ctx)
	})

	task := h.publish(t, "ok")
	_, err := h.svc.Cancel(context.Background(), task.ID, "")
	require.NoError(t, err)

	m := h.manager()
	require.NoError(t, m.ProcessBacklog(context.Background()))
	require.NoError(t, m.AddTask(context.Background(), h.get(t, task.ID)))
	m.Stop(time.Second)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateCanceled, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Zero(t, calls.Load())
}

func TestManager_PoolBoundsConcurrency(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	h.reg.RegisterFunc("test", "block", func(ctx context.Context, run *queue.Run) error {
		g.enter()
		defer g.leave()
		<-g.release
		return run.Completed(ctx)
	})
	m := h.manager(WithConcurrency(2))

	tasks := []*domain.Task{h.publish(t, "block"), h.publish(t, "block"), h.publish(t, "block")}
	for _, task := range tasks {
		require.NoError(t, m.AddTask(context.Background(), task))
	}

	waitRunning(t, m, 2, 1)
	assert.Equal(t, int32(2), g.inside.Load())

	g.open()
	for _, task := range tasks {
		h.waitState(t, task.ID, domain.StateCompleted)
	}
	assert.Equal(t, int32(2), g.peak.Load(), "never more than the pool limit at once")
	waitRunning(t, m, 0, 0)
}

// ── submission ────────────────────────────────────────────────────────────────

func TestManager_AddTaskIgnoresDuplicates(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	var calls atomic.Int32
	h.reg.RegisterFunc("test", "block", func(ctx context.Context, run *queue.Run) error {
		calls.Add(1)
		<-g.release
		return run.Completed(ctx)
	})
	m := h.manager()
	task := h.publish(t, "block")

	require.NoError(t, m.AddTask(context.Background(), task))
	require.NoError(t, m.AddTask(context.Background(), task))

	waitRunning(t, m, 1, 0)
	assert.Equal(t, []int64{task.ID}, m.Stats().TaskIDs)

	g.open()
	h.waitState(t, task.ID, domain.StateCompleted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_StaleTaskFailsWithoutRunning(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.reg.RegisterFunc("test", "ok", func(context.Context, *queue.Run) error {
		calls.Add(1)
		return nil
	})
	task, err := h.svc.Publish(context.Background(), queue.PublishRequest{
		Namespace: "test", FunctionName: "ok", StaleAfter: time.Minute,
	})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	m := h.manager()
	require.NoError(t, m.AddTask(context.Background(), task))
	m.Stop(time.Second)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ReasonStale, got.Reason)
	assert.Zero(t, calls.Load())
}

func TestManager_MissingHandlerFails(t *testing.T) {
	h := newHarness(t)
	m := h.manager()
	task := h.publish(t, "nobody")

	require.NoError(t, m.AddTask(context.Background(), task))

	got := h.waitState(t, task.ID, domain.StateFailed)
	assert.Equal(t, domain.ReasonNoHandler, got.Reason)
	assert.Equal(t, 0, got.Attempts)
}

func TestManager_AddTaskAfterStopRejected(t *testing.T) {
	h := newHarness(t)
	m := h.manager()
	m.Stop(time.Second)

	err := m.AddTask(context.Background(), h.publish(t, "ok"))
	require.Error(t, err)
}

// ── cancellation ──────────────────────────────────────────────────────────────

func TestManager_CancelPendingTask(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	var ran []int64
	var mu sync.Mutex
	h.reg.RegisterFunc("test", "block", func(ctx context.Context, run *queue.Run) error {
		mu.Lock()
		ran = append(ran, run.ID())
		mu.Unlock()
		<-g.release
		return run.Completed(ctx)
	})
	m := h.manager(WithConcurrency(1))
	first, second := h.publish(t, "block"), h.publish(t, "block")
	require.NoError(t, m.AddTask(context.Background(), first))
	waitRunning(t, m, 1, 0)
	require.NoError(t, m.AddTask(context.Background(), second))
	waitRunning(t, m, 1, 1)

	require.NoError(t, m.CancelTask(context.Background(), second, "no longer needed"))

	got := h.waitState(t, second.ID, domain.StateCanceled)
	assert.Equal(t, "no longer needed", got.Reason)
	assert.Equal(t, 0, got.Attempts)

	g.open()
	h.waitState(t, first.ID, domain.StateCompleted)
	mu.Lock()
	assert.Equal(t, []int64{first.ID}, ran)
	mu.Unlock()
}

func TestManager_CancelRunningTaskThroughTransport(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.reg.RegisterFunc("test", "wait", func(ctx context.Context, run *queue.Run) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	m := h.manager()
	h.start(t, m)

	task := h.publish(t, "wait")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	_, err := h.svc.Cancel(context.Background(), task.ID, "")
	require.NoError(t, err)

	got := h.waitState(t, task.ID, domain.StateCanceled)
	assert.Equal(t, domain.ReasonCanceled, got.Reason)
	assert.Equal(t, 1, got.Attempts)
	waitRunning(t, m, 0, 0)
}

func TestManager_CancelIgnoredByHandlerWaitsBriefly(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	h.reg.RegisterFunc("test", "stubborn", func(context.Context, *queue.Run) error {
		<-g.release
		return nil
	})
	m := h.manager(WithCancelWait(20 * time.Millisecond))
	task := h.publish(t, "stubborn")
	require.NoError(t, m.AddTask(context.Background(), task))
	waitRunning(t, m, 1, 0)

	start := time.Now()
	require.NoError(t, m.CancelTask(context.Background(), task, domain.ReasonCanceled))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.Equal(t, domain.StateStarted, h.get(t, task.ID).State, "handler still running")

	g.open()
	h.waitState(t, task.ID, domain.StateCanceled)
}

func TestManager_CancelUntrackedTask(t *testing.T) {
	h := newHarness(t)
	m := h.manager()
	task := h.publish(t, "ok")

	require.NoError(t, m.CancelTask(context.Background(), task, "operator"))

	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateCanceled, got.State)
	assert.Equal(t, "operator", got.Reason)
}

func TestManager_CancelTerminalTaskIsNoop(t *testing.T) {
	h := newHarness(t)
	h.store.Put(&domain.Task{ID: 7, Namespace: "test", FunctionName: "ok", State: domain.StateCompleted})
	m := h.manager()

	require.NoError(t, m.CancelTask(context.Background(), h.get(t, 7), "late"))
	assert.Equal(t, domain.StateCompleted, h.get(t, 7).State)
}

// ── outcomes ──────────────────────────────────────────────────────────────────

func TestManager_PanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterFunc("test", "explode", func(context.Context, *queue.Run) error {
		panic("boom")
	})
	m := h.manager()
	task := h.publish(t, "explode")

	require.NoError(t, m.AddTask(context.Background(), task))

	got := h.waitState(t, task.ID, domain.StateFailed)
	assert.Equal(t, "panic: boom", got.Reason)

	logs, err := h.store.ListLogs(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, domain.LogException, logs[0].Kind)
	assert.Contains(t, logs[0].Text, "boom")
	assert.Contains(t, logs[0].Text, "goroutine")

	// the pool keeps working after a panic
	h.reg.RegisterFunc("test", "ok", func(ctx context.Context, run *queue.Run) error {
		return run.Completed(ctx)
	})
	next := h.publish(t, "ok")
	require.NoError(t, m.AddTask(context.Background(), next))
	h.waitState(t, next.ID, domain.StateCompleted)
}

func TestManager_HandlerErrorFails(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterFunc("test", "bad", func(context.Context, *queue.Run) error {
		return errors.New("invalid invoice number")
	})
	m := h.manager()
	task := h.publish(t, "bad")

	require.NoError(t, m.AddTask(context.Background(), task))

	got := h.waitState(t, task.ID, domain.StateFailed)
	assert.Equal(t, "invalid invoice number", got.Reason)
}

func TestManager_HandlerOutcomeIsKept(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterFunc("test", "later", func(ctx context.Context, run *queue.Run) error {
		return run.RetryLater(ctx, "waiting on upstream", 5*time.Minute)
	})
	m := h.manager()
	task := h.publish(t, "later")

	require.NoError(t, m.AddTask(context.Background(), task))

	got := h.waitState(t, task.ID, domain.StateRetry)
	assert.Equal(t, "waiting on upstream", got.Reason)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), *got.ScheduledFor)
}

func TestManager_UnfinishedPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy UnfinishedPolicy
		want   domain.State
	}{
		{"complete", UnfinishedComplete, domain.StateCompleted},
		{"fail", UnfinishedFail, domain.StateFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.reg.RegisterFunc("test", "quiet", func(context.Context, *queue.Run) error { return nil })
			m := h.manager(WithUnfinishedPolicy(tc.policy))
			task := h.publish(t, "quiet")

			require.NoError(t, m.AddTask(context.Background(), task))

			got := h.waitState(t, task.ID, tc.want)
			if tc.want == domain.StateFailed {
				assert.Equal(t, domain.ReasonUnfinished, got.Reason)
			}
		})
	}
}

// ── backlog ───────────────────────────────────────────────────────────────────

func TestManager_ProcessBacklog(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterFunc("test", "ok", func(ctx context.Context, run *queue.Run) error {
		return run.Completed(ctx)
	})
	now := h.clock.Now()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)
	started := now.Add(-10 * time.Second)

	h.store.Put(&domain.Task{ID: 1, Namespace: "test", FunctionName: "ok", State: domain.StateScheduled})
	h.store.Put(&domain.Task{ID: 2, Namespace: "test", FunctionName: "ok", State: domain.StateStarted, StartedAt: &started, Attempts: 1})
	h.store.Put(&domain.Task{ID: 3, Namespace: "test", FunctionName: "ok", State: domain.StateRetry, ScheduledFor: &past})
	h.store.Put(&domain.Task{ID: 4, Namespace: "test", FunctionName: "ok", State: domain.StateRetry, ScheduledFor: &future})
	h.store.Put(&domain.Task{ID: 5, Namespace: "test", FunctionName: "ok", Channel: "reports", State: domain.StateScheduled})
	h.store.Put(&domain.Task{ID: 6, Namespace: "test", FunctionName: "ok", State: domain.StateCompleted})
	h.store.Put(&domain.Task{ID: 7, Namespace: "test", FunctionName: "ok", State: domain.StateScheduled, CancelRequested: true})

	m := h.manager()
	require.NoError(t, m.ProcessBacklog(context.Background()))

	h.waitState(t, 1, domain.StateCompleted)
	assert.Equal(t, 2, h.waitState(t, 2, domain.StateCompleted).Attempts)
	h.waitState(t, 3, domain.StateCompleted)

	assert.Equal(t, domain.StateRetry, h.get(t, 4).State, "not due yet")

	other := h.get(t, 5)
	assert.Equal(t, domain.StateCanceled, other.State)
	assert.Equal(t, domain.ReasonUnsupportedChannel, other.Reason)

	assert.Equal(t, domain.StateCompleted, h.get(t, 6).State)
	assert.Equal(t, domain.StateCanceled, h.get(t, 7).State)
}

// ── shutdown ──────────────────────────────────────────────────────────────────

func TestManager_StopDrainsRunningAndReleasesPending(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	h.reg.RegisterFunc("test", "block", func(ctx context.Context, run *queue.Run) error {
		<-g.release
		return run.Completed(ctx)
	})
	m := h.manager(WithConcurrency(1))
	first, second := h.publish(t, "block"), h.publish(t, "block")
	require.NoError(t, m.AddTask(context.Background(), first))
	waitRunning(t, m, 1, 0)
	require.NoError(t, m.AddTask(context.Background(), second))
	waitRunning(t, m, 1, 1)

	stopped := make(chan struct{})
	go func() {
		m.Stop(2 * time.Second)
		close(stopped)
	}()
	waitRunning(t, m, 1, 0)
	g.open()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, domain.StateCompleted, h.get(t, first.ID).State)
	assert.Equal(t, domain.StateScheduled, h.get(t, second.ID).State, "pending work stays queued")
}

func TestManager_StopTimeoutRequeuesRunningTask(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	lateErr := make(chan error, 1)
	h.reg.RegisterFunc("test", "stubborn", func(ctx context.Context, run *queue.Run) error {
		<-g.release
		lateErr <- run.Completed(ctx)
		return nil
	})
	m := h.manager()
	task := h.publish(t, "stubborn")
	require.NoError(t, m.AddTask(context.Background(), task))
	waitRunning(t, m, 1, 0)
	h.clock.Advance(30 * time.Second)

	m.Stop(20 * time.Millisecond)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateRetry, got.State)
	assert.Equal(t, domain.ReasonEngineRestarting, got.Reason)
	require.NotNil(t, got.ScheduledFor)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *got.ScheduledFor)

	g.open()
	assert.ErrorIs(t, <-lateErr, queue.ErrAbandoned)
	assert.Equal(t, domain.StateRetry, h.get(t, task.ID).State, "late result discarded")
}

func TestManager_ConcurrentStopWaitsForFirst(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	h.reg.RegisterFunc("test", "stubborn", func(context.Context, *queue.Run) error {
		<-g.release
		return nil
	})
	m := h.manager()
	task := h.publish(t, "stubborn")
	require.NoError(t, m.AddTask(context.Background(), task))
	waitRunning(t, m, 1, 0)

	first := make(chan struct{})
	go func() {
		m.Stop(200 * time.Millisecond)
		close(first)
	}()
	require.Eventually(t, m.isStopping, time.Second, time.Millisecond)

	m.Stop(time.Millisecond)

	select {
	case <-first:
	default:
		t.Fatal("second Stop returned before the first finished")
	}
	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateRetry, got.State)
	assert.Equal(t, domain.ReasonEngineRestarting, got.Reason)
}

func TestManager_StopTimeoutKillsLongRunningTask(t *testing.T) {
	h := newHarness(t)
	g := newGate(t)
	h.reg.RegisterFunc("test", "stubborn", func(context.Context, *queue.Run) error {
		<-g.release
		return nil
	})
	m := h.manager()
	task := h.publish(t, "stubborn")
	require.NoError(t, m.AddTask(context.Background(), task))
	waitRunning(t, m, 1, 0)
	h.clock.Advance(DefaultHardCeiling + time.Second)

	m.Stop(20 * time.Millisecond)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ReasonKilled, got.Reason)
}

func TestManager_RestartMessageStopsRun(t *testing.T) {
	h := newHarness(t)
	m := h.manager()
	errc := h.start(t, m)
	require.Eventually(t, func() bool { return m.Stats().Active }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.RestartEngine(context.Background()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrRestartRequested)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after restart")
	}
	assert.False(t, m.Stats().Active)
}

func TestManager_HeartbeatPublishesStatus(t *testing.T) {
	h := newHarness(t)
	hb := &fakeHeartbeater{}
	m := h.manager(WithHeartbeat(hb, 10*time.Millisecond), WithConcurrency(3))
	h.start(t, m)

	require.Eventually(t, func() bool { return hb.beats() >= 2 }, 2*time.Second, 5*time.Millisecond)
	m.Stop(time.Second)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	assert.Equal(t, "test-manager", hb.statuses[0].ID)
	assert.Equal(t, 3, hb.statuses[0].Limit)
	assert.Equal(t, []string{domain.ChannelDefault}, hb.statuses[0].Channels)
	assert.Contains(t, hb.removed, "test-manager")
}

func TestManager_HeartbeatEndsWithRun(t *testing.T) {
	h := newHarness(t)
	hb := &fakeHeartbeater{}
	m := h.manager(WithHeartbeat(hb, 5*time.Millisecond))
	errc := h.start(t, m)
	require.Eventually(t, func() bool { return hb.beats() >= 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.transport.Close())
	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the subscription closed")
	}

	time.Sleep(20 * time.Millisecond)
	n := hb.beats()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, hb.beats(), "heartbeat kept running after Run returned")
}
