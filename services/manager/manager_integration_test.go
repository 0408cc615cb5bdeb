//go:build integration

package manager_test

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/handlers"
	"github.com/311labs/taskqueue/internal/postgres"
	"github.com/311labs/taskqueue/internal/queue"
	redisstore "github.com/311labs/taskqueue/internal/redis"
	"github.com/311labs/taskqueue/services/manager"
)

var (
	testRedisAddr   string
	testPostgresDSN string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	redisConn, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	testRedisAddr = strings.TrimPrefix(redisConn, "redis://")

	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("taskqueue"),
		tcPostgres.WithUsername("taskqueue"),
		tcPostgres.WithPassword("taskqueue"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	testPostgresDSN, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}

	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := postgres.Migrate(ctx, pool, slog.Default()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	pool.Close()

	return m.Run()
}

// ── helpers ───────────────────────────────────────────────────────────────────

type cluster struct {
	repo  postgres.TaskRepository
	redis *goredis.Client
	reg   *handlers.Registry
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	rc := redisstore.NewClient(testRedisAddr)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE task_logs, tasks RESTART IDENTITY CASCADE") //nolint:errcheck
		pool.Close()
		rc.FlushDB(ctx) //nolint:errcheck
		rc.Close()      //nolint:errcheck
	})
	return &cluster{repo: postgres.NewRepository(pool), redis: rc, reg: handlers.NewRegistry()}
}

// service builds a queue service as a separate process would: own transport
// over the shared Redis and Postgres.
func (c *cluster) service() *queue.Service {
	return queue.NewService(c.repo, redisstore.NewTransport(c.redis, slog.Default()))
}

// start runs a manager on the default channel and waits for its
// subscription.
func (c *cluster) start(t *testing.T, id string) *manager.Manager {
	t.Helper()
	svc := c.service()
	m := manager.New(svc, redisstore.NewTransport(c.redis, slog.Default()), c.reg,
		[]string{domain.ChannelDefault},
		manager.WithID(id),
		manager.WithConcurrency(4),
		manager.WithHeartbeat(redisstore.NewManagerRegistry(c.redis), 100*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		m.Stop(5 * time.Second)
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return m.Stats().Active }, 10*time.Second, 20*time.Millisecond)
	return m
}

func waitState(t *testing.T, repo postgres.TaskRepository, id int64, want domain.State) *domain.Task {
	t.Helper()
	var got *domain.Task
	require.Eventually(t, func() bool {
		task, err := repo.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.State == want
	}, 20*time.Second, 50*time.Millisecond, "task %d never reached %s", id, want)
	return got
}

// ── tests ─────────────────────────────────────────────────────────────────────

// Two managers share a channel; every task runs once and completes.
func TestManagers_ShareChannelRunEachTaskOnce(t *testing.T) {
	c := newCluster(t)

	var mu sync.Mutex
	calls := map[int64]int{}
	c.reg.RegisterFunc("e2e", "count", func(ctx context.Context, run *queue.Run) error {
		mu.Lock()
		calls[run.ID()]++
		mu.Unlock()
		return run.Completed(ctx)
	})

	c.start(t, "m1")
	c.start(t, "m2")

	publisher := c.service()
	ctx := context.Background()
	var ids []int64
	for i := range 20 {
		task, err := publisher.Publish(ctx, queue.PublishRequest{
			Namespace:    "e2e",
			FunctionName: "count",
			Payload:      map[string]int{"n": i},
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	for _, id := range ids {
		got := waitState(t, c.repo, id, domain.StateCompleted)
		assert.Equal(t, 1, got.Attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, calls[id], "task %d", id)
	}
}

// A cancel issued by another process reaches the manager running the task.
func TestManagers_CancelRunningTask(t *testing.T) {
	c := newCluster(t)

	entered := make(chan int64, 1)
	c.reg.RegisterFunc("e2e", "block", func(ctx context.Context, run *queue.Run) error {
		entered <- run.ID()
		<-ctx.Done()
		return context.Cause(ctx)
	})
	c.start(t, "m1")

	svc := c.service()
	ctx := context.Background()
	task, err := svc.Publish(ctx, queue.PublishRequest{Namespace: "e2e", FunctionName: "block"})
	require.NoError(t, err)

	select {
	case id := <-entered:
		require.Equal(t, task.ID, id)
	case <-time.After(20 * time.Second):
		t.Fatal("handler never started")
	}

	got, err := c.service().Cancel(ctx, task.ID, "operator")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	done := waitState(t, c.repo, task.ID, domain.StateCanceled)
	assert.Equal(t, "operator", done.Reason)
}

// Tasks published while no manager was up are picked up from the backlog.
func TestManager_ReplaysBacklogOnStart(t *testing.T) {
	c := newCluster(t)
	c.reg.RegisterFunc("e2e", "ok", func(ctx context.Context, run *queue.Run) error {
		return run.Completed(ctx)
	})

	svc := c.service()
	ctx := context.Background()
	var ids []int64
	for range 3 {
		task, err := svc.Publish(ctx, queue.PublishRequest{Namespace: "e2e", FunctionName: "ok"})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	c.start(t, "late")
	for _, id := range ids {
		waitState(t, c.repo, id, domain.StateCompleted)
	}
}

func TestManager_HeartbeatVisibleInRegistry(t *testing.T) {
	c := newCluster(t)
	c.start(t, "beating")

	reg := redisstore.NewManagerRegistry(c.redis)
	require.Eventually(t, func() bool {
		list, err := reg.List(context.Background())
		if err != nil {
			return false
		}
		for _, st := range list {
			if st.ID == "beating" {
				return fmt.Sprint(st.Channels) == fmt.Sprint([]string{domain.ChannelDefault})
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)
}
