package manager

import (
	"context"
	"testing"
	"time"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/handlers"
	"github.com/311labs/taskqueue/internal/memstore"
	"github.com/311labs/taskqueue/internal/pubsub"
	"github.com/311labs/taskqueue/internal/queue"
)

func benchManager(b *testing.B, concurrency int) (*Manager, *queue.Service) {
	b.Helper()
	reg := handlers.NewRegistry()
	reg.RegisterFunc("bench", "noop", func(ctx context.Context, run *queue.Run) error {
		return run.Completed(ctx)
	})
	transport := pubsub.NewMemory()
	b.Cleanup(func() { _ = transport.Close() })
	svc := queue.NewService(memstore.New(), transport, queue.WithLogger(discardLogger))
	m := New(svc, transport, reg, []string{domain.ChannelDefault},
		WithLogger(discardLogger),
		WithConcurrency(concurrency),
	)
	return m, svc
}

// drain waits until every submitted task has left the pool.
func drain(m *Manager) {
	for {
		s := m.Stats()
		if s.Running == 0 && s.Pending == 0 {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// BenchmarkManager_RunTask measures the engine overhead of one task with a
// no-op handler against the in-memory store: load, claim, run, complete.
func BenchmarkManager_RunTask(b *testing.B) {
	m, svc := benchManager(b, 1)
	ctx := context.Background()

	tasks := make([]*domain.Task, b.N)
	for i := range tasks {
		task, err := svc.Publish(ctx, queue.PublishRequest{Namespace: "bench", FunctionName: "noop"})
		if err != nil {
			b.Fatal(err)
		}
		tasks[i] = task
	}

	b.ResetTimer()
	for _, task := range tasks {
		if err := m.AddTask(ctx, task); err != nil {
			b.Fatal(err)
		}
	}
	drain(m)
	b.StopTimer()
	m.Stop(time.Second)
}

// BenchmarkManager_RunTask_Pool measures throughput with a pool of eight.
func BenchmarkManager_RunTask_Pool(b *testing.B) {
	m, svc := benchManager(b, 8)
	ctx := context.Background()

	tasks := make([]*domain.Task, b.N)
	for i := range tasks {
		task, err := svc.Publish(ctx, queue.PublishRequest{Namespace: "bench", FunctionName: "noop"})
		if err != nil {
			b.Fatal(err)
		}
		tasks[i] = task
	}

	b.ResetTimer()
	for _, task := range tasks {
		if err := m.AddTask(ctx, task); err != nil {
			b.Fatal(err)
		}
	}
	drain(m)
	b.StopTimer()
	m.Stop(time.Second)
}
