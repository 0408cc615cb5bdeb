package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newBenchClient returns a Redis client connected to localhost:6379.
// Benchmarks are skipped if Redis is not reachable.
func newBenchClient(b *testing.B) *redis.Client {
	b.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: time.Second,
		ReadTimeout: 500 * time.Millisecond,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		b.Skipf("Redis not available at localhost:6379: %v", err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

// BenchmarkManagerRegistry_Heartbeat measures one heartbeat SET with TTL.
func BenchmarkManagerRegistry_Heartbeat(b *testing.B) {
	reg := NewManagerRegistry(newBenchClient(b))
	ctx := context.Background()
	st := ManagerStatus{ID: "bench", Channels: []string{"default"}, Limit: 8, TaskIDs: []int64{1, 2, 3}}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		st.Running = i % 8
		if err := reg.Heartbeat(ctx, st); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLeader_Acquire measures the renew path once the lease is held.
func BenchmarkLeader_Acquire(b *testing.B) {
	l := NewLeader(newBenchClient(b), "bench", "bench-1", 30*time.Second)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Acquire(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
