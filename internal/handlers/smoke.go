package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
)

// RegisterSmokeTest registers the handler for tasks published by
// Service.PublishTest. It sleeps for the requested time and completes.
func RegisterSmokeTest(r *Registry, logger *slog.Logger) {
	r.RegisterFunc(queue.TestNamespace, queue.TestFunction, func(ctx context.Context, run *queue.Run) error {
		var p queue.TestPayload
		if err := run.Decode(&p); err != nil {
			return err
		}
		logger.Info("smoke test task running",
			slog.Int64("task_id", run.ID()),
			slog.Int("index", p.Index),
			slog.Duration("sleep", p.Sleep),
		)
		if p.Sleep > 0 {
			select {
			case <-time.After(p.Sleep):
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		_ = run.Log(ctx, domain.LogInfo, fmt.Sprintf("smoke test %d finished, queued at %s", p.Index, p.PublishedAt.Format(time.RFC3339)))
		return run.Completed(ctx)
	})
}
