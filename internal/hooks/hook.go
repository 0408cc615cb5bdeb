// Package hooks delivers data to external systems: HTTP endpoints, email,
// SMS gateways, SFTP servers and S3 buckets. Each delivery is a task on the
// tq_hook channel handled by an Adapter wrapped in the generic hook Handler.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/handlers"
	"github.com/311labs/taskqueue/internal/queue"
)

// DefaultMaxAttempts is how many times a delivery is tried before it fails.
const DefaultMaxAttempts = 5

// Adapter performs one delivery attempt. true means delivered; false or an
// error is a failed attempt.
type Adapter interface {
	Execute(ctx context.Context, run *queue.Run) (bool, error)
}

// Limiter gates deliveries per key, e.g. per phone number.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handler runs an Adapter and turns its result into a task outcome.
type Handler struct {
	adapter     Adapter
	maxAttempts int
	logger      *slog.Logger
}

// NewHandler wraps adapter. maxAttempts < 1 means DefaultMaxAttempts.
func NewHandler(adapter Adapter, maxAttempts int, logger *slog.Logger) *Handler {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Handler{adapter: adapter, maxAttempts: maxAttempts, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, run *queue.Run) error {
	ok, err := h.adapter.Execute(ctx, run)
	if ok {
		return run.Completed(ctx)
	}
	if run.State().IsTerminal() {
		return nil
	}

	reason := "delivery failed"
	if err != nil {
		reason = err.Error()
		_ = run.Log(ctx, domain.LogError, reason)
	}

	task := run.Task()
	if task.Attempts < h.maxAttempts {
		delay := run.Backoff()
		h.logger.Warn("hook delivery failed, retrying",
			slog.Int64("task_id", task.ID),
			slog.String("hook", task.Namespace),
			slog.Int("attempt", task.Attempts),
			slog.Duration("delay", delay),
			slog.String("reason", reason),
		)
		return run.RetryLater(ctx, reason, delay)
	}
	return run.Failed(ctx, reason)
}

// Config holds credentials and limits for every adapter.
type Config struct {
	MaxAttempts int
	Web         WebConfig
	Email       EmailConfig
	SMS         SMSConfig
	SFTP        SFTPConfig
	S3          S3Config
}

// Register adds every hook to reg. smsLimiter may be nil.
func Register(reg *handlers.Registry, cfg Config, smsLimiter Limiter, logger *slog.Logger) {
	web := NewHandler(NewWebAdapter(cfg.Web), cfg.MaxAttempts, logger)
	reg.Register(queue.HookWebRequest, "POST", web)
	reg.Register(queue.HookWebRequest, "GET", web)
	reg.Register(queue.HookEmailRequest, queue.HookSend, NewHandler(NewEmailAdapter(cfg.Email), cfg.MaxAttempts, logger))
	reg.Register(queue.HookSMSRequest, queue.HookSend, NewHandler(NewSMSAdapter(cfg.SMS, smsLimiter), cfg.MaxAttempts, logger))
	reg.Register(queue.HookSFTPRequest, queue.HookSend, NewHandler(NewSFTPAdapter(cfg.SFTP), cfg.MaxAttempts, logger))
	reg.Register(queue.HookS3Request, queue.HookSend, NewHandler(NewS3Adapter(cfg.S3), cfg.MaxAttempts, logger))
}

// expandFilename fills the {date}, {year}, {month} and {day} placeholders.
// {date} is MMDDYYYY.
func expandFilename(tmpl string, at time.Time) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return strings.NewReplacer(
		"{date}", at.Format("01022006"),
		"{year}", at.Format("2006"),
		"{month}", at.Format("01"),
		"{day}", at.Format("02"),
	).Replace(tmpl)
}

// dataBytes returns the bytes to deliver for a payload's data field. A JSON
// string is delivered as its contents, anything else as JSON.
func dataBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

var errMissingField = errors.New("hook payload missing required field")
