// Package bootstrap builds the store, transport and notifier shared by the
// manager and sweeper commands from their configuration values.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/311labs/taskqueue/internal/kafka"
	"github.com/311labs/taskqueue/internal/memstore"
	"github.com/311labs/taskqueue/internal/notify"
	"github.com/311labs/taskqueue/internal/postgres"
	"github.com/311labs/taskqueue/internal/pubsub"
	redisstore "github.com/311labs/taskqueue/internal/redis"
)

// Store opens the task store. The returned function releases it.
func Store(ctx context.Context, kind, dsn string, logger *slog.Logger) (postgres.TaskRepository, func(), error) {
	switch kind {
	case "memory":
		logger.Warn("using in-memory task store; tasks are lost on exit")
		return memstore.New(), func() {}, nil
	case "postgres", "":
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(initCtx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewRepository(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}

// Transport opens the pub/sub transport. redisClient is required for the
// redis kind only.
func Transport(kind string, redisClient *goredis.Client, kafkaBrokers, instanceID string, logger *slog.Logger) (pubsub.Transport, error) {
	switch kind {
	case "redis", "":
		if redisClient == nil {
			return nil, fmt.Errorf("redis transport needs redis_addr")
		}
		return redisstore.NewTransport(redisClient, logger), nil
	case "kafka":
		return kafka.NewTransport(strings.Split(kafkaBrokers, ","), instanceID, logger), nil
	case "memory":
		logger.Warn("using in-memory transport; only this process sees messages")
		return pubsub.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// AlertConfig selects where operator alerts go.
type AlertConfig struct {
	WebhookURL string
	MailTo     string
	SMTPAddr   string
	SMTPFrom   string
	SMTPUser   string
	SMTPPass   string
	// Limit caps alerts per subject per Window when a Redis client is given.
	Limit  int
	Window time.Duration
}

// Notifier builds the non-blocking alert pipeline. Alerts are always logged
// and additionally posted or mailed when configured. Call Close on the
// result during shutdown.
func Notifier(cfg AlertConfig, redisClient *goredis.Client, logger *slog.Logger) *notify.Async {
	sinks := notify.Multi{notify.Log{Logger: logger}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.WebhookURL))
	}
	if cfg.MailTo != "" && cfg.SMTPAddr != "" {
		sinks = append(sinks, &notify.Mail{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			To:       strings.Split(cfg.MailTo, ","),
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
		})
	}

	opts := []notify.AsyncOption{notify.WithLogger(logger)}
	if redisClient != nil && cfg.Limit > 0 && cfg.Window > 0 {
		opts = append(opts, notify.WithLimiter(redisstore.NewRateLimiter(redisClient, cfg.Limit, cfg.Window)))
	}
	return notify.NewAsync(sinks, opts...)
}
