package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/311labs/taskqueue/internal/bootstrap"
	"github.com/311labs/taskqueue/internal/queue"
	redisstore "github.com/311labs/taskqueue/internal/redis"
	"github.com/311labs/taskqueue/pkg/telemetry"
	"github.com/311labs/taskqueue/services/sweeper"
	"github.com/311labs/taskqueue/services/sweeper/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sweeps on their schedules",
	RunE:  runServe,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run the retry sweep, backlog check and cleanup immediately, then exit",
	RunE:  runOnce,
}

func init() {
	f := serveCmd.Flags()
	f.String("retry-schedule", sweeper.DefaultRetrySchedule, "cron spec for the retry sweep and backlog check")
	f.String("cleanup-schedule", sweeper.DefaultCleanupSchedule, "cron spec for retention cleanup")
	f.Int("retry-batch", sweeper.DefaultBatchSize, "retry tasks handled per sweep")
	f.Int("backlog-threshold", sweeper.DefaultBacklogThreshold, "scheduled tasks above which an alert is raised")
	f.Duration("retention-all", sweeper.DefaultRetentionAll, "age after which tasks in any state are deleted")
	f.Duration("retention-completed", sweeper.DefaultRetentionCompleted, "age after which completed tasks are deleted")
	f.Duration("leader-ttl", 10*time.Minute, "leader lease length; must outlast the retry schedule interval")
	f.String("metrics-addr", ":9093", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.String("notify-webhook-url", "", "URL that receives operator alerts as JSON")
	f.String("notify-email", "", "comma-separated addresses that receive operator alerts")
	f.Int("alert-limit", 4, "alerts per subject allowed per alert window (needs Redis)")
	f.Duration("alert-window", time.Hour, "window for alert-limit")
	f.String("smtp-host", "localhost", "SMTP server host")
	f.Int("smtp-port", 1025, "SMTP server port")
	f.String("smtp-from", "noreply@taskqueue.dev", "SMTP sender address")
	f.String("smtp-username", "", "SMTP auth username")
	f.String("smtp-password", "", "SMTP auth password")

	bindFlag("retry_schedule", f, "retry-schedule")
	bindFlag("cleanup_schedule", f, "cleanup-schedule")
	bindFlag("retry_batch", f, "retry-batch")
	bindFlag("backlog_threshold", f, "backlog-threshold")
	bindFlag("retention_all", f, "retention-all")
	bindFlag("retention_completed", f, "retention-completed")
	bindFlag("leader_ttl", f, "leader-ttl")
	bindFlag("metrics_addr", f, "metrics-addr")
	bindFlag("otel_endpoint", f, "otel-endpoint")
	bindFlag("notify_webhook_url", f, "notify-webhook-url")
	bindFlag("notify_email", f, "notify-email")
	bindFlag("alert_limit", f, "alert-limit")
	bindFlag("alert_window", f, "alert-window")
	bindFlag("smtp_host", f, "smtp-host")
	bindFlag("smtp_port", f, "smtp-port")
	bindFlag("smtp_from", f, "smtp-from")
	bindFlag("smtp_username", f, "smtp-username")
	bindFlag("smtp_password", f, "smtp-password")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// once shares the serve settings
	onceCmd.Flags().AddFlagSet(f)
}

// app is a wired sweeper plus the resources to release afterwards.
type app struct {
	sweeper *sweeper.Sweeper
	redis   *goredis.Client
	logger  *slog.Logger
	cfg     config.Config
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build() (*app, error) {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	instanceID := "sweeper-" + uuid.New().String()[:8]
	a := &app{cfg: cfg, logger: buildLogger(cfg.LogLevel).With(slog.String("instance_id", instanceID))}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: "taskqueue-sweeper",
		InstanceID:  instanceID,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	if cfg.RedisAddr != "" {
		a.redis = redisstore.NewClient(cfg.RedisAddr)
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
	}

	repo, closeStore, err := bootstrap.Store(context.Background(), cfg.Store, cfg.PostgresDSN, a.logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	transport, err := bootstrap.Transport(cfg.Transport, a.redis, cfg.KafkaBrokers, instanceID, a.logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = transport.Close() })

	alerts := bootstrap.Notifier(bootstrap.AlertConfig{
		WebhookURL: cfg.NotifyWebhookURL,
		MailTo:     cfg.NotifyEmail,
		SMTPAddr:   fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		SMTPFrom:   cfg.SMTPFrom,
		SMTPUser:   cfg.SMTPUsername,
		SMTPPass:   cfg.SMTPPassword,
		Limit:      cfg.AlertLimit,
		Window:     cfg.AlertWindow,
	}, a.redis, a.logger)
	a.closers = append(a.closers, alerts.Close)

	svc := queue.NewService(repo, transport, queue.WithNotifier(alerts), queue.WithLogger(a.logger))

	opts := []sweeper.Option{
		sweeper.WithLogger(a.logger),
		sweeper.WithNotifier(alerts),
		sweeper.WithBatchSize(cfg.RetryBatch),
		sweeper.WithBacklogThreshold(cfg.BacklogThreshold),
		sweeper.WithRetention(cfg.RetentionAll, cfg.RetentionCompleted),
		sweeper.WithSchedules(cfg.RetrySchedule, cfg.CleanupSchedule),
	}
	if a.redis != nil {
		opts = append(opts,
			sweeper.WithLeader(redisstore.NewLeader(a.redis, "sweeper", instanceID, cfg.LeaderTTL)),
			sweeper.WithManagers(redisstore.NewManagerRegistry(a.redis)),
		)
	}
	a.sweeper = sweeper.New(svc, opts...)
	return a, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	a, err := build()
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, a.cfg.MetricsAddr, a.logger,
		telemetry.WithReadiness(func(ctx context.Context) error {
			if a.redis != nil {
				return a.redis.Ping(ctx).Err()
			}
			return nil
		}),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		a.logger.Info("shutting down...")
		runCancel()
	}()

	if err := a.sweeper.Run(runCtx); err != nil {
		return err
	}
	a.logger.Info("stopped")
	return nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	a, err := build()
	if err != nil {
		return err
	}
	defer a.close()
	return a.sweeper.RunOnce(cmd.Context())
}
