package cli

import (
	"context"
	"errors"
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
	"github.com/311labs/taskqueue/internal/handlers"
	"github.com/311labs/taskqueue/internal/hooks"
	"github.com/311labs/taskqueue/internal/queue"
	redisstore "github.com/311labs/taskqueue/internal/redis"
	"github.com/311labs/taskqueue/pkg/retry"
	"github.com/311labs/taskqueue/pkg/telemetry"
	"github.com/311labs/taskqueue/services/manager"
	"github.com/311labs/taskqueue/services/manager/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the manager",
	RunE:  runServe,
}

var smokeTasks int

func init() {
	f := serveCmd.Flags()
	f.StringSlice("channels", []string{"default", "tq_hook"}, "channels to execute tasks from")
	f.Int("concurrency", 4, "maximum tasks running at once")
	f.Duration("shutdown-timeout", 30*time.Second, "how long Stop waits for running tasks")
	f.Duration("restart-timeout", 30*time.Second, "how long a restart request waits for running tasks")
	f.Duration("cancel-wait", 2*time.Second, "how long a cancel waits for a running handler to return")
	f.Duration("hard-runtime-ceiling", manager.DefaultHardCeiling, "runtime past which a task still running at shutdown is failed")
	f.String("unfinished-policy", "complete", "outcome for handlers that return without recording one: complete | fail")
	f.StringSlice("transient-errors", []string{"connection already closed"}, "error substrings that mean retry later")
	f.Duration("heartbeat-interval", 15*time.Second, "how often the manager reports its load to Redis")
	f.Duration("backoff-base", time.Minute, "retry delay unit (delay = base * attempts^2)")
	f.Duration("backoff-max", time.Hour, "upper bound on the retry delay")
	f.Int("hook-max-attempts", hooks.DefaultMaxAttempts, "delivery attempts before a hook task fails")
	f.String("metrics-addr", ":9091", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.String("notify-webhook-url", "", "URL that receives operator alerts as JSON")
	f.String("notify-email", "", "comma-separated addresses that receive operator alerts")
	f.Int("alert-limit", 10, "alerts per subject allowed per alert window (needs Redis)")
	f.Duration("alert-window", time.Hour, "window for alert-limit")
	f.String("smtp-host", "localhost", "SMTP server host")
	f.Int("smtp-port", 1025, "SMTP server port")
	f.String("smtp-from", "noreply@taskqueue.dev", "SMTP sender address")
	f.String("smtp-username", "", "SMTP auth username")
	f.String("smtp-password", "", "SMTP auth password")
	f.String("sms-url", "", "HTTP SMS gateway endpoint")
	f.String("sms-token", "", "SMS gateway bearer token")
	f.String("sms-from", "", "SMS sender number")
	f.Int("sms-limit", 20, "messages per phone number per sms window (needs Redis)")
	f.Duration("sms-window", time.Hour, "window for sms-limit")
	f.String("sftp-known-hosts", "", "known_hosts file used to verify SFTP servers; empty accepts any key")
	f.String("aws-region", "us-east-1", "default AWS region for S3 hooks")
	f.String("aws-access-key", "", "default AWS access key for S3 hooks")
	f.String("aws-secret-key", "", "default AWS secret key for S3 hooks")
	f.String("aws-endpoint", "", "S3 endpoint override (e.g. MinIO)")
	f.IntVar(&smokeTasks, "smoke-test", 0, "publish this many smoke-test tasks once started")

	for _, name := range []string{
		"channels", "concurrency", "shutdown-timeout", "restart-timeout", "cancel-wait",
		"hard-runtime-ceiling", "unfinished-policy", "transient-errors", "heartbeat-interval",
		"backoff-base", "backoff-max", "hook-max-attempts", "metrics-addr", "otel-endpoint",
		"notify-webhook-url", "notify-email", "alert-limit", "alert-window",
		"smtp-host", "smtp-port", "smtp-from", "smtp-username", "smtp-password",
		"sms-url", "sms-token", "sms-from", "sms-limit", "sms-window", "sftp-known-hosts",
		"aws-region", "aws-access-key", "aws-secret-key", "aws-endpoint",
	} {
		bindFlag(flagKey(name), f, name)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}

	err := serve(cfg)
	if errors.Is(err, manager.ErrRestartRequested) {
		return reexec()
	}
	return err
}

// serve runs the manager until it is signalled or asked to restart. Every
// resource is released before it returns so a restart starts clean.
func serve(cfg config.Config) error {
	instanceID := fmt.Sprintf("manager-%s", uuid.New().String()[:8])
	logger := buildLogger(cfg.LogLevel).With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: "taskqueue-manager",
		InstanceID:  instanceID,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
	}

	repo, closeStore, err := bootstrap.Store(context.Background(), cfg.Store, cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	transport, err := bootstrap.Transport(cfg.Transport, redisClient, cfg.KafkaBrokers, instanceID, logger)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	alerts := bootstrap.Notifier(bootstrap.AlertConfig{
		WebhookURL: cfg.NotifyWebhookURL,
		MailTo:     cfg.NotifyEmail,
		SMTPAddr:   fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		SMTPFrom:   cfg.SMTPFrom,
		SMTPUser:   cfg.SMTPUsername,
		SMTPPass:   cfg.SMTPPassword,
		Limit:      cfg.AlertLimit,
		Window:     cfg.AlertWindow,
	}, redisClient, logger)
	defer alerts.Close()

	svc := queue.NewService(repo, transport,
		queue.WithNotifier(alerts),
		queue.WithBackoff(retry.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax}),
		queue.WithLogger(logger),
	)

	registry := handlers.NewRegistry()
	handlers.RegisterSmokeTest(registry, logger)
	var smsLimiter hooks.Limiter
	if redisClient != nil && cfg.SMSLimit > 0 {
		smsLimiter = redisstore.NewRateLimiter(redisClient, cfg.SMSLimit, cfg.SMSWindow)
	}
	hooks.Register(registry, hooks.Config{
		MaxAttempts: cfg.HookMaxAttempts,
		Email: hooks.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		},
		SMS:  hooks.SMSConfig{URL: cfg.SMSURL, Token: cfg.SMSToken, From: cfg.SMSFrom, Limit: cfg.SMSLimit},
		SFTP: hooks.SFTPConfig{KnownHostsFile: cfg.SFTPKnownHosts},
		S3: hooks.S3Config{
			Region:    cfg.AWSRegion,
			AccessKey: cfg.AWSAccessKey,
			SecretKey: cfg.AWSSecretKey,
			Endpoint:  cfg.AWSEndpoint,
		},
	}, smsLimiter, logger)

	opts := []manager.Option{
		manager.WithID(instanceID),
		manager.WithLogger(logger),
		manager.WithConcurrency(cfg.Concurrency),
		manager.WithCancelWait(cfg.CancelWait),
		manager.WithHardCeiling(cfg.HardRuntimeCeiling),
		manager.WithRestartTimeout(cfg.RestartTimeout),
		manager.WithUnfinishedPolicy(manager.UnfinishedPolicy(cfg.UnfinishedPolicy)),
		manager.WithTransientErrors(cfg.TransientErrors...),
	}
	if redisClient != nil {
		opts = append(opts, manager.WithHeartbeat(redisstore.NewManagerRegistry(redisClient), cfg.HeartbeatInterval))
	}
	m := manager.New(svc, transport, registry, cfg.Channels, opts...)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger,
		telemetry.WithStatus(func(context.Context) any { return m.Stats() }),
		telemetry.WithReadiness(func(ctx context.Context) error {
			if !m.Stats().Active {
				return errors.New("manager not running")
			}
			if redisClient != nil {
				return redisClient.Ping(ctx).Err()
			}
			return nil
		}),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(quit)
	go func() {
		select {
		case <-quit:
			logger.Info("shutting down, draining in-flight tasks...")
			m.Stop(cfg.ShutdownTimeout)
			runCancel()
		case <-runCtx.Done():
		}
	}()

	if smokeTasks > 0 {
		go func() {
			tasks, err := svc.PublishTest(runCtx, smokeTasks, time.Second)
			if err != nil {
				logger.Error("smoke test publish failed", slog.String("error", err.Error()))
				return
			}
			logger.Info("smoke test tasks published", slog.Int("count", len(tasks)))
		}()
	}

	logger.Info("manager configured",
		slog.String("store", cfg.Store),
		slog.String("transport", cfg.Transport),
		slog.Any("handlers", registry.Names()),
		slog.Duration("shutdown_timeout", cfg.ShutdownTimeout),
	)

	err = m.Run(runCtx)
	if errors.Is(err, manager.ErrRestartRequested) {
		logger.Info("restarting")
		return err
	}
	// joins a drain the signal handler already started
	m.Stop(cfg.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}

// reexec replaces the current process with a fresh copy of itself.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("restart: exec %s: %w", exe, err)
	}
	return nil
}
