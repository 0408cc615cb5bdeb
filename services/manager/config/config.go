package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the manager service.
type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`

	Store        string `validate:"oneof=postgres memory"`
	PostgresDSN  string `validate:"required_if=Store postgres"`
	Transport    string `validate:"oneof=redis kafka memory"`
	RedisAddr    string `validate:"required_if=Transport redis"`
	KafkaBrokers string `validate:"required_if=Transport kafka"`

	Channels           []string      `validate:"min=1,dive,required"`
	Concurrency        int           `validate:"min=1"`
	ShutdownTimeout    time.Duration `validate:"gt=0"`
	RestartTimeout     time.Duration `validate:"gt=0"`
	CancelWait         time.Duration `validate:"gt=0"`
	HardRuntimeCeiling time.Duration `validate:"gt=0"`
	UnfinishedPolicy   string        `validate:"oneof=complete fail"`
	TransientErrors    []string
	HeartbeatInterval  time.Duration `validate:"gt=0"`

	BackoffBase     time.Duration `validate:"gt=0"`
	BackoffMax      time.Duration `validate:"gtefield=BackoffBase"`
	HookMaxAttempts int           `validate:"min=1"`

	MetricsAddr  string
	OTelEndpoint string

	NotifyWebhookURL string `validate:"omitempty,url"`
	NotifyEmail      string `validate:"omitempty,email"`
	AlertLimit       int    `validate:"min=0"`
	AlertWindow      time.Duration

	SMTPHost     string
	SMTPPort     int `validate:"min=0,max=65535"`
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	SMSURL    string `validate:"omitempty,url"`
	SMSToken  string
	SMSFrom   string
	SMSLimit  int `validate:"min=0"`
	SMSWindow time.Duration

	SFTPKnownHosts string

	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string
	AWSEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		Store:              v.GetString("store"),
		PostgresDSN:        v.GetString("postgres_dsn"),
		Transport:          v.GetString("transport"),
		RedisAddr:          v.GetString("redis_addr"),
		KafkaBrokers:       v.GetString("kafka_brokers"),
		Channels:           splitList(v.GetStringSlice("channels")),
		Concurrency:        v.GetInt("concurrency"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		RestartTimeout:     v.GetDuration("restart_timeout"),
		CancelWait:         v.GetDuration("cancel_wait"),
		HardRuntimeCeiling: v.GetDuration("hard_runtime_ceiling"),
		UnfinishedPolicy:   v.GetString("unfinished_policy"),
		TransientErrors:    splitList(v.GetStringSlice("transient_errors")),
		HeartbeatInterval:  v.GetDuration("heartbeat_interval"),
		BackoffBase:        v.GetDuration("backoff_base"),
		BackoffMax:         v.GetDuration("backoff_max"),
		HookMaxAttempts:    v.GetInt("hook_max_attempts"),
		MetricsAddr:        v.GetString("metrics_addr"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
		NotifyWebhookURL:   v.GetString("notify_webhook_url"),
		NotifyEmail:        v.GetString("notify_email"),
		AlertLimit:         v.GetInt("alert_limit"),
		AlertWindow:        v.GetDuration("alert_window"),
		SMTPHost:           v.GetString("smtp_host"),
		SMTPPort:           v.GetInt("smtp_port"),
		SMTPFrom:           v.GetString("smtp_from"),
		SMTPUsername:       v.GetString("smtp_username"),
		SMTPPassword:       v.GetString("smtp_password"),
		SMSURL:             v.GetString("sms_url"),
		SMSToken:           v.GetString("sms_token"),
		SMSFrom:            v.GetString("sms_from"),
		SMSLimit:           v.GetInt("sms_limit"),
		SMSWindow:          v.GetDuration("sms_window"),
		SFTPKnownHosts:     v.GetString("sftp_known_hosts"),
		AWSRegion:          v.GetString("aws_region"),
		AWSAccessKey:       v.GetString("aws_access_key"),
		AWSSecretKey:       v.GetString("aws_secret_key"),
		AWSEndpoint:        v.GetString("aws_endpoint"),
	}
}

// Validate checks the struct tags and returns every violation in one error.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
