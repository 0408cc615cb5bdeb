package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the sweeper service.
type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`

	Store        string `validate:"oneof=postgres memory"`
	PostgresDSN  string `validate:"required_if=Store postgres"`
	Transport    string `validate:"oneof=redis kafka memory"`
	RedisAddr    string `validate:"required_if=Transport redis"`
	KafkaBrokers string `validate:"required_if=Transport kafka"`

	RetrySchedule      string        `validate:"required"`
	CleanupSchedule    string        `validate:"required"`
	RetryBatch         int           `validate:"min=1"`
	BacklogThreshold   int           `validate:"min=0"`
	RetentionAll       time.Duration `validate:"gt=0"`
	RetentionCompleted time.Duration `validate:"gt=0,ltefield=RetentionAll"`
	LeaderTTL          time.Duration `validate:"gt=0"`

	MetricsAddr  string
	OTelEndpoint string

	NotifyWebhookURL string `validate:"omitempty,url"`
	NotifyEmail      string `validate:"omitempty,email"`
	AlertLimit       int    `validate:"min=0"`
	AlertWindow      time.Duration
	SMTPHost         string
	SMTPPort         int `validate:"min=0,max=65535"`
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string
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
		RetrySchedule:      v.GetString("retry_schedule"),
		CleanupSchedule:    v.GetString("cleanup_schedule"),
		RetryBatch:         v.GetInt("retry_batch"),
		BacklogThreshold:   v.GetInt("backlog_threshold"),
		RetentionAll:       v.GetDuration("retention_all"),
		RetentionCompleted: v.GetDuration("retention_completed"),
		LeaderTTL:          v.GetDuration("leader_ttl"),
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
	}
}

// Validate checks the struct tags and returns every violation in one error.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
