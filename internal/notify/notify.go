// Package notify delivers operator alerts such as task failures and backlog
// warnings.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Alert is one operator notification.
type Alert struct {
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Notifier delivers alerts. Implementations may block.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, a Alert) error

func (f Func) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Log writes alerts to a logger at warn level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, a Alert) error {
	attrs := []any{slog.String("subject", a.Subject), slog.String("body", a.Body)}
	for k, v := range a.Labels {
		attrs = append(attrs, slog.String(k, v))
	}
	l.Logger.Warn("operator alert", attrs...)
	return nil
}

// Webhook posts alerts as JSON to a URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook returns a Webhook with a bounded client timeout.
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook %s: %w", w.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("alert webhook %s returned status %d", w.URL, resp.StatusCode)
	}
	return nil
}

// Mail sends alerts over SMTP.
type Mail struct {
	Addr     string
	From     string
	To       []string
	Username string
	Password string
}

func (m *Mail) Notify(ctx context.Context, a Alert) error {
	var auth smtp.Auth
	if m.Username != "" {
		host := m.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", m.Username, m.Password, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.From, strings.Join(m.To, ", "), a.Subject, a.Body)

	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(m.Addr, auth, m.From, m.To, []byte(msg)) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("alert mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("alert mail: %w", ctx.Err())
	}
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
