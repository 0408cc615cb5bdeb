package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
)

// SMSConfig points at an HTTP SMS gateway that accepts
// {"to","from","body"} JSON with a bearer token.
type SMSConfig struct {
	URL   string
	Token string
	From  string
	// Limit is the per-number cap enforced by the limiter, reported in errors.
	Limit int
}

// SMSAdapter sends a text message through the gateway.
type SMSAdapter struct {
	cfg     SMSConfig
	client  *http.Client
	limiter Limiter
}

// NewSMSAdapter creates an SMSAdapter. limiter may be nil.
func NewSMSAdapter(cfg SMSConfig, limiter Limiter) *SMSAdapter {
	return &SMSAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
	}
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

func (a *SMSAdapter) Execute(ctx context.Context, run *queue.Run) (bool, error) {
	ctx, span := otel.Tracer("hooks").Start(ctx, "hook.sms")
	defer span.End()

	var p queue.SMSRequestPayload
	if err := run.Decode(&p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return false, err
	}
	if p.Phone == "" {
		err := fmt.Errorf("%w 'phone'", errMissingField)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'phone' field")
		return false, err
	}
	if a.cfg.URL == "" {
		return false, errors.New("sms gateway is not configured")
	}

	span.SetAttributes(attribute.String("sms.to", p.Phone))

	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, "sms:"+p.Phone)
		if err != nil {
			return false, fmt.Errorf("sms rate limit: %w", err)
		}
		if !ok {
			return false, &domain.RateLimitExceededError{Key: p.Phone, Limit: a.cfg.Limit}
		}
	}

	body, err := json.Marshal(smsRequest{To: p.Phone, From: a.cfg.From, Body: p.Message})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return false, fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return false, err
	}
	_ = run.Log(ctx, domain.LogInfo, fmt.Sprintf("sms sent to %s", p.Phone))
	return true, nil
}
