package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
	"github.com/311labs/taskqueue/pkg/retry"
)

// WebConfig tunes outbound HTTP deliveries.
type WebConfig struct {
	// Timeout bounds a single request. Defaults to 15s.
	Timeout time.Duration
	// Attempts is how many requests one run makes before giving up. Defaults to 3.
	Attempts int
	// RetryDelay is the base pause between those requests.
	RetryDelay time.Duration
}

// WebAdapter makes an outbound HTTP call. The task's function name is the
// method.
type WebAdapter struct {
	client *http.Client
	cfg    WebConfig
}

// NewWebAdapter creates a WebAdapter.
func NewWebAdapter(cfg WebConfig) *WebAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &WebAdapter{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

const maxLoggedBody = 2048

func (a *WebAdapter) Execute(ctx context.Context, run *queue.Run) (bool, error) {
	ctx, span := otel.Tracer("hooks").Start(ctx, "hook.web_request")
	defer span.End()

	var p queue.WebRequestPayload
	if err := run.Decode(&p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return false, err
	}
	if p.URL == "" {
		err := fmt.Errorf("%w 'url'", errMissingField)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return false, err
	}
	method := strings.ToUpper(run.Task().FunctionName)
	if method == "" {
		method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", p.URL),
		attribute.String("webhook.method", method),
	)

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: a.cfg.Attempts,
		BaseDelay:   a.cfg.RetryDelay,
		OnRetry: func(attempt int, err error) {
			_ = run.Log(ctx, domain.LogError, fmt.Sprintf("attempt %d: %v", attempt, err))
		},
	}, func() error {
		return a.do(ctx, run, method, p)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return false, err
	}
	return true, nil
}

func (a *WebAdapter) do(ctx context.Context, run *queue.Run, method string, p queue.WebRequestPayload) error {
	req, err := buildRequest(ctx, method, p)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	_ = run.Log(ctx, domain.LogInfo, fmt.Sprintf("%d %s", resp.StatusCode, body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// buildRequest encodes data as query parameters for GET, as a JSON body when
// it is an object or array, and as a form-less raw body otherwise.
func buildRequest(ctx context.Context, method string, p queue.WebRequestPayload) (*http.Request, error) {
	target := p.URL
	var body io.Reader
	contentType := ""

	if method == http.MethodGet {
		if q := queryParams(p.Data); len(q) > 0 {
			u, err := url.Parse(p.URL)
			if err != nil {
				return nil, err
			}
			values := u.Query()
			for k, v := range q {
				values.Set(k, v)
			}
			u.RawQuery = values.Encode()
			target = u.String()
		}
	} else if len(p.Data) > 0 {
		trimmed := bytes.TrimSpace(p.Data)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			body = bytes.NewReader(trimmed)
			contentType = "application/json"
		} else {
			body = bytes.NewReader(dataBytes(p.Data))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func queryParams(raw json.RawMessage) map[string]string {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(t)
			out[k] = string(b)
		}
	}
	return out
}
