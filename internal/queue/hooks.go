package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/311labs/taskqueue/internal/domain"
)

// Hook namespaces. Tasks on domain.ChannelHook are resolved by these.
const (
	HookWebRequest   = "tq_web_request"
	HookEmailRequest = "tq_email_request"
	HookSMSRequest   = "tq_sms_request"
	HookSFTPRequest  = "tq_sftp_request"
	HookS3Request    = "tq_s3_request"

	// HookSend is the function name of every non-web hook.
	HookSend = "send"
)

// DefaultHookFilename is used when a hook does not name its output file.
// The {date} placeholder expands to MMDDYYYY at delivery time.
const DefaultHookFilename = "{date}"

// WebRequestPayload is the payload of a tq_web_request task. The function
// name carries the HTTP method.
type WebRequestPayload struct {
	URL     string            `json:"url"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EmailRequestPayload sends Data as an attachment to Address.
type EmailRequestPayload struct {
	Address  string          `json:"address"`
	Subject  string          `json:"subject,omitempty"`
	Filename string          `json:"filename,omitempty"`
	Body     string          `json:"body,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SMSRequestPayload sends Message to Phone.
type SMSRequestPayload struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// SFTPRequestPayload writes Data to Filename on Host.
type SFTPRequestPayload struct {
	Host     string          `json:"host"`
	Path     string          `json:"path,omitempty"`
	Filename string          `json:"filename"`
	Username string          `json:"username"`
	Password string          `json:"password,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// S3RequestPayload uploads Data to Bucket. Empty credentials fall back to the
// worker's configured AWS credentials.
type S3RequestPayload struct {
	Bucket    string          `json:"bucket"`
	Folder    string          `json:"folder,omitempty"`
	Filename  string          `json:"filename"`
	AccessKey string          `json:"aws,omitempty"`
	SecretKey string          `json:"secret,omitempty"`
	When      *time.Time      `json:"when,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WebRequest publishes an HTTP delivery. method defaults to POST.
func (s *Service) WebRequest(ctx context.Context, url string, data any, method string, staleAfter time.Duration) (*domain.Task, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = "POST"
	}
	return s.publishHook(ctx, HookWebRequest, method, WebRequestPayload{URL: url, Data: raw}, staleAfter)
}

func (s *Service) EmailRequest(ctx context.Context, address string, data any, filename, subject string) (*domain.Task, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	return s.publishHook(ctx, HookEmailRequest, HookSend, EmailRequestPayload{
		Address: address, Subject: subject, Filename: filename, Data: raw,
	}, 0)
}

func (s *Service) SMSRequest(ctx context.Context, phone, message string) (*domain.Task, error) {
	return s.publishHook(ctx, HookSMSRequest, HookSend, SMSRequestPayload{Phone: phone, Message: message}, 0)
}

func (s *Service) SFTPRequest(ctx context.Context, req SFTPRequestPayload) (*domain.Task, error) {
	return s.publishHook(ctx, HookSFTPRequest, HookSend, req, 0)
}

func (s *Service) S3Request(ctx context.Context, req S3RequestPayload) (*domain.Task, error) {
	return s.publishHook(ctx, HookS3Request, HookSend, req, 0)
}

func (s *Service) publishHook(ctx context.Context, namespace, fn string, payload any, staleAfter time.Duration) (*domain.Task, error) {
	return s.Publish(ctx, PublishRequest{
		Namespace:    namespace,
		FunctionName: fn,
		Payload:      payload,
		Channel:      domain.ChannelHook,
		StaleAfter:   staleAfter,
	})
}

// PublishModelTask publishes a task resolved by entity-method lookup.
// entity is "<domain>.<Entity>".
func (s *Service) PublishModelTask(ctx context.Context, entity, method string, payload any, staleAfter time.Duration, scheduledFor *time.Time) (*domain.Task, error) {
	return s.Publish(ctx, PublishRequest{
		Namespace:    entity,
		FunctionName: method,
		Payload:      payload,
		Channel:      domain.ChannelModelHandler,
		StaleAfter:   staleAfter,
		ScheduledFor: scheduledFor,
	})
}

// TestNamespace and TestFunction name the built-in smoke-test task.
const (
	TestNamespace = "taskqueue"
	TestFunction  = "on_tq_test"
)

// TestPayload is the payload of a smoke-test task.
type TestPayload struct {
	PublishedAt time.Time     `json:"published_at"`
	Index       int           `json:"index"`
	Sleep       time.Duration `json:"sleep"`
}

// PublishTest publishes count smoke-test tasks that each sleep for sleep.
func (s *Service) PublishTest(ctx context.Context, count int, sleep time.Duration) ([]*domain.Task, error) {
	tasks := make([]*domain.Task, 0, count)
	for i := 1; i <= count; i++ {
		t, err := s.Publish(ctx, PublishRequest{
			Namespace:    TestNamespace,
			FunctionName: TestFunction,
			Payload:      TestPayload{PublishedAt: s.now(), Index: i, Sleep: sleep},
		})
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// HookKind selects the delivery a Hook triggers.
type HookKind string

const (
	HookHTTPPost HookKind = "HTTP_POST"
	HookHTTPGet  HookKind = "HTTP_GET"
	HookEmail    HookKind = "EMAIL"
	HookSMS      HookKind = "SMS"
	HookSFTP     HookKind = "SFTP"
	HookS3       HookKind = "S3"
)

// Hook is a configured delivery target. Application code looks one up and
// calls Trigger with the data to deliver.
type Hook struct {
	Kind       HookKind          `json:"kind" yaml:"kind"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	DataFormat string            `json:"data_format" yaml:"data_format"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties"`
}

func (h Hook) property(key, def string) string {
	if v, ok := h.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

func (h Hook) filename() string {
	format := h.DataFormat
	if format == "" {
		format = "json"
	}
	return h.property("filename", DefaultHookFilename+"."+format)
}

// Trigger publishes the delivery task for h.
func (h Hook) Trigger(ctx context.Context, s *Service, data any, when *time.Time) (*domain.Task, error) {
	switch h.Kind {
	case HookHTTPPost:
		return s.WebRequest(ctx, h.Endpoint, data, "POST", 0)
	case HookHTTPGet:
		return s.WebRequest(ctx, h.Endpoint, data, "GET", 0)
	case HookEmail:
		return s.EmailRequest(ctx, h.Endpoint, data, h.filename(), h.property("subject", DefaultHookFilename))
	case HookSMS:
		msg, ok := data.(string)
		if !ok {
			b, err := json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("sms hook: %w", err)
			}
			msg = string(b)
		}
		return s.SMSRequest(ctx, h.Endpoint, msg)
	case HookSFTP:
		raw, err := marshalPayload(data)
		if err != nil {
			return nil, err
		}
		return s.SFTPRequest(ctx, SFTPRequestPayload{
			Host:     h.Endpoint,
			Path:     h.property("path", ""),
			Filename: h.filename(),
			Username: h.property("username", ""),
			Password: h.property("password", ""),
			Data:     raw,
		})
	case HookS3:
		raw, err := marshalPayload(data)
		if err != nil {
			return nil, err
		}
		return s.S3Request(ctx, S3RequestPayload{
			Bucket:    h.property("bucket", ""),
			Folder:    h.property("folder", ""),
			Filename:  h.filename(),
			AccessKey: h.property("aws", ""),
			SecretKey: h.property("secret", ""),
			When:      when,
			Data:      raw,
		})
	default:
		return nil, fmt.Errorf("unknown hook kind %q", h.Kind)
	}
}
