package hooks

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailAdapter sends the payload data as an attachment via SMTP.
type EmailAdapter struct {
	cfg  EmailConfig
	send sendMailFunc
	now  func() time.Time
}

// NewEmailAdapter creates an EmailAdapter from config.
func NewEmailAdapter(cfg EmailConfig) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

func (a *EmailAdapter) Execute(ctx context.Context, run *queue.Run) (bool, error) {
	ctx, span := otel.Tracer("hooks").Start(ctx, "hook.email")
	defer span.End()

	var p queue.EmailRequestPayload
	if err := run.Decode(&p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return false, err
	}
	if p.Address == "" {
		err := fmt.Errorf("%w 'address'", errMissingField)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'address' field")
		return false, err
	}

	span.SetAttributes(attribute.String("email.to", p.Address))

	now := a.now()
	subject := expandFilename(p.Subject, now)
	msg, err := buildMIME(a.cfg.From, p.Address, subject, p.Body, expandFilename(p.Filename, now), dataBytes(p.Data))
	if err != nil {
		return false, fmt.Errorf("build email: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	// net/smtp has no context support
	done := make(chan error, 1)
	go func() {
		done <- a.send(addr, auth, a.cfg.From, []string{p.Address}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return false, fmt.Errorf("smtp send to %s: %w", p.Address, err)
		}
		_ = run.Log(ctx, domain.LogInfo, fmt.Sprintf("email sent to %s", p.Address))
		return true, nil
	case <-ctx.Done():
		err := fmt.Errorf("email send interrupted: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "canceled")
		return false, err
	}
}

// buildMIME renders a multipart/mixed message. The attachment part is left
// out when filename or data is empty.
func buildMIME(from, to, subject, body, filename string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", w.Boundary())

	text, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=UTF-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := text.Write([]byte(body)); err != nil {
		return nil, err
	}

	if filename != "" && len(data) > 0 {
		ctype := mime.TypeByExtension(path.Ext(filename))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		att, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ctype},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": filename})},
		})
		if err != nil {
			return nil, err
		}
		enc := base64.NewEncoder(base64.StdEncoding, att)
		if _, err := enc.Write(data); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
