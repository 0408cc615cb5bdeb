package hooks

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
)

// SFTPConfig tunes SFTP deliveries.
type SFTPConfig struct {
	// KnownHostsFile verifies server keys. Empty accepts any host key.
	KnownHostsFile string
	Timeout        time.Duration
}

// sftpDialer opens an SFTP session. The closer releases the underlying
// transport.
type sftpDialer func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*sftp.Client, io.Closer, error)

// SFTPAdapter writes the payload data to a file on a remote SFTP server.
type SFTPAdapter struct {
	cfg  SFTPConfig
	dial sftpDialer
	now  func() time.Time
}

// NewSFTPAdapter creates an SFTPAdapter.
func NewSFTPAdapter(cfg SFTPConfig) *SFTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SFTPAdapter{cfg: cfg, dial: dialSSH, now: time.Now}
}

func (a *SFTPAdapter) Execute(ctx context.Context, run *queue.Run) (bool, error) {
	ctx, span := otel.Tracer("hooks").Start(ctx, "hook.sftp")
	defer span.End()

	var p queue.SFTPRequestPayload
	if err := run.Decode(&p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return false, err
	}
	if p.Host == "" || p.Filename == "" {
		err := fmt.Errorf("%w 'host' or 'filename'", errMissingField)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing field")
		return false, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if a.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(a.cfg.KnownHostsFile)
		if err != nil {
			return false, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	addr := sftpAddr(p.Host)
	span.SetAttributes(attribute.String("sftp.host", addr))

	client, closer, err := a.dial(ctx, addr, &ssh.ClientConfig{
		User:            p.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(p.Password)},
		HostKeyCallback: hostKey,
		Timeout:         a.cfg.Timeout,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return false, fmt.Errorf("sftp connect %s: %w", addr, err)
	}
	defer closer.Close()
	defer client.Close()

	target := expandFilename(p.Filename, a.now())
	if p.Path != "" {
		target = path.Join(p.Path, target)
	}

	f, err := client.Create(target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return false, fmt.Errorf("sftp create %s: %w", target, err)
	}
	if _, err := f.Write(dataBytes(p.Data)); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("sftp write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("sftp close %s: %w", target, err)
	}

	_ = run.Log(ctx, domain.LogInfo, fmt.Sprintf("file written to %s:%s", addr, target))
	return true, nil
}

// sftpAddr appends the default SSH port when host has none.
func sftpAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "22")
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*sftp.Client, io.Closer, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, err
	}
	return client, sshClient, nil
}
