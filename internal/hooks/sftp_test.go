package hooks

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/311labs/taskqueue/internal/queue"
)

// pipeDialer serves SFTP in-process over a net.Pipe, rooted at the real
// filesystem.
func pipeDialer(t *testing.T, gotUser *string) sftpDialer {
	return func(_ context.Context, _ string, cfg *ssh.ClientConfig) (*sftp.Client, io.Closer, error) {
		*gotUser = cfg.User
		serverConn, clientConn := net.Pipe()
		server, err := sftp.NewServer(serverConn)
		if err != nil {
			return nil, nil, err
		}
		go func() { _ = server.Serve() }()
		client, err := sftp.NewClientPipe(clientConn, clientConn)
		if err != nil {
			return nil, nil, err
		}
		return client, serverConn, nil
	}
}

func TestSFTPAdapter_WritesFile(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	run := h.startRun(t, queue.HookSFTPRequest, queue.HookSend, queue.SFTPRequestPayload{
		Host:     "sftp.example.com",
		Path:     dir,
		Filename: "{date}.csv",
		Username: "reports",
		Password: "pw",
		Data:     []byte(`"a,b\n1,2"`),
	})

	var user string
	a := NewSFTPAdapter(SFTPConfig{})
	a.dial = pipeDialer(t, &user)
	a.now = func() time.Time { return time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC) }

	ok, err := a.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "reports", user)

	b, err := os.ReadFile(filepath.Join(dir, "03072024.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2", string(b))
}

func TestSFTPAdapter_MissingFields(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(t, queue.HookSFTPRequest, queue.HookSend, queue.SFTPRequestPayload{Host: "h"})

	ok, err := NewSFTPAdapter(SFTPConfig{}).Execute(context.Background(), run)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestSFTPAddr(t *testing.T) {
	assert.Equal(t, "example.com:22", sftpAddr("example.com"))
	assert.Equal(t, "example.com:2222", sftpAddr("example.com:2222"))
	assert.Equal(t, "[::1]:22", sftpAddr("::1"))
}
