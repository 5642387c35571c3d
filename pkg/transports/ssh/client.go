package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a Transport over a single SSH connection.
type Client struct {
	config *Config

	mu     sync.Mutex
	client *ssh.Client
}

var _ Transport = (*Client)(nil)

// Dial connects to the host described by config.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := config.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Str("user", config.User).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// the handshake is bounded by the connection timeout and ctx
	deadline := time.Now().Add(config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: !isAuthFailure(err),
			IsAuthError: isAuthFailure(err),
		}
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("address", address).Msg("SSH connection established")
	return &Client{config: config, client: ssh.NewClient(ncc, chans, reqs)}, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Ping connects to the host and runs a no-op command.
func Ping(ctx context.Context, config *Config) error {
	c, err := Dial(ctx, config)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Run(ctx, "true")
	return err
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Run executes cmd. ctx cancellation or the command timeout kills the
// remote process.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
			}
		}
		result.ExitCode = -1
		return result, &TransportError{Op: "execute", Err: execErr, IsTemporary: ctx.Err() == nil}
	}

	return result, nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sc, nil
}

// WriteFile uploads data to remotePath through SFTP, creating parent
// directories as needed.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode fs.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	if dir := remoteDir(remotePath); dir != "" {
		if err := sc.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", dir, err)}
		}
	}

	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open %s: %w", remotePath, err)}
	}
	defer f.Close()

	if _, err := copyWithContext(ctx, f, bytes.NewReader(data)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to write %s: %w", remotePath, err), IsTemporary: true}
	}
	if err := f.Chmod(mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod %s: %w", remotePath, err)}
	}

	log.Debug().Str("remote", remotePath).Int("bytes", len(data)).Msg("file uploaded")
	return nil
}

// ReadFile downloads remotePath through SFTP.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f, err := sc.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: fmt.Errorf("failed to open %s: %w", remotePath, err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "download", Err: fmt.Errorf("failed to read %s: %w", remotePath, err), IsTemporary: true}
	}
	return buf.Bytes(), nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// copyWithContext copies in chunks, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func remoteDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}
