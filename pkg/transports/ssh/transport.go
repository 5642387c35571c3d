// Package ssh provides the SSH transport used to reach instance hosts:
// command execution, SFTP file transfer and reachability checks.
package ssh

import (
	"context"
	"io/fs"
	"time"
)

// Transport runs commands and transfers files on a remote host.
type Transport interface {
	// Run executes cmd and returns its output. A non-zero exit status is an
	// error carrying the result.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile creates or replaces remotePath with data.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode fs.FileMode) error

	// ReadFile returns the content of remotePath.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// Close releases the connection.
	Close() error
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError wraps a failure of connect, exec or file transfer. Temporary
// errors are retried by the engine retrier; auth errors never are.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
