package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/cloudypad/cloudypad/pkg/state"
)

// testSSHServer is a minimal in-process SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() != "cloudy" {
				return nil, errors.New("unknown user")
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{listener: listener, config: config, done: make(chan struct{})}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

			status := []byte{0, 0, 0, 0}
			switch command {
			case "true":
			case "echo test":
				_, _ = channel.Write([]byte("test\n"))
			case "exit 1":
				_, _ = channel.Stderr().Write([]byte("boom\n"))
				status = []byte{0, 0, 0, 1}
			case "sleep":
				// never answers, the client has to give up
				continue
			default:
				_, _ = channel.Write([]byte("command: " + command + "\n"))
			}
			_, _ = channel.SendRequest("exit-status", false, status)
			_ = channel.Close()
			go ssh.DiscardRequests(requests)
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go func() {
				defer channel.Close()
				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				_ = server.Serve()
			}()

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	config := ForHost(host, state.SSHConfig{
		User:                    "cloudy",
		Port:                    port,
		PrivateKeyContentBase64: base64.StdEncoding.EncodeToString(generateKeyPEM(t)),
	})
	config.ConnectionTimeout = 5 * time.Second
	config.CommandTimeout = 5 * time.Second
	return config
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	client, err := Dial(ctx, server.clientConfig(t))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer client.Close()

	t.Run("stdout", func(t *testing.T) {
		result, err := client.Run(ctx, "echo test")
		if err != nil {
			t.Fatalf("failed to run command: %v", err)
		}
		if result.Stdout != "test" {
			t.Errorf("expected stdout 'test', got '%s'", result.Stdout)
		}
		if result.ExitCode != 0 {
			t.Errorf("expected exit code 0, got %d", result.ExitCode)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		result, err := client.Run(ctx, "exit 1")
		if err == nil {
			t.Fatal("expected error for failing command")
		}
		if result.ExitCode != 1 {
			t.Errorf("expected exit code 1, got %d", result.ExitCode)
		}
		if result.Stderr != "boom" {
			t.Errorf("expected stderr 'boom', got '%s'", result.Stderr)
		}

		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %T", err)
		}
		if te.Temporary() {
			t.Error("expected a failing command not to be temporary")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		_, err := client.Run(cctx, "sleep")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestClientFiles(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	client, err := Dial(ctx, server.clientConfig(t))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer client.Close()

	remotePath := filepath.Join(t.TempDir(), "cloudypad", "facts.yml")
	content := []byte("host: 127.0.0.1\n")

	if err := client.WriteFile(ctx, remotePath, content, 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	info, err := os.Stat(remotePath)
	if err != nil {
		t.Fatalf("failed to stat uploaded file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	data, err := client.ReadFile(ctx, remotePath)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("expected content %q, got %q", content, data)
	}
}

func TestDialErrors(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	t.Run("invalid config", func(t *testing.T) {
		config := server.clientConfig(t)
		config.Host = ""

		if _, err := Dial(ctx, config); err == nil {
			t.Error("expected error for invalid config")
		}
	})

	t.Run("rejected user", func(t *testing.T) {
		config := server.clientConfig(t)
		config.User = "root"

		_, err := Dial(ctx, config)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %v", err)
		}
		if !te.IsAuthError {
			t.Error("expected an authentication error")
		}
		if te.Temporary() {
			t.Error("expected authentication errors not to be temporary")
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		port := listener.Addr().(*net.TCPAddr).Port
		_ = listener.Close()

		config := server.clientConfig(t)
		config.Port = port

		err = Ping(ctx, config)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %v", err)
		}
		if !te.Temporary() {
			t.Error("expected connection errors to be temporary")
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := Ping(ctx, server.clientConfig(t)); err != nil {
			t.Errorf("expected ping to succeed, got %v", err)
		}
	})
}
