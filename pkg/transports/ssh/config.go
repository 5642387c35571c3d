package ssh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cloudypad/cloudypad/pkg/state"
)

const (
	DefaultPort              = 22
	DefaultConnectionTimeout = 30 * time.Second
	DefaultCommandTimeout    = 5 * time.Minute
)

// Config describes how to reach an instance host.
type Config struct {
	Host string
	Port int
	User string

	// PrivateKeyContentBase64 takes precedence over PrivateKeyPath.
	PrivateKeyPath          string
	PrivateKeyContentBase64 string

	// KnownHostsPath turns on host key verification. When empty any host key
	// is accepted: a server recreated on start comes up with a new one.
	KnownHostsPath string

	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
}

// ForHost builds the connection config of an instance host from the ssh
// block of its provision input.
func ForHost(host string, s state.SSHConfig) *Config {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return &Config{
		Host:                    host,
		Port:                    port,
		User:                    s.User,
		PrivateKeyPath:          s.PrivateKeyPath,
		PrivateKeyContentBase64: s.PrivateKeyContentBase64,
		ConnectionTimeout:       DefaultConnectionTimeout,
		CommandTimeout:          DefaultCommandTimeout,
	}
}

// Validate reports the first missing or invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.PrivateKeyPath == "" && c.PrivateKeyContentBase64 == "":
		return errors.New("a private key path or content is required")
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.CommandTimeout <= 0:
		return errors.New("command timeout must be positive")
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Signer parses the configured private key.
func (c *Config) Signer() (ssh.Signer, error) {
	var key []byte
	var err error
	if c.PrivateKeyContentBase64 != "" {
		key, err = base64.StdEncoding.DecodeString(c.PrivateKeyContentBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode private key content: %w", err)
		}
	} else if key, err = os.ReadFile(c.PrivateKeyPath); err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// AuthorizedKey returns the public half of the key in authorized_keys format.
func (c *Config) AuthorizedKey() ([]byte, error) {
	signer, err := c.Signer()
	if err != nil {
		return nil, err
	}
	return ssh.MarshalAuthorizedKey(signer.PublicKey()), nil
}

// ClientConfig builds the x/crypto/ssh client configuration.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	signer, err := c.Signer()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		if hostKeys, err = knownhosts.New(c.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// DialFunc opens a Transport. Providers take one so tests can swap in fakes.
type DialFunc func(ctx context.Context, config *Config) (Transport, error)

// DialTransport is the DialFunc backed by Dial.
func DialTransport(ctx context.Context, config *Config) (Transport, error) {
	c, err := Dial(ctx, config)
	if err != nil {
		return nil, err
	}
	return c, nil
}
