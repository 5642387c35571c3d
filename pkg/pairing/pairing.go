// Package pairing pairs Moonlight clients with the streaming server of an
// instance. Both supported servers are driven over SSH since their admin
// endpoints only listen on the instance itself.
package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

// Target is the instance host to pair with.
type Target struct {
	Instance  string
	Host      string
	Transport ssh.Transport
}

// Options tunes the pairing loops. Zero values take the defaults.
type Options struct {
	// Out receives the instructions for the user. Defaults to stdout.
	Out io.Writer

	// Attempts bounds the Sunshine PIN submissions.
	Attempts int

	// Interval is the pause between attempts or log polls.
	Interval time.Duration

	// Timeout bounds the wait for the Wolf PIN URL.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Attempts <= 0 {
		o.Attempts = 60
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	return o
}

// Pair dispatches to the streaming server enabled in the configuration input.
func Pair(ctx context.Context, target Target, cfg state.CommonConfigurationInput, opts Options) error {
	switch cfg.StreamingServer() {
	case "sunshine":
		username, _ := cfg.Sunshine.Options["username"].(string)
		password, err := decodePassword(cfg.Sunshine.Options)
		if err != nil {
			return err
		}
		return Sunshine(ctx, target, username, password, opts)
	case "wolf":
		_, err := Wolf(ctx, target, opts)
		return err
	default:
		return engine.NewPreconditionError("configuration.input", "no streaming server enabled").
			WithInstance(target.Instance)
	}
}

func decodePassword(options map[string]interface{}) (string, error) {
	encoded, _ := options["passwordBase64"].(string)
	if encoded == "" {
		return "", engine.NewPreconditionError("configuration.input.sunshine.passwordBase64", "sunshine password is required for pairing")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", engine.NewValidationError("configuration.input.sunshine.passwordBase64", "invalid base64")
	}
	return string(raw), nil
}

// MakePin returns a random 4 digit PIN.
func MakePin() string {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}

// Sunshine submits a fresh PIN to the Sunshine API until it is accepted by
// a Moonlight client pairing in parallel.
func Sunshine(ctx context.Context, target Target, username, password string, opts Options) error {
	opts = opts.withDefaults()
	pin := MakePin()

	fmt.Fprintf(opts.Out, "Run this command in another terminal to pair your instance:\n\n")
	fmt.Fprintf(opts.Out, "  moonlight pair %s --pin %s\n\n", target.Host, pin)
	fmt.Fprintf(opts.Out, "For Mac / Apple devices, you may need to use this pseudo-IPv6 address:\n\n")
	fmt.Fprintf(opts.Out, "  moonlight pair [::ffff:%s] --pin %s\n\n", target.Host, pin)

	body, err := json.Marshal(map[string]string{"pin": pin, "name": target.Instance})
	if err != nil {
		return fmt.Errorf("failed to encode pin request: %w", err)
	}
	cmd := strings.Join([]string{
		"curl", "-s", "-k", "-X", "POST",
		"-u", shellQuote(username + ":" + password),
		"https://localhost:47990/api/pin",
		"-d", shellQuote(string(body)),
	}, " ")

	retrier := engine.NewRetrier("sunshine pin", engine.RetryOptions{
		Retries: opts.Attempts - 1,
		Delay:   opts.Interval,
	})
	return retrier.Run(ctx, func(ctx context.Context) error {
		return tryPin(ctx, target, cmd)
	})
}

func tryPin(ctx context.Context, target Target, cmd string) error {
	result, err := target.Transport.Run(ctx, cmd)
	if err != nil {
		return engine.NewProviderError("failed to send pin to Sunshine API", err).WithTemporary()
	}

	var resp struct {
		Status interface{} `json:"status"`
	}
	if err := json.Unmarshal([]byte(result.Stdout), &resp); err != nil {
		log.Debug().Str("stdout", result.Stdout).Msg("Unexpected Sunshine API response")
		return engine.NewProviderError("failed to parse Sunshine API response", err).WithTemporary()
	}
	if fmt.Sprint(resp.Status) != "true" {
		return engine.NewProviderError("pin not accepted yet", nil).WithTemporary()
	}

	log.Info().Str("instance", target.Instance).Msg("Sunshine accepted pairing PIN")
	return nil
}

const wolfPinMarker = "Insert pin at"

var (
	pinURLPattern = regexp.MustCompile(`(http://[0-9]{1,3}(\.[0-9]{1,3}){3}:[0-9]+/pin/#?[0-9A-F]+)`)
	ipv4Pattern   = regexp.MustCompile(`[0-9]{1,3}(\.[0-9]{1,3}){3}`)
)

// ExtractPinURL finds the Wolf PIN URL in a log line and points it at host.
func ExtractPinURL(line, host string) (string, bool) {
	if !strings.Contains(line, wolfPinMarker) {
		return "", false
	}
	url := pinURLPattern.FindString(line)
	if url == "" {
		return "", false
	}
	return ipv4Pattern.ReplaceAllLiteralString(url, host), true
}

// Wolf waits for the PIN URL Wolf logs when a Moonlight client starts
// pairing, prints it and returns it.
func Wolf(ctx context.Context, target Target, opts Options) (string, error) {
	opts = opts.withDefaults()

	fmt.Fprintf(opts.Out, "Add the instance in Moonlight with host %s, then wait for the PIN URL...\n", target.Host)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	since := time.Now().Unix()
	cmd := fmt.Sprintf("docker logs --since %d wolf 2>&1", since)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		result, err := target.Transport.Run(ctx, cmd)
		if err != nil {
			log.Warn().Err(err).Str("instance", target.Instance).Msg("Failed to read Wolf logs")
		} else {
			for _, line := range strings.Split(result.Stdout, "\n") {
				if url, ok := ExtractPinURL(line, target.Host); ok {
					fmt.Fprintf(opts.Out, "Open %s and enter the PIN shown by Moonlight\n", url)
					return url, nil
				}
				if strings.Contains(line, wolfPinMarker) {
					log.Warn().Str("line", line).Msg("Log line looked like a PIN URL but did not match")
				}
			}
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", engine.NewTimeoutError("no Wolf PIN URL found", ctx.Err()).WithInstance(target.Instance)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
