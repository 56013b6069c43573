// Package delivery hands rendered messages to a mail relay or the platform mailer.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Result is the outcome of one send attempt. Transports never return errors
// or panic; every failure is reported through Result.
type Result struct {
	Success bool
	// Message is the relay response on success or the error text on failure
	Message string
	// RemoteAddr is the network address of the relay, if one was reached
	RemoteAddr string
}

// Failure builds an unsuccessful Result from an error
func Failure(err error, remote string) Result {
	return Result{Success: false, Message: err.Error(), RemoteAddr: remote}
}

// Transport delivers one message to one recipient
type Transport interface {
	Send(ctx context.Context, msg *Message) Result
	// Name identifies the delivery method in logs
	Name() string
}

// SMTPConfig holds relay connection settings
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Encryption         string // tls (STARTTLS), ssl (implicit TLS) or none
	Timeout            time.Duration
	HeloName           string
	InsecureSkipVerify bool
}

// Config selects and configures the transport
type Config struct {
	SMTP         SMTPConfig
	Sender       Sender
	SendmailPath string
	Breaker      BreakerConfig
}

// Encryption modes
const (
	EncryptionTLS  = "tls"
	EncryptionSSL  = "ssl"
	EncryptionNone = "none"
)

// DefaultSendmailPath is used when no path is configured
const DefaultSendmailPath = "/usr/sbin/sendmail"

// DefaultTimeout bounds a single SMTP conversation
const DefaultTimeout = 30 * time.Second

// New selects the transport once: SMTP when a relay host is configured,
// the platform mailer otherwise. The result is wrapped in a circuit
// breaker when enabled.
func New(cfg Config) (Transport, error) {
	if err := cfg.Sender.Validate(); err != nil {
		return nil, err
	}

	var t Transport
	if strings.TrimSpace(cfg.SMTP.Host) != "" {
		st, err := NewSMTPTransport(cfg.SMTP, cfg.Sender)
		if err != nil {
			return nil, err
		}
		t = st
	} else {
		path := cfg.SendmailPath
		if path == "" {
			path = DefaultSendmailPath
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("no SMTP host configured and sendmail unavailable at %s: %w", path, err)
		}
		t = NewSendmailTransport(path, cfg.Sender)
	}

	if cfg.Breaker.Enabled {
		t = NewBreakerTransport(t, cfg.Breaker)
	}

	slog.Default().With("component", "delivery").Info("transport selected",
		"transport", t.Name(),
		"host", cfg.SMTP.Host,
		"sender", cfg.Sender.Address)
	return t, nil
}

// ErrNoSender is returned when no sender address is configured
var ErrNoSender = errors.New("sender address is required")
