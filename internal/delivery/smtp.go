package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPTransport submits messages to a configured relay
type SMTPTransport struct {
	cfg       SMTPConfig
	sender    Sender
	tlsConfig *tls.Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewSMTPTransport validates the relay settings and returns a transport
func NewSMTPTransport(cfg SMTPConfig, sender Sender) (*SMTPTransport, error) {
	switch cfg.Encryption {
	case "":
		cfg.Encryption = EncryptionTLS
	case EncryptionTLS, EncryptionSSL, EncryptionNone:
	default:
		return nil, fmt.Errorf("unknown SMTP encryption %q (want tls, ssl or none)", cfg.Encryption)
	}
	if cfg.Port == 0 {
		switch cfg.Encryption {
		case EncryptionSSL:
			cfg.Port = 465
		case EncryptionTLS:
			cfg.Port = 587
		default:
			cfg.Port = 25
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HeloName == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			cfg.HeloName = hostname
		} else {
			cfg.HeloName = "localhost"
		}
	}

	return &SMTPTransport{
		cfg:    cfg,
		sender: sender,
		tlsConfig: &tls.Config{
			ServerName:         cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- operator opt-in for private relays
		},
		logger: slog.Default().With("component", "smtp-transport", "relay", cfg.Host),
		now:    time.Now,
	}, nil
}

// Name implements Transport
func (t *SMTPTransport) Name() string {
	return "smtp"
}

// Send implements Transport
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) Result {
	data, err := Build(t.sender, msg, t.now())
	if err != nil {
		return Failure(err, "")
	}

	deadline := t.now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: time.Until(deadline)}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Failure(fmt.Errorf("failed to connect to %s: %w", addr, err), "")
	}
	remote := conn.RemoteAddr().String()

	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return Failure(fmt.Errorf("failed to set connection deadline: %w", err), remote)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if t.cfg.Encryption == EncryptionSSL {
		tlsConn := tls.Client(conn, t.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return Failure(fmt.Errorf("TLS handshake with %s failed: %w", addr, err), remote)
		}
		conn = tlsConn
	}

	var client *smtp.Client
	if t.cfg.Encryption == EncryptionTLS {
		// NewClientStartTLS greets the relay, checks the STARTTLS extension
		// and upgrades the connection
		client, err = smtp.NewClientStartTLS(conn, t.tlsConfig)
		if err != nil {
			return Failure(fmt.Errorf("STARTTLS with %s failed: %w", addr, err), remote)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()
	client.CommandTimeout = t.cfg.Timeout
	client.SubmissionTimeout = t.cfg.Timeout

	// After STARTTLS the session restarts; this EHLO runs the TLS handshake
	if err := client.Hello(t.cfg.HeloName); err != nil {
		if t.cfg.Encryption == EncryptionTLS {
			return Failure(fmt.Errorf("EHLO over TLS with %s failed: %w", addr, err), remote)
		}
		return Failure(fmt.Errorf("EHLO failed: %w", err), remote)
	}

	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return Failure(fmt.Errorf("authentication failed: %w", err), remote)
		}
	}

	if err := client.SendMail(t.sender.Address, []string{msg.To}, bytes.NewReader(data)); err != nil {
		return Failure(err, remote)
	}

	if err := client.Quit(); err != nil {
		t.logger.Debug("QUIT failed", "error", err)
	}

	return Result{Success: true, Message: "accepted by " + addr, RemoteAddr: remote}
}
