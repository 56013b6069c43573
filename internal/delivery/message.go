package delivery

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment references a file read at send time
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Path        string `json:"path"`
}

// Message is the payload handed to a Transport
type Message struct {
	To          string
	Subject     string
	HTMLBody    string
	Headers     []string // "Name: value" lines
	Attachments []Attachment
}

// Sender is the configured From identity
type Sender struct {
	Name    string
	Address string
}

// Validate checks that the sender address parses
func (s Sender) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return ErrNoSender
	}
	if _, err := mail.ParseAddress(s.Address); err != nil {
		return fmt.Errorf("invalid sender address %q: %w", s.Address, err)
	}
	return nil
}

// String renders the From header value
func (s Sender) String() string {
	return (&mail.Address{Name: s.Name, Address: s.Address}).String()
}

// reservedHeaders are written by the builder or would add recipients or
// senders beyond the envelope, and cannot be set by callers
var reservedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Sender":                    true,
	"Return-Path":               true,
	"Resent-From":               true,
	"Resent-To":                 true,
	"Resent-Cc":                 true,
	"Resent-Bcc":                true,
	"Resent-Sender":             true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// ParseHeader splits a "Name: value" line. Lines with line breaks or an
// invalid field name are rejected.
func ParseHeader(line string) (string, string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", "", fmt.Errorf("header contains a line break")
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", fmt.Errorf("header %q has no colon", line)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("header %q has an empty name", line)
	}
	for _, r := range name {
		if r < 33 || r > 126 || r == ':' {
			return "", "", fmt.Errorf("header name %q contains invalid characters", name)
		}
	}
	return textproto.CanonicalMIMEHeaderKey(name), strings.TrimSpace(value), nil
}

// Build renders msg as an RFC 5322 message with an HTML body and optional
// multipart/mixed attachments.
func Build(sender Sender, msg *Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	domain := "localhost"
	if at := strings.LastIndex(sender.Address, "@"); at >= 0 {
		domain = sender.Address[at+1:]
	}

	writeHeader(&buf, "From", sender.String())
	writeHeader(&buf, "To", msg.To)
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	writeHeader(&buf, "MIME-Version", "1.0")

	for _, line := range msg.Headers {
		name, value, err := ParseHeader(line)
		if err != nil {
			return nil, fmt.Errorf("invalid custom header: %w", err)
		}
		if reservedHeaders[name] {
			continue
		}
		writeHeader(&buf, name, value)
	}

	if len(msg.Attachments) == 0 {
		writeHeader(&buf, "Content-Type", "text/html; charset=UTF-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, msg.HTMLBody); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if err := writeQuotedPrintable(body, msg.HTMLBody); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	return qp.Close()
}

func writeAttachment(mw *multipart.Writer, att Attachment) error {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return fmt.Errorf("failed to read attachment %s: %w", att.Path, err)
	}

	filename := att.Filename
	if filename == "" {
		filename = filepath.Base(att.Path)
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": filename})},
	})
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := io.WriteString(part, encoded[:76]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err = io.WriteString(part, encoded+"\r\n")
	return err
}
