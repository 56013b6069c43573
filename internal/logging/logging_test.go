package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StringToLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelToString(slog.LevelDebug))
	assert.Equal(t, "WARN", LevelToString(slog.LevelWarn))
	assert.Equal(t, "INFO", LevelToString(slog.Level(42)))
}

func TestSanitizeValue(t *testing.T) {
	assert.Equal(t, "a  b c", SanitizeValue("a\r\nb\nc"))
	assert.Equal(t, "line one  line two", SanitizeValue("line one\r\nline two"))
	assert.Equal(t, "tab\tkept", SanitizeValue("tab\tkept"))
	assert.Equal(t, "bell", SanitizeValue("be\x07ll"))
}

func TestHandlerRedactsAndSanitizes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))

	logger.Info("smtp_login", "smtp_password", "hunter2", "recipient", "a@example.com\r\nBcc: x@example.com")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[REDACTED]", entry["smtp_password"])
	assert.NotContains(t, entry["recipient"], "\n")
	assert.True(t, strings.HasPrefix(entry["recipient"].(string), "a@example.com"))
}

func TestMessageLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	ml := NewMessageLogger(slog.New(NewHandler(&buf)))

	ml.LogEnqueued(ItemContext{ItemID: 7, Recipient: "a@example.com", Priority: "high"})
	ml.LogBounce(ItemContext{ItemID: 7, Recipient: "a@example.com", Attempts: 3, MaxAttempts: 3, Error: "550 no such user"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var enq, bounce map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &enq))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &bounce))

	assert.Equal(t, "message_enqueued", enq["msg"])
	assert.Equal(t, "enqueue", enq["event_type"])
	assert.Equal(t, "message-lifecycle", enq["component"])
	assert.Equal(t, float64(7), enq["item_id"])

	assert.Equal(t, "message_bounce", bounce["msg"])
	assert.Equal(t, "failed", bounce["status"])
	assert.Equal(t, "550 no such user", bounce["bounce_reason"])
}
