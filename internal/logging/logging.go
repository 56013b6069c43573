package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// SanitizeValue normalizes a value to a single line and removes control
// characters that could be used for log injection. Recipient addresses and
// transport responses come from outside the process and go through here.
func SanitizeValue(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

var sensitiveKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
}

// IsSensitiveKey reports whether values logged under key must be redacted
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(keyLower, sk) {
			return true
		}
	}
	return false
}

// redactAttr is a slog ReplaceAttr hook applying SanitizeValue and redaction
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, SanitizeValue(a.Value.String()))
	}
	return a
}

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	level *slog.LevelVar
	mu    sync.Mutex
	file  *os.File
}

var globalLogLevelManager = &LogLevelManager{level: new(slog.LevelVar)}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// Close releases the log file opened by InitializeLogging, if any
func (m *LogLevelManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "DEBUG", "debug":
		return slog.LevelDebug, nil
	case "INFO", "info", "":
		return slog.LevelInfo, nil
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn, nil
	case "ERROR", "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler returns the JSON handler used by the process, writing to w
func NewHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       globalLogLevelManager.level,
		ReplaceAttr: redactAttr,
	})
}

// InitializeLogging installs the default logger writing JSON to stdout and,
// when filePath is set, to that file as well.
// This should be called early in the application startup
func InitializeLogging(levelStr, filePath string) error {
	level, err := StringToLevel(levelStr)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", levelStr)
		level = slog.LevelInfo
	}
	globalLogLevelManager.SetLevel(level)

	var out io.Writer = os.Stdout
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		globalLogLevelManager.mu.Lock()
		globalLogLevelManager.file = logFile
		globalLogLevelManager.mu.Unlock()
		out = io.MultiWriter(os.Stdout, logFile)
	}

	slog.SetDefault(slog.New(NewHandler(out)))
	slog.Info("logging initialized",
		"log_level", LevelToString(level),
		"log_file", filePath)
	return nil
}
