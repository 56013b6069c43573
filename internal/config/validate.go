package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/busybox42/mailq/internal/delivery"
	"github.com/busybox42/mailq/internal/lease"
	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/queue"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Err joins all errors, or returns nil for a valid result
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	var messages []string
	for _, e := range vr.Errors {
		messages = append(messages, e.Error())
	}
	return errors.New("configuration validation failed: " + strings.Join(messages, "; "))
}

// Validate performs validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateTransport(result)
	c.validateQueue(result)
	c.validateEscalation(result)
	c.validateLease(result)
	c.validateAPI(result)

	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, err.Error())
	}

	return result
}

func (c *Config) validateTransport(result *ValidationResult) {
	sender := delivery.Sender{Name: c.Sender.Name, Address: c.Sender.Address}
	if err := sender.Validate(); err != nil {
		result.AddError("sender.address", c.Sender.Address, err.Error())
	}

	switch c.SMTP.Encryption {
	case "", delivery.EncryptionTLS, delivery.EncryptionSSL, delivery.EncryptionNone:
	default:
		result.AddError("smtp.encryption", c.SMTP.Encryption, "must be tls, ssl or none")
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		result.AddError("smtp.port", c.SMTP.Port, "port must be between 0 and 65535")
	}
	if c.SMTP.Timeout < 1 {
		result.AddError("smtp.timeout", c.SMTP.Timeout, "send timeout must be at least 1 second")
	}
	if c.SMTP.Host == "" && c.Sendmail.Path == "" {
		result.AddWarning("sendmail.path", c.Sendmail.Path, "no SMTP host; the default sendmail path will be used")
	}
	if c.SMTP.Password != "" && c.SMTP.Encryption == delivery.EncryptionNone {
		result.AddWarning("smtp.encryption", c.SMTP.Encryption, "credentials will be sent without encryption")
	}

	if c.Breaker.Enabled {
		if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
			result.AddError("breaker.failure_ratio", c.Breaker.FailureRatio, "must be in (0, 1]")
		}
		if c.Breaker.OpenTimeout < 1 {
			result.AddError("breaker.open_timeout", c.Breaker.OpenTimeout, "must be at least 1 second")
		}
	}
}

func (c *Config) validateQueue(result *ValidationResult) {
	if _, err := queue.DialectFor(c.Queue.Driver); err != nil {
		result.AddError("queue.driver", c.Queue.Driver, err.Error())
	}
	if strings.TrimSpace(c.Queue.DSN) == "" {
		result.AddError("queue.dsn", c.Queue.DSN, "a data source is required")
	}
	if c.Queue.BatchSize < 1 {
		result.AddError("queue.batch_size", c.Queue.BatchSize, "must be at least 1")
	}
	if c.Queue.Interval < 1 {
		result.AddError("queue.interval", c.Queue.Interval, "must be at least 1 second")
	}
	if c.Queue.RateLimit < 1 {
		result.AddError("queue.rate_limit", c.Queue.RateLimit, "must be at least 1 send per second")
	}
	if c.Queue.Workers < 1 {
		result.AddError("queue.workers", c.Queue.Workers, "must be at least 1")
	} else if c.Queue.RateLimit > 0 && c.Queue.Workers > c.Queue.RateLimit {
		result.AddWarning("queue.workers", c.Queue.Workers, "more workers than the rate limit allows per second")
	}
	if c.Queue.MaxAttempts < 1 {
		result.AddError("queue.max_attempts", c.Queue.MaxAttempts, "must be at least 1")
	}
	if _, err := c.RetryPolicy(); err != nil {
		result.AddError("queue.retry_schedule", c.Queue.RetrySchedule, err.Error())
	}
	if c.Queue.StaleAfter < 0 {
		result.AddError("queue.stale_after", c.Queue.StaleAfter, "must not be negative")
	} else if c.Queue.StaleAfter > 0 && c.Queue.StaleAfter <= c.SMTP.Timeout {
		result.AddWarning("queue.stale_after", c.Queue.StaleAfter, "shorter than the send timeout; in-flight sends may be recovered twice")
	}
	if c.Queue.RetentionDays < 0 {
		result.AddError("queue.retention_days", c.Queue.RetentionDays, "must not be negative")
	} else if c.Queue.RetentionDays == 0 {
		result.AddWarning("queue.retention_days", c.Queue.RetentionDays, "terminal items will never be purged")
	} else if c.Queue.PurgeInterval < 1 {
		result.AddError("queue.purge_interval", c.Queue.PurgeInterval, "must be at least 1 second")
	}
}

func (c *Config) validateEscalation(result *ValidationResult) {
	for _, op := range c.Escalation.Operators {
		if _, err := queue.NormalizeRecipient(op); err != nil {
			result.AddError("escalation.operators", op, "not a valid email address")
		}
	}
	switch c.Escalation.NoticeBoard {
	case "", "none", "memory":
	case "redis":
		if !c.RedisEnabled() {
			result.AddError("escalation.notice_board", c.Escalation.NoticeBoard, "requires redis.addr")
		}
	default:
		result.AddError("escalation.notice_board", c.Escalation.NoticeBoard, "must be memory, redis or none")
	}
	if len(c.Escalation.Operators) == 0 && !c.Escalation.Log &&
		(c.Escalation.NoticeBoard == "" || c.Escalation.NoticeBoard == "none") {
		result.AddError("escalation", nil, "at least one escalation channel must be enabled")
	}
}

func (c *Config) validateLease(result *ValidationResult) {
	backend, err := lease.ParseBackend(c.Lease.Backend)
	if err != nil {
		result.AddError("lease.backend", c.Lease.Backend, err.Error())
		return
	}
	if backend == lease.BackendNone {
		return
	}
	if c.Lease.TTL < 1 {
		result.AddError("lease.ttl", c.Lease.TTL, "must be at least 1 second")
	} else if c.Lease.TTL >= c.Queue.Interval {
		result.AddWarning("lease.ttl", c.Lease.TTL, "should be shorter than queue.interval")
	}
	switch backend {
	case lease.BackendRedis:
		if !c.RedisEnabled() {
			result.AddError("lease.backend", backend, "requires redis.addr")
		}
	case lease.BackendMemcached:
		if len(c.Memcached.Servers) == 0 {
			result.AddError("lease.backend", backend, "requires memcached.servers")
		}
	}
}

func (c *Config) validateAPI(result *ValidationResult) {
	if !c.API.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		result.AddError("api.listen", c.API.Listen, "must be host:port")
	}
	if c.API.AttachmentDir != "" {
		if info, err := os.Stat(c.API.AttachmentDir); err != nil || !info.IsDir() {
			result.AddError("api.attachment_dir", c.API.AttachmentDir, "must be an existing directory")
		}
	}
	if c.API.TokenHash == "" {
		result.AddWarning("api.token_hash", "", "API is enabled without authentication")
	} else if _, err := bcrypt.Cost([]byte(c.API.TokenHash)); err != nil {
		result.AddError("api.token_hash", "[REDACTED]", "not a bcrypt hash")
	}
}
