package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/busybox42/mailq/internal/delivery"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sender.Address = "news@example.com"
	return cfg
}

func fieldErrors(vr *ValidationResult) []string {
	var fields []string
	for _, e := range vr.Errors {
		fields = append(fields, e.Field)
	}
	return fields
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []int{60, 300, 900}, cfg.Queue.RetrySchedule)
	assert.Equal(t, 5, cfg.Queue.RateLimit)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, "sqlite3", cfg.Queue.Driver)

	// the sender has no sensible default
	result := cfg.Validate()
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"sender.address"}, fieldErrors(result))

	result = validConfig().Validate()
	assert.True(t, result.Valid, "%v", result.Errors)
	assert.NoError(t, result.Err())
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.Encryption = "starttls"
	cfg.Queue.Driver = "oracle"
	cfg.Queue.RateLimit = 0
	cfg.Queue.RetrySchedule = []int{60, 0}
	cfg.Lease.Backend = "redis"
	cfg.API.Enabled = true
	cfg.API.Listen = "8025"
	cfg.API.TokenHash = "plaintext"
	cfg.Logging.Level = "verbose"

	result := cfg.Validate()
	require.False(t, result.Valid)
	assert.ElementsMatch(t, []string{
		"smtp.encryption",
		"queue.driver",
		"queue.rate_limit",
		"queue.retry_schedule",
		"lease.backend",
		"api.listen",
		"api.token_hash",
		"logging.level",
	}, fieldErrors(result))
	assert.Contains(t, result.Err().Error(), "configuration validation failed")
	assert.NotContains(t, result.Err().Error(), "plaintext")
}

func TestValidateEscalationChannels(t *testing.T) {
	cfg := validConfig()
	cfg.Escalation.Log = false
	cfg.Escalation.NoticeBoard = "none"
	assert.Contains(t, fieldErrors(cfg.Validate()), "escalation")

	cfg.Escalation.Operators = []string{"ops@example.com", "nobody"}
	assert.Equal(t, []string{"escalation.operators"}, fieldErrors(cfg.Validate()))

	cfg.Escalation.Operators = []string{"ops@example.com"}
	assert.True(t, cfg.Validate().Valid)
}

func TestValidateAPIToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.TokenHash = string(hash)
	result := cfg.Validate()
	assert.True(t, result.Valid, "%v", result.Errors)

	cfg.API.TokenHash = ""
	result = cfg.Validate()
	assert.True(t, result.Valid)
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, "api.token_hash", result.Warnings[len(result.Warnings)-1].Field)
}

func TestValidateAPIAttachmentDir(t *testing.T) {
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.AttachmentDir = t.TempDir()
	assert.True(t, cfg.Validate().Valid)

	cfg.API.AttachmentDir = filepath.Join(cfg.API.AttachmentDir, "missing")
	assert.Equal(t, []string{"api.attachment_dir"}, fieldErrors(cfg.Validate()))
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mailq.toml", `
[smtp]
host = "smtp.example.com"
port = 2525
encryption = "none"

[sender]
name = "Example News"
address = "news@example.com"

[queue]
dsn = "data/queue.db"
rate_limit = 10
workers = 2
retry_schedule = [30, 120]
`)
	writeFile(t, dir, ".env", "MAILQ_SMTP_USERNAME=relay-user\n")
	t.Cleanup(func() { os.Unsetenv("MAILQ_SMTP_USERNAME") })
	t.Setenv("MAILQ_SMTP_PASSWORD", "from-env")

	cfg, file, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, file)

	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, "relay-user", cfg.SMTP.Username)
	assert.Equal(t, "from-env", cfg.SMTP.Password)
	assert.Equal(t, filepath.Join(dir, "data/queue.db"), cfg.Queue.DSN)
	assert.Equal(t, []int{30, 120}, cfg.Queue.RetrySchedule)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 50, cfg.Queue.BatchSize)

	dc := cfg.DispatcherConfig()
	assert.Equal(t, 10, dc.RateLimit)
	assert.Equal(t, 2, dc.Workers)
	assert.Equal(t, time.Minute, dc.Interval)
	assert.Equal(t, 30*time.Second, dc.SendTimeout)

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, policy.Delay(1))
	assert.Equal(t, 120*time.Second, policy.Delay(2))

	dcfg := cfg.DeliveryConfig()
	assert.Equal(t, delivery.EncryptionNone, dcfg.SMTP.Encryption)
	assert.Equal(t, "Example News", dcfg.Sender.Name)
	assert.True(t, dcfg.Breaker.Enabled)
	assert.Equal(t, 30*time.Second, dcfg.Breaker.OpenTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.toml", "[queue\nrate_limit = 5")
	_, _, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "error parsing TOML")

	invalid := writeFile(t, dir, "invalid.toml", "[sender]\naddress = \"news@example.com\"\n[queue]\nbatch_size = 0\n")
	_, _, err = LoadConfig(invalid)
	assert.ErrorContains(t, err, "queue.batch_size")

	huge := writeFile(t, dir, "huge.toml", "# "+strings.Repeat("x", MaxConfigFileSize))
	_, _, err = LoadConfig(huge)
	assert.ErrorContains(t, err, "too large")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MAILQ_QUEUE_DSN":            "postgres://mailq@db/mailq",
		"MAILQ_QUEUE_DRIVER":         "postgres",
		"MAILQ_REDIS_ADDR":           "redis:6379",
		"MAILQ_QUEUE_RATE_LIMIT":     "8",
		"MAILQ_MEMCACHED_SERVERS":    "mc1:11211, mc2:11211,",
		"MAILQ_ESCALATION_OPERATORS": "ops@example.com",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := validConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "postgres", cfg.Queue.Driver)
	assert.Equal(t, "postgres://mailq@db/mailq", cfg.Queue.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.RedisEnabled())
	assert.Equal(t, 8, cfg.Queue.RateLimit)
	assert.Equal(t, []string{"mc1:11211", "mc2:11211"}, cfg.Memcached.Servers)
	assert.Equal(t, []string{"ops@example.com"}, cfg.Escalation.Operators)

	env["MAILQ_SMTP_PORT"] = "twenty-five"
	assert.ErrorContains(t, cfg.ApplyEnv(lookup), "MAILQ_SMTP_PORT")
}

func TestGenerateAndCheck(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, validConfig()))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "# mailq configuration"))
	assert.Contains(t, out, "[queue]")
	assert.Contains(t, out, "retry_schedule = [60, 300, 900]")

	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "mailq.toml")
	require.NoError(t, validConfig().SaveConfig(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	report, err := CheckFile(path)
	require.NoError(t, err)
	assert.Empty(t, report.UnknownKeys)
	assert.True(t, report.Result.Valid, "%v", report.Result.Errors)
}

func TestCheckFileReportsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "mailq.toml", `
[sender]
address = "news@example.com"

[queue]
rate_limt = 10

[smpt]
host = "typo"
`)
	report, err := CheckFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"queue.rate_limt", "smpt", "smpt.host"}, report.UnknownKeys)
	assert.True(t, report.Result.Valid)
	assert.Len(t, report.Result.Warnings, 3+len(validConfig().Validate().Warnings))
}
