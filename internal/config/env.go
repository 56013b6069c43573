package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MAILQ_"

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// loadDotEnv loads .env files from dirs into the process environment.
// Variables already set win over file values.
func loadDotEnv(dirs ...string) error {
	seen := make(map[string]bool)
	for _, dir := range dirs {
		path, err := filepath.Abs(filepath.Join(dir, ".env"))
		if err != nil || seen[path] {
			continue
		}
		seen[path] = true
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration from MAILQ_* variables
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	list := func(name string, dst *[]string) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}

	str("SMTP_HOST", &c.SMTP.Host)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	str("SMTP_ENCRYPTION", &c.SMTP.Encryption)
	str("SENDER_NAME", &c.Sender.Name)
	str("SENDER_ADDRESS", &c.Sender.Address)
	str("QUEUE_DRIVER", &c.Queue.Driver)
	str("QUEUE_DSN", &c.Queue.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("LEASE_BACKEND", &c.Lease.Backend)
	str("API_LISTEN", &c.API.Listen)
	str("API_TOKEN_HASH", &c.API.TokenHash)
	str("API_ATTACHMENT_DIR", &c.API.AttachmentDir)
	str("LOG_LEVEL", &c.Logging.Level)
	list("MEMCACHED_SERVERS", &c.Memcached.Servers)
	list("ESCALATION_OPERATORS", &c.Escalation.Operators)

	return errors.Join(
		num("SMTP_PORT", &c.SMTP.Port),
		num("QUEUE_RATE_LIMIT", &c.Queue.RateLimit),
		num("QUEUE_BATCH_SIZE", &c.Queue.BatchSize),
		num("QUEUE_WORKERS", &c.Queue.Workers),
		num("REDIS_DB", &c.Redis.DB),
	)
}
