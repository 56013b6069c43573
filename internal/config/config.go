package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/mailq/internal/delivery"
	"github.com/busybox42/mailq/internal/queue"
)

// MaxConfigFileSize caps the configuration file read at startup
const MaxConfigFileSize = 1024 * 1024

// Config represents the application configuration
type Config struct {
	// SMTP relay; an empty host selects the platform sendmail
	SMTP struct {
		Host               string `toml:"host"`
		Port               int    `toml:"port"`
		Username           string `toml:"username"`
		Password           string `toml:"password"`
		Encryption         string `toml:"encryption"` // "tls", "ssl", "none"
		Timeout            int    `toml:"timeout"`    // seconds
		HeloName           string `toml:"helo_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"smtp"`

	Sender struct {
		Name    string `toml:"name"`
		Address string `toml:"address"`
	} `toml:"sender"`

	Sendmail struct {
		Path string `toml:"path"`
	} `toml:"sendmail"`

	// Circuit breaker around the selected transport
	Breaker struct {
		Enabled      bool    `toml:"enabled"`
		MinRequests  uint32  `toml:"min_requests"`
		FailureRatio float64 `toml:"failure_ratio"`
		OpenTimeout  int     `toml:"open_timeout"` // seconds
		Interval     int     `toml:"interval"`     // seconds
	} `toml:"breaker"`

	// Queue store and dispatcher configuration
	Queue struct {
		Driver        string `toml:"driver"` // "sqlite3", "postgres", "mysql"
		DSN           string `toml:"dsn"`
		BatchSize     int    `toml:"batch_size"`
		Interval      int    `toml:"interval"` // seconds
		Workers       int    `toml:"workers"`
		RateLimit     int    `toml:"rate_limit"` // sends per second
		MaxAttempts   int    `toml:"max_attempts"`
		RetrySchedule []int  `toml:"retry_schedule"` // seconds after attempt 1, 2, ...
		StaleAfter    int    `toml:"stale_after"`    // seconds, 0 disables recovery
		RetentionDays int    `toml:"retention_days"` // 0 disables purging
		PurgeInterval int    `toml:"purge_interval"` // seconds
	} `toml:"queue"`

	Escalation struct {
		Operators   []string `toml:"operators"`
		NoticeBoard string   `toml:"notice_board"` // "memory", "redis", "none"
		NoticesKept int      `toml:"notices_kept"`
		Log         bool     `toml:"log"`
		Timeout     int      `toml:"timeout"` // seconds per channel
	} `toml:"escalation"`

	// Run lease shared by dispatchers on different hosts
	Lease struct {
		Backend string `toml:"backend"` // "none", "local", "redis", "memcached"
		Key     string `toml:"key"`
		TTL     int    `toml:"ttl"` // seconds
	} `toml:"lease"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		Prefix   string `toml:"prefix"`
	} `toml:"redis"`

	Memcached struct {
		Servers []string `toml:"servers"`
	} `toml:"memcached"`

	API struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
		// bcrypt hash of the bearer token; empty disables authentication
		TokenHash string `toml:"token_hash"`
		// directory API callers may attach files from; empty refuses
		// attachments over the API
		AttachmentDir string `toml:"attachment_dir"`
	} `toml:"api"`

	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.SMTP.Encryption = delivery.EncryptionTLS
	cfg.SMTP.Timeout = int(delivery.DefaultTimeout / time.Second)

	cfg.Sender.Name = "Mailer"

	cfg.Sendmail.Path = delivery.DefaultSendmailPath

	breaker := delivery.DefaultBreakerConfig()
	cfg.Breaker.Enabled = breaker.Enabled
	cfg.Breaker.MinRequests = breaker.MinRequests
	cfg.Breaker.FailureRatio = breaker.FailureRatio
	cfg.Breaker.OpenTimeout = int(breaker.OpenTimeout / time.Second)
	cfg.Breaker.Interval = int(breaker.Interval / time.Second)

	dc := queue.DefaultDispatcherConfig()
	cfg.Queue.Driver = "sqlite3"
	cfg.Queue.DSN = "./data/mailq.db"
	cfg.Queue.BatchSize = dc.BatchSize
	cfg.Queue.Interval = int(dc.Interval / time.Second)
	cfg.Queue.Workers = dc.Workers
	cfg.Queue.RateLimit = dc.RateLimit
	cfg.Queue.MaxAttempts = queue.DefaultMaxAttempts
	cfg.Queue.RetrySchedule = []int{60, 300, 900}
	cfg.Queue.StaleAfter = int(dc.StaleAfter / time.Second)
	cfg.Queue.RetentionDays = dc.RetentionDays
	cfg.Queue.PurgeInterval = int(dc.PurgeInterval / time.Second)

	cfg.Escalation.NoticeBoard = "memory"
	cfg.Escalation.NoticesKept = 500
	cfg.Escalation.Log = true
	cfg.Escalation.Timeout = 10

	cfg.Lease.Backend = "local"
	cfg.Lease.Key = "mailq:dispatcher:lease"
	cfg.Lease.TTL = 50

	cfg.Redis.Prefix = "mailq:metrics:"

	cfg.API.Listen = "127.0.0.1:8025"

	cfg.Logging.Level = "info"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mailq.toml",
		"./config/mailq.toml",
		os.ExpandEnv("$HOME/.mailq.toml"),
		"/etc/mailq/mailq.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", ErrNoConfigFile
}

// ErrNoConfigFile is returned when no default location holds a config file
var ErrNoConfigFile = fmt.Errorf("no config file found")

// LoadConfig loads the configuration. Defaults apply when no file is found
// and no explicit path was given; .env files and MAILQ_* variables are
// applied on top of the file.
func LoadConfig(configPath string) (*Config, string, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	switch {
	case err == nil:
		data, err := readConfigFile(configFile)
		if err != nil {
			return nil, "", err
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("error parsing TOML configuration: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(configFile))
	case configPath != "":
		return nil, "", err
	default:
		configFile = ""
	}

	envDirs := []string{"."}
	if configFile != "" {
		envDirs = append(envDirs, filepath.Dir(configFile))
	}
	if err := loadDotEnv(envDirs...); err != nil {
		return nil, "", err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, "", err
	}

	if result := cfg.Validate(); !result.Valid {
		return nil, "", result.Err()
	}

	return cfg, configFile, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), MaxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// resolvePaths makes relative SQLite and log paths relative to the config file
func (c *Config) resolvePaths(configDir string) {
	if isSQLite(c.Queue.Driver) && c.Queue.DSN != "" && c.Queue.DSN != ":memory:" &&
		!strings.HasPrefix(c.Queue.DSN, "file:") && !filepath.IsAbs(c.Queue.DSN) {
		c.Queue.DSN = filepath.Join(configDir, c.Queue.DSN)
	}
	if c.Logging.File != "" && !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(configDir, c.Logging.File)
	}
}

func isSQLite(driver string) bool {
	d, err := queue.DialectFor(driver)
	return err == nil && d.Driver == "sqlite3"
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// DispatcherConfig returns the immutable dispatcher settings
func (c *Config) DispatcherConfig() queue.DispatcherConfig {
	return queue.DispatcherConfig{
		BatchSize:     c.Queue.BatchSize,
		Interval:      seconds(c.Queue.Interval),
		Workers:       c.Queue.Workers,
		RateLimit:     c.Queue.RateLimit,
		SendTimeout:   seconds(c.SMTP.Timeout),
		StaleAfter:    seconds(c.Queue.StaleAfter),
		RetentionDays: c.Queue.RetentionDays,
		PurgeInterval: seconds(c.Queue.PurgeInterval),
	}
}

// RetryPolicy builds the retry policy from the configured schedule
func (c *Config) RetryPolicy() (queue.RetryPolicy, error) {
	if len(c.Queue.RetrySchedule) == 0 {
		return queue.NewRetryPolicy(nil)
	}
	return queue.NewRetryPolicy(queue.ScheduleFromSeconds(c.Queue.RetrySchedule))
}

// DeliveryConfig returns the transport settings
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		SMTP: delivery.SMTPConfig{
			Host:               c.SMTP.Host,
			Port:               c.SMTP.Port,
			Username:           c.SMTP.Username,
			Password:           c.SMTP.Password,
			Encryption:         c.SMTP.Encryption,
			Timeout:            seconds(c.SMTP.Timeout),
			HeloName:           c.SMTP.HeloName,
			InsecureSkipVerify: c.SMTP.InsecureSkipVerify,
		},
		Sender: delivery.Sender{
			Name:    c.Sender.Name,
			Address: c.Sender.Address,
		},
		SendmailPath: c.Sendmail.Path,
		Breaker: delivery.BreakerConfig{
			Enabled:      c.Breaker.Enabled,
			MinRequests:  c.Breaker.MinRequests,
			FailureRatio: c.Breaker.FailureRatio,
			OpenTimeout:  seconds(c.Breaker.OpenTimeout),
			Interval:     seconds(c.Breaker.Interval),
		},
	}
}

// RedisEnabled reports whether a Redis server is configured
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
