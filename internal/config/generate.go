package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

const generatedHeader = `# mailq configuration
#
# Durations are in seconds. Secrets may be supplied through a .env file or
# MAILQ_* environment variables instead of this file.

`

// Generate writes cfg as a TOML document
func Generate(w io.Writer, cfg *Config) error {
	var buf bytes.Buffer
	buf.WriteString(generatedHeader)
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// SaveConfig writes the configuration to a file in TOML format
func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	var buf bytes.Buffer
	if err := Generate(&buf, c); err != nil {
		return err
	}
	// the file may carry relay credentials
	if err := os.WriteFile(configPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// CheckReport is the outcome of checking a configuration file
type CheckReport struct {
	File        string
	UnknownKeys []string
	Result      *ValidationResult
}

// CheckFile decodes a configuration file strictly, listing keys that map to
// no setting, then validates the merged configuration.
func CheckFile(path string) (*CheckReport, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	cfg.resolvePaths(filepath.Dir(path))

	report := &CheckReport{File: path, Result: cfg.Validate()}
	for _, key := range md.Undecoded() {
		report.UnknownKeys = append(report.UnknownKeys, key.String())
	}
	sort.Strings(report.UnknownKeys)
	for _, key := range report.UnknownKeys {
		report.Result.AddWarning(key, nil, "unknown configuration key")
	}
	return report, nil
}
