// Package config loads stixwb configuration from a TOML or YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DataDir      = ".stixwb"
	DatabaseFile = "stixwb.db"
	ArchiveDir   = "bundles"
	EnvPrefix    = "STIXWB_"
)

// Config represents the stixwb configuration.
type Config struct {
	Server ServerConfig `toml:"server" yaml:"server"`
	Store  StoreConfig  `toml:"store" yaml:"store"`
	Attack AttackConfig `toml:"attack" yaml:"attack"`
	path   string       // file the config was loaded from, empty for defaults
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Listen         string   `toml:"listen" yaml:"listen"`
	LogLevel       string   `toml:"log_level" yaml:"log_level"`
	LogFormat      string   `toml:"log_format" yaml:"log_format"`
	TLSCert        string   `toml:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `toml:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AuthToken      string   `toml:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	MaxRequestBody int64    `toml:"max_request_body" yaml:"max_request_body"`
	WebhookURLs    []string `toml:"webhook_urls,omitempty" yaml:"webhook_urls,omitempty"`
	WebhookSecret  string   `toml:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty"`
}

// StoreConfig selects the object store backend and the bundle archive.
type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"` // bbolt | sqlite
	Path   string `toml:"path" yaml:"path"`
	// ArchiveDir holds the raw bundles of persisted imports. Empty disables
	// archiving.
	ArchiveDir string `toml:"archive_dir" yaml:"archive_dir"`
}

// AttackConfig holds ATT&CK data settings.
type AttackConfig struct {
	SpecVersion       string `toml:"spec_version" yaml:"spec_version"`
	ExportConcurrency int    `toml:"export_concurrency" yaml:"export_concurrency"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         "127.0.0.1:3000",
			LogLevel:       "info",
			LogFormat:      "json",
			MaxRequestBody: 256 * 1024 * 1024,
		},
		Store: StoreConfig{
			Driver:     "bbolt",
			Path:       filepath.Join(DefaultDataDir(), DatabaseFile),
			ArchiveDir: filepath.Join(DefaultDataDir(), ArchiveDir),
		},
		Attack: AttackConfig{
			SpecVersion:       "3.3.0",
			ExportConcurrency: 8,
		},
	}
}

// DefaultDataDir returns the default data directory (~/.stixwb).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/stixwb"
	}
	return filepath.Join(home, DataDir)
}

// Load reads the file at path over the defaults, applies STIXWB_*
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.path = path
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return toml.Unmarshal(data, cfg)
}

// Marshal encodes the configuration as YAML when yamlFormat is set and as
// TOML otherwise.
func (c *Config) Marshal(yamlFormat bool) ([]byte, error) {
	if yamlFormat {
		return yaml.Marshal(c)
	}
	return toml.Marshal(c)
}

// Save writes the configuration to path in the format its extension names.
func (c *Config) Save(path string) error {
	data, err := c.Marshal(isYAML(path))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	c.path = path
	return nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// applyEnv overrides fields from STIXWB_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LISTEN":              &c.Server.Listen,
		"LOG_LEVEL":           &c.Server.LogLevel,
		"LOG_FORMAT":          &c.Server.LogFormat,
		"TLS_CERT":            &c.Server.TLSCert,
		"TLS_KEY":             &c.Server.TLSKey,
		"AUTH_TOKEN":          &c.Server.AuthToken,
		"WEBHOOK_SECRET":      &c.Server.WebhookSecret,
		"STORE_DRIVER":        &c.Store.Driver,
		"STORE_PATH":          &c.Store.Path,
		"ARCHIVE_DIR":         &c.Store.ArchiveDir,
		"ATTACK_SPEC_VERSION": &c.Attack.SpecVersion,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "WEBHOOK_URLS"); ok && v != "" {
		c.Server.WebhookURLs = SplitList(v)
	}
	if v, ok := lookup(EnvPrefix + "MAX_REQUEST_BODY"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_REQUEST_BODY: %w", EnvPrefix, err)
		}
		c.Server.MaxRequestBody = n
	}
	if v, ok := lookup(EnvPrefix + "EXPORT_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sEXPORT_CONCURRENCY: %w", EnvPrefix, err)
		}
		c.Attack.ExportConcurrency = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (debug|info|warn|error)", c.Server.LogLevel)
	}
	switch c.Server.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q (json|text)", c.Server.LogFormat)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Server.MaxRequestBody <= 0 {
		return fmt.Errorf("max_request_body must be positive")
	}

	switch c.Store.Driver {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("invalid store driver %q (bbolt|sqlite)", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if _, err := semver.NewVersion(c.Attack.SpecVersion); err != nil {
		return fmt.Errorf("invalid attack spec_version %q: %w", c.Attack.SpecVersion, err)
	}
	if c.Attack.ExportConcurrency < 1 {
		return fmt.Errorf("export_concurrency must be at least 1")
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
