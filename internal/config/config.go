package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ConfigFileName is the TOML config file for bridge preferences
const ConfigFileName = "config.toml"

// EnvFileName holds secrets (bot token) outside the TOML file
const EnvFileName = ".env"

// TokenEnvVar is the environment variable carrying the chat platform bot token
const TokenEnvVar = "DISCORD_BOT_TOKEN"

// Config represents user-facing configuration in TOML format
type Config struct {
	// Channels are the chat channel IDs provisioned at initial setup.
	// At most 3 entries; additional sessions are added at runtime via
	// `claude-bridge add-session` or the HTTP API.
	Channels []string `toml:"channels"`

	// MaxSessions caps sessions added after setup. 0 means unlimited.
	MaxSessions int `toml:"max_sessions"`

	// SessionPrefix is the tmux session name prefix.
	// Session names are "<prefix>-<ordinal>".
	SessionPrefix string `toml:"session_prefix"`

	// Command is launched inside each newly created session.
	Command string `toml:"command"`

	// PollIntervalMS is the output relay capture interval in milliseconds.
	PollIntervalMS int `toml:"poll_interval_ms"`

	// ViewRefreshMS is the live view refresh interval in milliseconds.
	ViewRefreshMS int `toml:"view_refresh_ms"`

	// HTTPAddr is the local operator API listen address.
	HTTPAddr string `toml:"http_addr"`

	// Attachments defines image staging settings.
	Attachments AttachmentSettings `toml:"attachments"`

	// Logs defines log output settings.
	Logs LogSettings `toml:"logs"`
}

// AttachmentSettings defines image staging configuration.
type AttachmentSettings struct {
	// Dir is the staging directory. Empty means <state dir>/attachments.
	Dir string `toml:"dir"`

	// MaxSizeMB is the per-file size cap (default 8, the chat platform's limit).
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxAgeHours is how long staged files are kept (default 24).
	MaxAgeHours int `toml:"max_age_hours"`

	// CleanupIntervalHours is how often the cleanup loop runs (default 6).
	CleanupIntervalHours int `toml:"cleanup_interval_hours"`
}

// LogSettings defines log output configuration.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Debug  bool   `toml:"debug"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		MaxSessions:    0,
		SessionPrefix:  "claude-session",
		Command:        "claude",
		PollIntervalMS: 2000,
		ViewRefreshMS:  1000,
		HTTPAddr:       "127.0.0.1:8844",
		Attachments: AttachmentSettings{
			MaxSizeMB:            8,
			MaxAgeHours:          24,
			CleanupIntervalHours: 6,
		},
		Logs: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// StateDir returns the bridge state directory (~/.claude-bridge),
// overridable via CLAUDE_BRIDGE_HOME for tests and multi-instance setups.
func StateDir() (string, error) {
	if dir := os.Getenv("CLAUDE_BRIDGE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".claude-bridge"), nil
}

// Load reads config.toml from the state directory, overlaying values on
// defaults. A missing file is not an error: defaults are returned.
func Load() (*Config, error) {
	dir, err := StateDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, ConfigFileName))
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults restores defaults for fields the file zeroed or omitted.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SessionPrefix == "" {
		c.SessionPrefix = d.SessionPrefix
	}
	if c.Command == "" {
		c.Command = d.Command
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = d.PollIntervalMS
	}
	if c.ViewRefreshMS <= 0 {
		c.ViewRefreshMS = d.ViewRefreshMS
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = d.HTTPAddr
	}
	if c.Attachments.MaxSizeMB <= 0 {
		c.Attachments.MaxSizeMB = d.Attachments.MaxSizeMB
	}
	if c.Attachments.MaxAgeHours <= 0 {
		c.Attachments.MaxAgeHours = d.Attachments.MaxAgeHours
	}
	if c.Attachments.CleanupIntervalHours <= 0 {
		c.Attachments.CleanupIntervalHours = d.Attachments.CleanupIntervalHours
	}
	if c.Logs.Level == "" {
		c.Logs.Level = d.Logs.Level
	}
	if c.Logs.Format == "" {
		c.Logs.Format = d.Logs.Format
	}
}

// Save writes the config to the state directory, creating it if needed.
func (c *Config) Save() error {
	dir, err := StateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, ConfigFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// PollInterval returns the relay poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ViewRefresh returns the view refresh interval as a duration.
func (c *Config) ViewRefresh() time.Duration {
	return time.Duration(c.ViewRefreshMS) * time.Millisecond
}

// AttachmentsDir resolves the staging directory for downloaded images.
func (c *Config) AttachmentsDir() (string, error) {
	if c.Attachments.Dir != "" {
		return c.Attachments.Dir, nil
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "attachments"), nil
}

// Token loads the bot token: the process environment wins, then the
// state dir's .env file.
func Token() (string, error) {
	if tok := os.Getenv(TokenEnvVar); tok != "" {
		return tok, nil
	}

	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	env, err := godotenv.Read(filepath.Join(dir, EnvFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s not set and %s missing: configure the bot token first", TokenEnvVar, EnvFileName)
		}
		return "", fmt.Errorf("read %s: %w", EnvFileName, err)
	}
	if tok := env[TokenEnvVar]; tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("%s not present in %s", TokenEnvVar, EnvFileName)
}
