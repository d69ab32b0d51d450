package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// secretEnvOverrides enumerates the secrets that may be supplied from the
// environment instead of the config file.
var secretEnvOverrides = []struct {
	env   string
	apply func(*Config, string)
}{
	{"ISTOTA_CHAT_APP_PASSWORD", func(c *Config, v string) { c.Channels.Chat.AppPassword = v }},
	{"ISTOTA_EMAIL_PASSWORD", func(c *Config, v string) { c.Channels.Email.Password = v }},
	{"ISTOTA_PUSH_TOKEN", func(c *Config, v string) { c.Channels.Push.Token = v }},
}

// Load reads a TOML config file, applies environment secret overrides and
// fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with all defaults applied and no file input.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range secretEnvOverrides {
		if v := os.Getenv(s.env); v != "" {
			s.apply(cfg, v)
		}
	}
}

// ApplyDefaults fills zero-value fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Daemon.DBPath == "" {
		cfg.Daemon.DBPath = filepath.Join(IstotaPath(), "istota.db")
	}
	if cfg.Daemon.LockPath == "" {
		cfg.Daemon.LockPath = filepath.Join(IstotaPath(), "istota.lock")
	}
	if cfg.Daemon.PollInterval == 0 {
		cfg.Daemon.PollInterval = Duration(2 * time.Second)
	}
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}

	if cfg.Workers.MaxForeground == 0 {
		cfg.Workers.MaxForeground = 5
	}
	if cfg.Workers.MaxBackground == 0 {
		cfg.Workers.MaxBackground = 3
	}
	if cfg.Workers.UserMaxForeground == 0 {
		cfg.Workers.UserMaxForeground = 2
	}
	if cfg.Workers.UserMaxBackground == 0 {
		cfg.Workers.UserMaxBackground = 1
	}
	if cfg.Workers.IdleTimeout == 0 {
		cfg.Workers.IdleTimeout = Duration(60 * time.Second)
	}
	if cfg.Workers.ShutdownTimeout == 0 {
		cfg.Workers.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Executor.AgentCommand == "" {
		cfg.Executor.AgentCommand = "istota-agent"
	}
	if cfg.Executor.ScratchRoot == "" {
		cfg.Executor.ScratchRoot = filepath.Join(IstotaPath(), "scratch")
	}
	if cfg.Executor.TaskTimeoutMinutes == 0 {
		cfg.Executor.TaskTimeoutMinutes = 30
	}
	if cfg.Executor.SecurityMode == "" {
		cfg.Executor.SecurityMode = "restricted"
	}
	if cfg.Executor.MaxAttempts == 0 {
		cfg.Executor.MaxAttempts = 3
	}
	if cfg.Executor.APIRetryDelay == 0 {
		cfg.Executor.APIRetryDelay = Duration(5 * time.Second)
	}
	if cfg.Executor.APIRetryMax == 0 {
		cfg.Executor.APIRetryMax = 3
	}
	if cfg.Executor.ConfirmationTimeout == 0 {
		cfg.Executor.ConfirmationTimeout = Duration(60 * time.Minute)
	}
	if cfg.Executor.MaxRetryAge == 0 {
		cfg.Executor.MaxRetryAge = Duration(24 * time.Hour)
	}

	if cfg.Pollers.Chat == 0 {
		cfg.Pollers.Chat = Duration(10 * time.Second)
	}
	if cfg.Pollers.Email == 0 {
		cfg.Pollers.Email = Duration(60 * time.Second)
	}
	if cfg.Pollers.File == 0 {
		cfg.Pollers.File = Duration(30 * time.Second)
	}
	if cfg.Pollers.SharedFiles == 0 {
		cfg.Pollers.SharedFiles = Duration(120 * time.Second)
	}
	if cfg.Pollers.Briefing == 0 {
		cfg.Pollers.Briefing = Duration(60 * time.Second)
	}
	if cfg.Pollers.Scheduled == 0 {
		cfg.Pollers.Scheduled = Duration(60 * time.Second)
	}
	if cfg.Pollers.SleepCycle == 0 {
		cfg.Pollers.SleepCycle = Duration(60 * time.Second)
	}
	if cfg.Pollers.Heartbeat == 0 {
		cfg.Pollers.Heartbeat = Duration(60 * time.Second)
	}
	if cfg.Pollers.Cleanup == 0 {
		cfg.Pollers.Cleanup = Duration(60 * time.Second)
	}
	if cfg.Pollers.JobFailureThreshold == 0 {
		cfg.Pollers.JobFailureThreshold = 5
	}

	if cfg.Channels.Chat.Timeout == 0 {
		cfg.Channels.Chat.Timeout = Duration(30 * time.Second)
	}
	if cfg.Channels.Email.Timeout == 0 {
		cfg.Channels.Email.Timeout = Duration(30 * time.Second)
	}
	if cfg.Channels.Push.Priority == 0 {
		cfg.Channels.Push.Priority = 3
	}

	if cfg.Retention.CompletedDays == 0 {
		cfg.Retention.CompletedDays = 30
	}
	if cfg.Retention.FailedDays == 0 {
		cfg.Retention.FailedDays = 90
	}
}

// UserTimezone resolves the configured timezone for a user, falling back to
// UTC when unset or invalid.
func (c *Config) UserTimezone(userID string) *time.Location {
	if u, ok := c.Users[userID]; ok && u.Timezone != "" {
		if loc, err := time.LoadLocation(u.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// UserEmail returns the configured address for a user, or "".
func (c *Config) UserEmail(userID string) string {
	if u, ok := c.Users[userID]; ok {
		return u.Email
	}
	return ""
}

// UserByEmail resolves an address back to a user id, or "".
func (c *Config) UserByEmail(addr string) string {
	for id, u := range c.Users {
		if u.Email != "" && strings.EqualFold(u.Email, addr) {
			return id
		}
	}
	return ""
}

// IsAdmin reports whether a user has admin privileges.
func (c *Config) IsAdmin(userID string) bool {
	u, ok := c.Users[userID]
	return ok && u.Admin
}

// UserForegroundCap returns the effective foreground worker cap for a user.
func (c *Config) UserForegroundCap(userID string) int {
	if u, ok := c.Users[userID]; ok && u.MaxForeground > 0 {
		return u.MaxForeground
	}
	return c.Workers.UserMaxForeground
}

// UserBackgroundCap returns the effective background worker cap for a user.
func (c *Config) UserBackgroundCap(userID string) int {
	if u, ok := c.Users[userID]; ok && u.MaxBackground > 0 {
		return u.MaxBackground
	}
	return c.Workers.UserMaxBackground
}
