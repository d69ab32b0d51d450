// Package config defines the typed configuration tree for the istota daemon.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Daemon    DaemonConfig    `toml:"daemon"`
	Workers   WorkersConfig   `toml:"workers"`
	Executor  ExecutorConfig  `toml:"executor"`
	Pollers   PollersConfig   `toml:"pollers"`
	Channels  ChannelsConfig  `toml:"channels"`
	Retention RetentionConfig `toml:"retention"`
	Users     map[string]UserConfig `toml:"users"`
}

// DaemonConfig holds top-level scheduler loop settings.
type DaemonConfig struct {
	DBPath       string   `toml:"db_path"`
	LockPath     string   `toml:"lock_path"`
	PollInterval Duration `toml:"poll_interval"` // sleep between scheduler ticks
	StatusAddr   string   `toml:"status_addr"`   // empty disables the status endpoint
	LogLevel     string   `toml:"log_level"`     // "debug" | "info" | "warn" | "error"
}

// WorkersConfig holds worker pool caps and timeouts.
type WorkersConfig struct {
	MaxForeground     int      `toml:"max_foreground"`      // instance-wide foreground cap
	MaxBackground     int      `toml:"max_background"`      // instance-wide background cap
	UserMaxForeground int      `toml:"user_max_foreground"` // per-user default
	UserMaxBackground int      `toml:"user_max_background"` // per-user default
	IdleTimeout       Duration `toml:"idle_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
}

// ExecutorConfig holds agent subprocess settings.
type ExecutorConfig struct {
	AgentCommand        string   `toml:"agent_command"` // agent binary invoked per task
	AgentArgs           []string `toml:"agent_args"`
	ScratchRoot         string   `toml:"scratch_root"`
	TaskTimeoutMinutes  int      `toml:"task_timeout_minutes"`
	SecurityMode        string   `toml:"security_mode"` // "restricted" | "permissive"
	AllowedTools        []string `toml:"allowed_tools"` // restricted mode tool whitelist
	MaxAttempts         int      `toml:"max_attempts"`
	APIRetryDelay       Duration `toml:"api_retry_delay"`
	APIRetryMax         int      `toml:"api_retry_max"`
	ConfirmationTimeout Duration `toml:"confirmation_timeout"`
	MaxRetryAge         Duration `toml:"max_retry_age"` // stale lock/running recovery window
}

// PollersConfig holds the per-poller cadences.
type PollersConfig struct {
	Chat        Duration `toml:"chat"`
	Email       Duration `toml:"email"`
	File        Duration `toml:"file"`
	SharedFiles Duration `toml:"shared_files"`
	Briefing    Duration `toml:"briefing"`
	Scheduled   Duration `toml:"scheduled"`
	SleepCycle  Duration `toml:"sleep_cycle"`
	Heartbeat   Duration `toml:"heartbeat"`
	Cleanup     Duration `toml:"cleanup"`

	JobFailureThreshold int `toml:"job_failure_threshold"` // auto-disable after N consecutive failures
}

// ChannelsConfig groups the inbound/outbound channel adapters.
type ChannelsConfig struct {
	Chat  ChatConfig  `toml:"chat"`
	Email EmailConfig `toml:"email"`
	Push  PushConfig  `toml:"push"`
}

// ChatConfig configures the chat channel adapter.
type ChatConfig struct {
	Enabled     bool     `toml:"enabled"`
	BaseURL     string   `toml:"base_url"`
	BotUser     string   `toml:"bot_user"`
	AppPassword string   `toml:"app_password"` // ISTOTA_CHAT_APP_PASSWORD overrides
	Timeout     Duration `toml:"timeout"`
}

// EmailConfig configures the email channel adapter.
type EmailConfig struct {
	Enabled  bool     `toml:"enabled"`
	Address  string   `toml:"address"`
	Password string   `toml:"password"` // ISTOTA_EMAIL_PASSWORD overrides
	Senders  []string `toml:"senders"`  // known senders allowed to create tasks
	Timeout  Duration `toml:"timeout"`
}

// PushConfig configures push notifications.
type PushConfig struct {
	Enabled  bool   `toml:"enabled"`
	Token    string `toml:"token"` // ISTOTA_PUSH_TOKEN overrides
	Priority int    `toml:"priority"`
}

// RetentionConfig controls the cleanup poller's sweeps.
type RetentionConfig struct {
	CompletedDays int `toml:"completed_days"`
	FailedDays    int `toml:"failed_days"`
}

// UserConfig holds per-user overrides.
type UserConfig struct {
	Admin          bool                 `toml:"admin"`
	Email          string               `toml:"email"`    // address for email delivery and sender matching
	Timezone       string               `toml:"timezone"`
	MaxForeground  int                  `toml:"max_foreground"` // 0 = instance default
	MaxBackground  int                  `toml:"max_background"`
	TasksFile      string               `toml:"tasks_file"` // markdown checklist watched by the file poller
	SleepCycle     string               `toml:"sleep_cycle"` // cron for nightly memory extraction, "" disables
	Resources      []ResourceConfig     `toml:"resources"`
	SharedPatterns []string             `toml:"shared_patterns"` // globs scanned by the shared-file poller
	Briefings      map[string]string    `toml:"briefings"`       // name -> cron expression
	Heartbeats     []HeartbeatConfig    `toml:"heartbeats"`
}

// ResourceConfig declares a user resource mount.
type ResourceConfig struct {
	Type        string `toml:"type"`
	Path        string `toml:"path"`
	Permissions string `toml:"permissions"` // "read" | "readwrite"
	DisplayName string `toml:"display_name"`
}

// HeartbeatConfig declares a monitored check for a user.
type HeartbeatConfig struct {
	Name      string   `toml:"name"`
	Command   string   `toml:"command"`
	Threshold int      `toml:"threshold"` // consecutive errors before alerting
	Cooldown  Duration `toml:"cooldown"`  // minimum gap between alerts
}

// Duration wraps time.Duration for TOML unmarshaling ("30s", "5m").
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
