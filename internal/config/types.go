package config

import (
	"pollwatch/internal/source"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`

	// EventBus is the optional websocket sink for ticker alerts.
	EventBus *EventBusConfig `json:"event_bus,omitempty"`

	Notifier     NotifierConfig     `json:"notifier"`
	Storage      StorageConfig      `json:"storage"`
	Clock        ClockConfig        `json:"clock"`
	Metrics      MetricsConfig      `json:"metrics"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`

	// ShutdownGrace bounds the final persist and notifier drain on stop.
	// Go duration string; default "10s".
	ShutdownGrace string `json:"shutdown_grace,omitempty"`

	// Agents maps a publisher name to its polling agent.
	Agents map[string]AgentConfig `json:"agents"`
}

type LoggingConfig struct {
	Level    string         `json:"level"`
	Console  bool           `json:"console"`
	File     LogFileConfig  `json:"file"`
	Operator OperatorConfig `json:"operator"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// OperatorConfig forwards warn+ log records to the Telegram error chat.
type OperatorConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"` // default "warn"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig configures the alert and operator chats.
//
// Token accepts an "env:NAME" reference.
type TelegramConfig struct {
	Token     string `json:"token"`
	AlertChat int64  `json:"alert_chat"`
	// ErrorChat receives operator log lines; defaults to AlertChat.
	ErrorChat      int64  `json:"error_chat,omitempty"`
	ThreadID       int    `json:"thread_id,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// Timezone renders alert timestamps; default is the agent timezone default.
	Timezone string `json:"timezone,omitempty"`
}

type EventBusConfig struct {
	URL          string `json:"url"`
	PingInterval string `json:"ping_interval,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 20
//   - retry_max: 3 (set 0 explicitly to disable retries)
//   - retry_base: "500ms"
//   - retry_max_delay: "5s"
//   - send_timeout: "10s"
type NotifierConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RetryMax      *int    `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// StorageConfig selects the dedup backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./state/seen.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Dir         string      `json:"dir,omitempty"`  // file driver
	Path        string      `json:"path,omitempty"` // sqlite driver
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	DSN         string      `json:"dsn,omitempty"` // postgres; accepts env:NAME
	Redis       RedisConfig `json:"redis,omitempty"`

	// RetentionDays evicts keys not seen for this many days. Omitted means
	// 30; 0 keeps every key forever.
	RetentionDays *int `json:"retention_days,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // accepts env:NAME
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ClockConfig enables the NTP-corrected clock when NTPServer is set.
type ClockConfig struct {
	NTPServer    string `json:"ntp_server,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
}

// MetricsConfig controls the observability HTTP server (/metrics, /healthz,
// optional pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log); accepts env:NAME
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// HousekeepingConfig schedules background jobs with cron expressions
// (5 fields, or "@every 10m" style descriptors). An empty spec takes the
// default; "disabled" turns every job off.
type HousekeepingConfig struct {
	Heartbeat string `json:"heartbeat,omitempty"` // default "@every 1h"
	Prune     string `json:"prune,omitempty"`     // default "15 3 * * *"
	Flush     string `json:"flush,omitempty"`     // default "@every 5m"
	Timezone  string `json:"timezone,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// AgentConfig is one publisher's polling agent.
//
// Durations are Go duration strings. Defaults:
//   - timezone: America/Chicago, open_hour: 6, close_hour: 19, pre_open: "40m"
//   - poll_interval: "1s" (allowed 200ms..5s)
//   - cooldown: "60s", transient_backoff: "5s", slow_fetch: "1.5s"
//   - request_timeout: "2s", fetch_timeout: "10s"
//   - rate_limit_suspend: "15m", unauthorized_suspend: "30m", session_ttl: "30m"
type AgentConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	Timezone  string   `json:"timezone,omitempty"`
	OpenHour  *int     `json:"open_hour,omitempty"`
	CloseHour *int     `json:"close_hour,omitempty"`
	PreOpen   string   `json:"pre_open,omitempty"`
	Holidays  []string `json:"holidays,omitempty"`

	PollInterval        string `json:"poll_interval,omitempty"`
	Cooldown            string `json:"cooldown,omitempty"`
	TransientBackoff    string `json:"transient_backoff,omitempty"`
	RequestTimeout      string `json:"request_timeout,omitempty"`
	FetchTimeout        string `json:"fetch_timeout,omitempty"`
	SlowFetch           string `json:"slow_fetch,omitempty"`
	DispatchTimeout     string `json:"dispatch_timeout,omitempty"`
	RateLimitSuspend    string `json:"rate_limit_suspend,omitempty"`
	UnauthorizedSuspend string `json:"unauthorized_suspend,omitempty"`
	SessionTTL          string `json:"session_ttl,omitempty"`

	// Parallel runs this many fetch attempts per tick with distinct credentials.
	Parallel int `json:"parallel,omitempty"`
	// Requires lists credential kinds every fetch needs: "account", "proxy".
	Requires []string `json:"requires,omitempty"`

	CredentialsFile string `json:"credentials_file,omitempty"`
	SuspensionsFile string `json:"suspensions_file,omitempty"`

	SeedOnFirstRun         *bool `json:"seed_on_first_run,omitempty"`
	ResetSuspensionsOnOpen *bool `json:"reset_suspensions_on_open,omitempty"`

	Source source.Config       `json:"source"`
	Login  *source.LoginConfig `json:"login,omitempty"`
}

func (a AgentConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }
