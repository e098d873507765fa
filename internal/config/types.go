package config

// Config is the process-level configuration (config.yaml / config.json).
//
// Tenant-scoped settings (schedule, safety limits, AI, business details) live
// in each tenant folder and are loaded by LoadTenantSettings instead.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Accounts AccountsConfig  `json:"accounts"`
	Fleet    FleetConfig     `json:"fleet"`
	Platform PlatformConfig  `json:"platform"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ log lines to the notifier's Telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AccountsConfig points at the tenant registry file.
//
// Tenant folders listed in that file are resolved relative to Root
// (default: the directory of File).
type AccountsConfig struct {
	File string `json:"file"`
	Root string `json:"root,omitempty"`
}

// FleetConfig controls worker timing and supervision.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - slot_cooldown: "60s"
//   - stop_timeout: "30s"
//   - start_timeout: "30s"
//   - restart_pause: "2s"
//   - call_timeout: "60s"
//   - timezone: process local time
type FleetConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	SlotCooldown string `json:"slot_cooldown,omitempty"`
	StopTimeout  string `json:"stop_timeout,omitempty"`
	StartTimeout string `json:"start_timeout,omitempty"`
	RestartPause string `json:"restart_pause,omitempty"`
	CallTimeout  string `json:"call_timeout,omitempty"`

	Timezone string `json:"timezone,omitempty"`

	// Autostart starts every enabled tenant when the daemon boots.
	Autostart bool `json:"autostart"`

	// MaxConcurrent overrides accounts.yaml settings.max_concurrent_accounts when > 0.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// PlatformConfig selects the platform client driver.
type PlatformConfig struct {
	Driver string `json:"driver"` // "dryrun"

	// RatePerSec throttles outbound calls per tenant client (0 disables).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// StorageConfig controls the metrics/activity store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/fleetbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls operator alerts (lifecycle failures, log alerts).
type NotifierConfig struct {
	Enabled    bool           `json:"enabled"`
	Telegram   TelegramConfig `json:"telegram"`
	RatePerSec int            `json:"rate_per_sec"`
	// Events lists lifecycle event types that trigger an alert.
	// Empty means tenant errors and stop timeouts.
	Events []string `json:"events,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// HTTPConfig controls the read-only status API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - A non-loopback addr needs token (Bearer or ?token=) or allow_insecure.
//   - Pprof mounts /debug on the same listener, behind the token.
type HTTPConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`
	Token         string   `json:"token,omitempty"`
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	ReadTimeout   string   `json:"read_timeout,omitempty"`
	WriteTimeout  string   `json:"write_timeout,omitempty"`
}
