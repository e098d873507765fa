package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultAccountsFile = "config/accounts.yaml"
	DefaultHTTPAddr     = "127.0.0.1:8089"
)

// FleetTimings is FleetConfig with durations parsed and defaults applied.
type FleetTimings struct {
	PollInterval  time.Duration
	SlotCooldown  time.Duration
	StopTimeout   time.Duration
	StartTimeout  time.Duration
	RestartPause  time.Duration
	CallTimeout   time.Duration
	Timezone      string
	Autostart     bool
	MaxConcurrent int
}

func (f FleetConfig) Resolve() (FleetTimings, error) {
	var (
		out  FleetTimings
		err  error
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		*dst, err = ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
	}
	parse(&out.PollInterval, "fleet.poll_interval", f.PollInterval, 30*time.Second)
	parse(&out.SlotCooldown, "fleet.slot_cooldown", f.SlotCooldown, 60*time.Second)
	parse(&out.StopTimeout, "fleet.stop_timeout", f.StopTimeout, 30*time.Second)
	parse(&out.StartTimeout, "fleet.start_timeout", f.StartTimeout, 30*time.Second)
	parse(&out.RestartPause, "fleet.restart_pause", f.RestartPause, 2*time.Second)
	parse(&out.CallTimeout, "fleet.call_timeout", f.CallTimeout, 60*time.Second)
	if f.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("fleet.max_concurrent: must be >= 0"))
	}
	if tz := strings.TrimSpace(f.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("fleet.timezone: %w", err))
		}
	}
	out.Timezone = strings.TrimSpace(f.Timezone)
	out.Autostart = f.Autostart
	out.MaxConcurrent = f.MaxConcurrent
	return out, errors.Join(errs...)
}

// AccountsPaths returns the registry file and the root tenant folders resolve against.
func (c *Config) AccountsPaths() (file, root string) {
	file = strings.TrimSpace(c.Accounts.File)
	if file == "" {
		file = DefaultAccountsFile
	}
	root = strings.TrimSpace(c.Accounts.Root)
	if root == "" {
		root = filepath.Dir(file)
	}
	return file, root
}

// HTTPAddr returns the status API listen address.
func (c *Config) HTTPAddr() string {
	if a := strings.TrimSpace(c.HTTP.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

// Validate checks every section that has a closed set of values.
// It is also installed as the ConfigManager validator for hot reloads.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := cfg.Fleet.Resolve(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Platform.Driver)) {
	case "", "dryrun":
	default:
		errs = append(errs, fmt.Errorf("platform.driver: unknown driver %q", cfg.Platform.Driver))
	}
	if cfg.Platform.RatePerSec < 0 {
		errs = append(errs, errors.New("platform.rate_per_sec: must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			errs = append(errs, errors.New("notifier.telegram.token: required when notifier is enabled"))
		}
		if n.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notifier.telegram.chat_id: required when notifier is enabled"))
		}
	}

	if _, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
