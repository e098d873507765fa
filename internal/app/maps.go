package app

import (
	"fmt"
	"strings"
	"time"

	"fleetbot/internal/config"
	"fleetbot/internal/httpapi"
	"fleetbot/internal/notifier"
	"fleetbot/internal/platform"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

// mapStorageConfig returns a zero Config (storage.Open -> Nop) when storage is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}
	}
	return notifier.Config{
		Enabled:    n.Enabled,
		RatePerSec: float64(n.RatePerSec),
		Events:     n.Events,
	}
}

func mapPlatform(cfg *config.Config) platform.Config {
	return platform.Config{
		Driver:     cfg.Platform.Driver,
		RatePerSec: cfg.Platform.RatePerSec,
		Burst:      cfg.Platform.Burst,
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// /debug/pprof/profile streams for 30s by default.
	if cfg.HTTP.Pprof && wt <= 30*time.Second {
		wt = 35 * time.Second
	}
	return httpapi.Config{
		Addr:          cfg.HTTPAddr(),
		Token:         strings.TrimSpace(cfg.HTTP.Token),
		AllowInsecure: cfg.HTTP.AllowInsecure,
		Pprof:         cfg.HTTP.Pprof,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   60 * time.Second,
	}, nil
}
