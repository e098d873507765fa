package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fleetbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (bot token) are never included.
//
// Sections other than logging and notifier are only read at startup, so
// callers use the returned list to warn that a restart is required.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		file, root := newCfg.AccountsPaths()
		attrs = append(attrs, logx.String("accounts.file", file), logx.String("accounts.root", root))
	}

	if !reflect.DeepEqual(oldCfg.Fleet, newCfg.Fleet) {
		changed = append(changed, "fleet")
		attrs = append(attrs,
			logx.String("fleet.poll_interval", strings.TrimSpace(newCfg.Fleet.PollInterval)),
			logx.String("fleet.stop_timeout", strings.TrimSpace(newCfg.Fleet.StopTimeout)),
			logx.String("fleet.timezone", strings.TrimSpace(newCfg.Fleet.Timezone)),
			logx.Bool("fleet.autostart", newCfg.Fleet.Autostart),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platform, newCfg.Platform) {
		changed = append(changed, "platform")
		attrs = append(attrs, logx.String("platform.driver", newCfg.Platform.Driver))
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(nN.Telegram.Token) != ""),
			logx.Int64("notifier.chat_id", nN.Telegram.ChatID),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTPAddr()),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports whether any changed section is startup-only.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "logging", "notifier":
		default:
			return true
		}
	}
	return false
}
