package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"fleetbot/internal/ratelimit"
	"fleetbot/internal/schedule"
)

// TenantSettingsFile is the per-tenant settings file inside the tenant root.
const TenantSettingsFile = "settings.yaml"

// TenantSettings is a tenant's settings.yaml.
//
// Unlike the process config this file is decoded leniently: unknown keys are
// ignored so tenant folders can carry settings for other tools.
type TenantSettings struct {
	Schedule   ScheduleSettings   `yaml:"schedule" json:"schedule"`
	Safety     SafetySettings     `yaml:"safety" json:"safety"`
	AI         AISettings         `yaml:"ai" json:"ai"`
	Business   BusinessSettings   `yaml:"business" json:"business"`
	Engagement EngagementSettings `yaml:"engagement" json:"engagement"`
	Follow     FollowSettings     `yaml:"follow" json:"follow"`
}

// ScheduleSettings:
//
//	schedule:
//	  enabled: true
//	  morning:   { time: "08:00", enabled: true }
//	  evening:   { time: "20:00", enabled: true }
type ScheduleSettings struct {
	Enabled *bool                   `yaml:"enabled" json:"enabled,omitempty"`
	Slots   map[string]SlotSettings `yaml:",inline" json:"slots,omitempty"`
}

type SlotSettings struct {
	Time    string `yaml:"time" json:"time"`
	Enabled *bool  `yaml:"enabled" json:"enabled,omitempty"`
}

type SafetySettings struct {
	RateLimits ratelimit.Limits `yaml:"rate_limits" json:"rate_limits,omitempty"`
	Delays     DelaySettings    `yaml:"delays" json:"delays"`
}

// DelaySettings are pacing delays in seconds.
type DelaySettings struct {
	MinDelay    float64   `yaml:"min_delay" json:"min_delay"`
	MaxDelay    float64   `yaml:"max_delay" json:"max_delay"`
	AfterTweet  []float64 `yaml:"after_tweet" json:"after_tweet,omitempty"`
	AfterFollow []float64 `yaml:"after_follow" json:"after_follow,omitempty"`
}

type AISettings struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	APIURL        string `yaml:"api_url" json:"api_url,omitempty"`
	Timeout       int    `yaml:"timeout" json:"timeout,omitempty"` // seconds
	ImprovePrompt string `yaml:"improve_prompt" json:"improve_prompt,omitempty"`
}

type BusinessSettings struct {
	WANumber string `yaml:"wa_number" json:"wa_number,omitempty"`
	WALink   string `yaml:"wa_link" json:"wa_link,omitempty"`
}

type EngagementSettings struct {
	ReplyMax int `yaml:"reply_max" json:"reply_max"`
}

// FollowSettings maps slot name to the user-search keywords used by its follow step.
type FollowSettings struct {
	Keywords map[string][]string `yaml:"keywords" json:"keywords,omitempty"`
}

// DefaultTenantSettings is what a tenant without settings.yaml runs with.
func DefaultTenantSettings() TenantSettings {
	return TenantSettings{
		Safety: SafetySettings{
			RateLimits: ratelimit.Limits{},
			Delays: DelaySettings{
				MinDelay:    20,
				MaxDelay:    60,
				AfterTweet:  []float64{60, 180},
				AfterFollow: []float64{30, 90},
			},
		},
		AI: AISettings{Timeout: 30},
		Follow: FollowSettings{Keywords: map[string][]string{
			"morning": {"mahasiswa kuota", "wfh internet", "butuh kuota"},
			"evening": {"gamer kuota", "streaming internet"},
		}},
	}
}

// LoadTenantSettings reads <root>/settings.yaml over DefaultTenantSettings.
// A missing file is not an error.
func LoadTenantSettings(root string) (TenantSettings, error) {
	s := DefaultTenantSettings()
	path := filepath.Join(root, TenantSettingsFile)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return DefaultTenantSettings(), fmt.Errorf("%s: %w", path, err)
	}
	if s.Safety.RateLimits == nil {
		s.Safety.RateLimits = ratelimit.Limits{}
	}
	return s, nil
}

// Validate reports every problem in the settings, not just the first.
func (s TenantSettings) Validate() error {
	var errs []error
	if err := schedule.Validate(s.Slots()); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	if err := s.Safety.RateLimits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("safety: %w", err))
	}
	d := s.Safety.Delays
	if d.MinDelay < 0 || d.MaxDelay < 0 {
		errs = append(errs, errors.New("safety.delays: must be >= 0"))
	}
	for name, r := range map[string][]float64{"after_tweet": d.AfterTweet, "after_follow": d.AfterFollow} {
		if len(r) != 0 && len(r) != 2 {
			errs = append(errs, fmt.Errorf("safety.delays.%s: want [min, max]", name))
		}
	}
	if s.AI.Enabled && strings.TrimSpace(s.AI.APIURL) == "" {
		errs = append(errs, errors.New("ai.api_url: required when ai is enabled"))
	}
	if s.Engagement.ReplyMax < 0 {
		errs = append(errs, errors.New("engagement.reply_max: must be >= 0"))
	}
	return errors.Join(errs...)
}

// ScheduleEnabled reports the schedule master switch (default on).
func (s TenantSettings) ScheduleEnabled() bool {
	return s.Schedule.Enabled == nil || *s.Schedule.Enabled
}

// Slots returns the tenant's slots ordered by time of day. With no slots
// configured the stock morning/afternoon/evening plan is used. When the
// master switch is off every slot is returned disabled.
func (s TenantSettings) Slots() []schedule.Slot {
	var out []schedule.Slot
	if len(s.Schedule.Slots) == 0 {
		out = schedule.DefaultSlots()
	} else {
		out = make([]schedule.Slot, 0, len(s.Schedule.Slots))
		for name, st := range s.Schedule.Slots {
			out = append(out, schedule.Slot{
				Name:    name,
				Time:    st.Time,
				Enabled: st.Enabled == nil || *st.Enabled,
			})
		}
		sort.Slice(out, func(i, j int) bool {
			ti, _, _, _ := schedule.ParseTime(out[i].Time)
			tj, _, _, _ := schedule.ParseTime(out[j].Time)
			if ti != tj {
				return ti < tj
			}
			return out[i].Name < out[j].Name
		})
	}
	if !s.ScheduleEnabled() {
		for i := range out {
			out[i].Enabled = false
		}
	}
	return out
}

// DelayRange is an inclusive pacing window.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// DelayRanges resolves the default, after-post and after-follow pacing windows.
// A missing specific range falls back to the default one.
func (d DelaySettings) DelayRanges() (def, afterTweet, afterFollow DelayRange) {
	lo, hi := secondsRange([2]float64{d.MinDelay, d.MaxDelay})
	def = DelayRange{Min: lo, Max: hi}
	afterTweet, afterFollow = def, def
	if len(d.AfterTweet) == 2 {
		lo, hi = secondsRange([2]float64{d.AfterTweet[0], d.AfterTweet[1]})
		afterTweet = DelayRange{Min: lo, Max: hi}
	}
	if len(d.AfterFollow) == 2 {
		lo, hi = secondsRange([2]float64{d.AfterFollow[0], d.AfterFollow[1]})
		afterFollow = DelayRange{Min: lo, Max: hi}
	}
	return def, afterTweet, afterFollow
}

// AITimeout is the rewrite service timeout (default 30s).
func (a AISettings) AITimeout() time.Duration {
	if a.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.Timeout) * time.Second
}
