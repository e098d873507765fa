package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind is a quota-governed category of external side effect.
type Kind string

const (
	KindTweets  Kind = "tweets"
	KindFollows Kind = "follows"
	KindLikes   Kind = "likes"
	KindReplies Kind = "replies"
)

// DefaultLimit applies when a kind has no configured hour/day limit.
const DefaultLimit = 999

// Kinds returns every tracked action kind in display order.
func Kinds() []Kind {
	return []Kind{KindTweets, KindFollows, KindLikes, KindReplies}
}

// Limits maps config keys like "likes_per_hour" / "likes_per_day" to limits.
type Limits map[string]int

// For returns the hour and day limits for kind, falling back to DefaultLimit.
func (l Limits) For(kind Kind) (hour, day int) {
	hour, day = DefaultLimit, DefaultLimit
	if v, ok := l[string(kind)+"_per_hour"]; ok && v >= 0 {
		hour = v
	}
	if v, ok := l[string(kind)+"_per_day"]; ok && v >= 0 {
		day = v
	}
	return hour, day
}

// Validate rejects unknown keys and negative values.
func (l Limits) Validate() error {
	known := map[string]bool{}
	for _, k := range Kinds() {
		known[string(k)+"_per_hour"] = true
		known[string(k)+"_per_day"] = true
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !known[strings.TrimSpace(k)] {
			return fmt.Errorf("rate_limits: unknown key %q", k)
		}
		if l[k] < 0 {
			return fmt.Errorf("rate_limits.%s: must be >= 0", k)
		}
	}
	return nil
}

// Status is a point-in-time view of one counter.
type Status struct {
	HourCount     int  `json:"hour_count"`
	HourLimit     int  `json:"hour_limit"`
	DayCount      int  `json:"day_count"`
	DayLimit      int  `json:"day_limit"`
	CanPerform    bool `json:"can_perform"`
	LastResetHour int  `json:"last_reset_hour"`
}

type key struct {
	tenant string
	kind   Kind
}

// counter holds one (tenant, kind) window. hourMark/dayMark are the wall-clock
// hour and date the counts belong to.
type counter struct {
	hourCount int
	dayCount  int
	hourMark  time.Time
	dayMark   time.Time
}

// Limiter tracks per-tenant, per-kind hourly and daily counts.
//
// Counters are created lazily and normalized on every call: crossing an hour
// boundary resets the hour count, crossing midnight also resets the day count.
// Nothing runs in the background. State is in-memory only.
type Limiter struct {
	mu       sync.Mutex
	now      func() time.Time
	def      Limits
	limits   map[string]Limits
	counters map[key]*counter
}

type Option func(*Limiter)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithDefaultLimits sets limits used for tenants without SetLimits.
func WithDefaultLimits(lim Limits) Option {
	return func(l *Limiter) { l.def = cloneLimits(lim) }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:      time.Now,
		limits:   map[string]Limits{},
		counters: map[key]*counter{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetLimits installs tenant-scoped limits. Existing counts are kept.
func (l *Limiter) SetLimits(tenant string, lim Limits) {
	l.mu.Lock()
	l.limits[tenant] = cloneLimits(lim)
	l.mu.Unlock()
}

// CanPerform reports whether both the hour and day counts are below their limits.
func (l *Limiter) CanPerform(tenant string, kind Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(tenant, kind).CanPerform
}

// Record counts one action. It does not check limits; call CanPerform first.
func (l *Limiter) Record(tenant string, kind Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.normalizeLocked(tenant, kind)
	c.hourCount++
	c.dayCount++
}

func (l *Limiter) Status(tenant string, kind Kind) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(tenant, kind)
}

// StatusAll returns the status of every kind for tenant.
func (l *Limiter) StatusAll(tenant string) map[Kind]Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Kind]Status, 4)
	for _, k := range Kinds() {
		out[k] = l.statusLocked(tenant, k)
	}
	return out
}

func (l *Limiter) statusLocked(tenant string, kind Kind) Status {
	c := l.normalizeLocked(tenant, kind)
	hl, dl := l.limitsLocked(tenant).For(kind)
	return Status{
		HourCount:     c.hourCount,
		HourLimit:     hl,
		DayCount:      c.dayCount,
		DayLimit:      dl,
		CanPerform:    c.hourCount < hl && c.dayCount < dl,
		LastResetHour: c.hourMark.Hour(),
	}
}

func (l *Limiter) limitsLocked(tenant string) Limits {
	if lim, ok := l.limits[tenant]; ok {
		return lim
	}
	return l.def
}

func (l *Limiter) normalizeLocked(tenant string, kind Kind) *counter {
	now := l.now()
	y, m, d := now.Date()
	hour := time.Date(y, m, d, now.Hour(), 0, 0, 0, now.Location())
	day := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	k := key{tenant: tenant, kind: kind}
	c := l.counters[k]
	if c == nil {
		c = &counter{hourMark: hour, dayMark: day}
		l.counters[k] = c
		return c
	}
	if !c.hourMark.Equal(hour) {
		c.hourCount = 0
		c.hourMark = hour
	}
	if !c.dayMark.Equal(day) {
		c.dayCount = 0
		c.dayMark = day
	}
	return c
}

func cloneLimits(in Limits) Limits {
	out := make(Limits, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
