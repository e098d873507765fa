package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Slot is a named, time-of-day unit of scheduled work.
type Slot struct {
	Name    string `json:"name" yaml:"name"`
	Time    string `json:"time" yaml:"time"` // "HH:MM"
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// DefaultSlots mirrors the stock daily plan.
func DefaultSlots() []Slot {
	return []Slot{
		{Name: "morning", Time: "08:00", Enabled: true},
		{Name: "afternoon", Time: "13:00", Enabled: true},
		{Name: "evening", Time: "20:00", Enabled: true},
	}
}

var reTime = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTime normalizes "8:00" to "08:00" and returns hour and minute.
func ParseTime(raw string) (norm string, hour, minute int, err error) {
	m := reTime.FindStringSubmatch(raw)
	if m == nil {
		return "", 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", raw)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return "", 0, 0, fmt.Errorf("invalid time %q: out of range", raw)
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), hour, minute, nil
}

// Validate checks names are unique and non-empty and every time parses.
func Validate(slots []Slot) error {
	seen := map[string]bool{}
	var errs []error
	for i, s := range slots {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("slots[%d]: name required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("slots[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if _, _, _, err := ParseTime(s.Time); err != nil {
			errs = append(errs, fmt.Errorf("slots[%d] (%s): %w", i, name, err))
		}
	}
	return errors.Join(errs...)
}

// Clock evaluates slots against wall-clock time in a single location.
//
// A slot is due only during the exact minute named by its time. There is no
// catch-up: a minute the process misses is a slot that does not run that day.
type Clock struct {
	loc *time.Location
}

func NewClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return Clock{loc: loc}
}

// LoadClock resolves an IANA timezone name; empty means local time.
func LoadClock(tz string) (Clock, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return NewClock(time.Local), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Clock{}, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return NewClock(loc), nil
}

func (c Clock) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

// Due returns the names of enabled slots whose HH:MM equals now, in slot order.
func (c Clock) Due(slots []Slot, now time.Time) []string {
	hhmm := now.In(c.Location()).Format("15:04")
	var out []string
	for _, s := range slots {
		if !s.Enabled {
			continue
		}
		norm, _, _, err := ParseTime(s.Time)
		if err != nil {
			continue
		}
		if norm == hhmm {
			out = append(out, s.Name)
		}
	}
	return out
}

// Fire is the next run time of one slot.
type Fire struct {
	Slot string    `json:"slot"`
	At   time.Time `json:"at"`
}

// Next returns the next fire time after now for every enabled slot, soonest first.
func (c Clock) Next(slots []Slot, now time.Time) []Fire {
	now = now.In(c.Location())
	out := make([]Fire, 0, len(slots))
	for _, s := range slots {
		if !s.Enabled {
			continue
		}
		_, h, m, err := ParseTime(s.Time)
		if err != nil {
			continue
		}
		sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
		if err != nil {
			continue
		}
		out = append(out, Fire{Slot: s.Name, At: sched.Next(now)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
