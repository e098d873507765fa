package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func at(day, hour, min int) time.Time {
	return time.Date(2026, time.March, day, hour, min, 0, 0, time.UTC)
}

func TestHourWindowResets(t *testing.T) {
	clk := &fakeClock{now: at(10, 14, 5)}
	l := New(WithClock(clk.Now))
	l.SetLimits("a", Limits{"likes_per_hour": 3, "likes_per_day": 100})

	for i := 0; i < 3; i++ {
		if !l.CanPerform("a", KindLikes) {
			t.Fatalf("like %d: expected allowed", i)
		}
		l.Record("a", KindLikes)
	}
	if l.CanPerform("a", KindLikes) {
		t.Fatalf("expected hour limit reached at 14:xx")
	}

	clk.Set(at(10, 14, 59))
	if l.CanPerform("a", KindLikes) {
		t.Fatalf("expected still limited within the same hour")
	}

	clk.Set(at(10, 15, 0))
	st := l.Status("a", KindLikes)
	if !st.CanPerform {
		t.Fatalf("expected allowed after crossing into 15:00")
	}
	if st.HourCount != 0 {
		t.Fatalf("hour count = %d, want 0", st.HourCount)
	}
	if st.DayCount != 3 {
		t.Fatalf("day count = %d, want 3 (unchanged)", st.DayCount)
	}
	if st.LastResetHour != 15 {
		t.Fatalf("last reset hour = %d, want 15", st.LastResetHour)
	}
}

func TestHourWindowWrapsAtMidnight(t *testing.T) {
	clk := &fakeClock{now: at(10, 23, 30)}
	l := New(WithClock(clk.Now))
	l.SetLimits("a", Limits{"tweets_per_hour": 1})

	l.Record("a", KindTweets)
	if l.CanPerform("a", KindTweets) {
		t.Fatalf("expected limited at 23:30")
	}
	clk.Set(at(11, 0, 1))
	if !l.CanPerform("a", KindTweets) {
		t.Fatalf("expected allowed after 23 -> 0 crossing")
	}
}

func TestDayCountResetsOnlyOnNewDay(t *testing.T) {
	clk := &fakeClock{now: at(10, 8, 0)}
	l := New(WithClock(clk.Now))
	l.SetLimits("a", Limits{"follows_per_hour": 100, "follows_per_day": 5})

	for h := 8; h < 13; h++ {
		clk.Set(at(10, h, 10))
		l.Record("a", KindFollows)
	}
	st := l.Status("a", KindFollows)
	if st.DayCount != 5 || st.HourCount != 1 {
		t.Fatalf("got day=%d hour=%d, want day=5 hour=1", st.DayCount, st.HourCount)
	}
	if st.CanPerform {
		t.Fatalf("expected day limit to block")
	}

	// Later hours of the same day keep the day count.
	clk.Set(at(10, 23, 59))
	if got := l.Status("a", KindFollows).DayCount; got != 5 {
		t.Fatalf("day count at 23:59 = %d, want 5", got)
	}

	clk.Set(at(11, 0, 0))
	st = l.Status("a", KindFollows)
	if st.DayCount != 0 || !st.CanPerform {
		t.Fatalf("expected day reset at midnight, got %+v", st)
	}

	// Repeated calls during hour 0 must not reset a count recorded in hour 0.
	l.Record("a", KindFollows)
	clk.Set(at(11, 0, 45))
	if got := l.Status("a", KindFollows).DayCount; got != 1 {
		t.Fatalf("day count during hour 0 = %d, want 1", got)
	}
}

func TestDayCountResetsAfterIdleMidnight(t *testing.T) {
	clk := &fakeClock{now: at(10, 23, 0)}
	l := New(WithClock(clk.Now))
	l.SetLimits("a", Limits{"likes_per_day": 1})
	l.Record("a", KindLikes)
	if l.CanPerform("a", KindLikes) {
		t.Fatal("expected day limit to block")
	}

	// No call lands in hour 0; the next one is at 05:00.
	clk.Set(at(11, 5, 0))
	if st := l.Status("a", KindLikes); st.DayCount != 0 || !st.CanPerform {
		t.Fatalf("day window crossed without a reset: %+v", st)
	}
}

func TestDefaultLimitWhenMissing(t *testing.T) {
	l := New()
	st := l.Status("a", KindReplies)
	if st.HourLimit != DefaultLimit || st.DayLimit != DefaultLimit {
		t.Fatalf("limits = %d/%d, want %d", st.HourLimit, st.DayLimit, DefaultLimit)
	}
	if !st.CanPerform {
		t.Fatalf("expected allowed with default limits")
	}
}

func TestZeroLimitBlocks(t *testing.T) {
	l := New()
	l.SetLimits("a", Limits{"likes_per_hour": 0})
	if l.CanPerform("a", KindLikes) {
		t.Fatalf("expected zero hour limit to block")
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	l := New()
	l.SetLimits("a", Limits{"likes_per_hour": 1})
	l.SetLimits("b", Limits{"likes_per_hour": 1})

	l.Record("a", KindLikes)
	if l.CanPerform("a", KindLikes) {
		t.Fatalf("tenant a should be limited")
	}
	if !l.CanPerform("b", KindLikes) {
		t.Fatalf("tenant b must not be affected by tenant a")
	}
}

func TestLimitsValidate(t *testing.T) {
	cases := []struct {
		name    string
		in      Limits
		wantErr bool
	}{
		{"empty", Limits{}, false},
		{"known", Limits{"tweets_per_hour": 2, "replies_per_day": 10}, false},
		{"unknown", Limits{"retweets_per_hour": 1}, true},
		{"negative", Limits{"likes_per_day": -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.in.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestGateRequiresBothLimiters(t *testing.T) {
	local := New()
	global := New(WithDefaultLimits(Limits{"tweets_per_hour": 2}))
	a := Gate{Tenant: "a", Local: local, Global: global}
	b := Gate{Tenant: "b", Local: local, Global: global}

	a.Record(KindTweets)
	b.Record(KindTweets)

	if a.CanPerform(KindTweets) || b.CanPerform(KindTweets) {
		t.Fatalf("expected shared global quota to be exhausted")
	}
	if got := a.Status(KindTweets).HourCount; got != 1 {
		t.Fatalf("tenant a local hour count = %d, want 1", got)
	}
	if !a.CanPerform(KindLikes) {
		t.Fatalf("other kinds must stay open")
	}
}

func TestConcurrentGlobalRecord(t *testing.T) {
	global := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := Gate{Tenant: "t", Global: global}
			for j := 0; j < 100; j++ {
				g.Record(KindLikes)
			}
		}()
	}
	wg.Wait()
	if got := global.Status(GlobalTenant, KindLikes).HourCount; got != 800 {
		t.Fatalf("global hour count = %d, want 800", got)
	}
}
