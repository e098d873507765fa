package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetbot/internal/pipeline"
	"fleetbot/internal/platform"
	"fleetbot/internal/ratelimit"
	"fleetbot/internal/registry"
	"fleetbot/internal/schedule"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

type stubClient struct {
	*platform.DryRun
	authErr error
	closed  atomic.Bool
}

func (c *stubClient) Authenticate(ctx context.Context) (platform.Profile, error) {
	if c.authErr != nil {
		return platform.Profile{}, c.authErr
	}
	return c.DryRun.Authenticate(ctx)
}

func (c *stubClient) Close() error {
	c.closed.Store(true)
	return c.DryRun.Close()
}

func newStubClient() *stubClient {
	return &stubClient{DryRun: platform.NewDryRun("a", "shop", logx.Nop())}
}

type stubRunner struct {
	mu    sync.Mutex
	slots []string
	panic string
}

func (r *stubRunner) RunSlot(_ context.Context, slot string) pipeline.Report {
	r.mu.Lock()
	r.slots = append(r.slots, slot)
	r.mu.Unlock()
	if slot == r.panic {
		panic("boom")
	}
	return pipeline.Report{Slot: slot, Steps: []pipeline.StepResult{{Step: pipeline.StepPost, Outcome: pipeline.Performed, Count: 1}}}
}

func (r *stubRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.slots...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) report(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, e := range l.events {
		if e.Type == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func at(hhmm string) func() time.Time {
	ts, _ := time.ParseInLocation("2006-01-02 15:04:05", "2026-03-02 "+hhmm+":10", time.UTC)
	return func() time.Time { return ts }
}

func newWorker(t *testing.T, client platform.Client, runner SlotRunner, log *eventLog, now func() time.Time, slots []schedule.Slot) *Worker {
	t.Helper()
	w, err := New(Config{
		Tenant:       "a",
		Client:       client,
		Runner:       runner,
		Gate:         ratelimit.Gate{Tenant: "a", Local: ratelimit.New()},
		Clock:        schedule.NewClock(time.UTC),
		Slots:        slots,
		PollInterval: 2 * time.Millisecond,
		SlotCooldown: 2 * time.Millisecond,
		Report:       log.report,
		Now:          now,
	})
	require.NoError(t, err)
	return w
}

func runFor(t *testing.T, w *Worker, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.Run(ctx)
}

func TestLoginFailureNeverLoops(t *testing.T) {
	client := newStubClient()
	client.authErr = errors.New("bad cookie")
	runner := &stubRunner{}
	log := &eventLog{}
	w := newWorker(t, client, runner, log, at("08:00"), schedule.DefaultSlots())

	err := runFor(t, w, time.Second)
	require.ErrorIs(t, err, ErrSetup)
	assert.Equal(t, []State{StateInitializing, StateTerminated}, log.states())
	assert.Empty(t, runner.ran())
	assert.True(t, client.closed.Load(), "cleanup must close the client")
}

func TestSlotRunsOncePerMinute(t *testing.T) {
	runner := &stubRunner{}
	log := &eventLog{}
	w := newWorker(t, newStubClient(), runner, log, at("08:00"), schedule.DefaultSlots())

	require.NoError(t, runFor(t, w, 80*time.Millisecond))
	assert.Equal(t, []string{"morning"}, runner.ran())
	assert.Equal(t, 1, log.count(EventSlot))
	assert.Equal(t, []State{StateInitializing, StateLooping, StateStopping, StateTerminated}, log.states())

	p := w.Progress()
	assert.Equal(t, StateTerminated, p.State)
	assert.Equal(t, 1, p.SlotsRun)
	require.NotNil(t, p.LastReport)
	assert.Equal(t, "morning", p.LastReport.Slot)
}

func TestNothingDueOnlyPolls(t *testing.T) {
	runner := &stubRunner{}
	w := newWorker(t, newStubClient(), runner, &eventLog{}, at("07:59"), schedule.DefaultSlots())
	require.NoError(t, runFor(t, w, 30*time.Millisecond))
	assert.Empty(t, runner.ran())
}

func TestSlotPanicIsRecovered(t *testing.T) {
	runner := &stubRunner{panic: "a"}
	log := &eventLog{}
	slots := []schedule.Slot{
		{Name: "a", Time: "08:00", Enabled: true},
		{Name: "b", Time: "08:00", Enabled: true},
	}
	w := newWorker(t, newStubClient(), runner, log, at("08:00"), slots)

	require.NoError(t, runFor(t, w, 50*time.Millisecond))
	assert.Equal(t, []string{"a", "b"}, runner.ran())
	assert.Equal(t, 1, log.count(EventError))
	assert.Equal(t, 1, log.count(EventSlot))
}

func TestProgressWhileLooping(t *testing.T) {
	w := newWorker(t, newStubClient(), &stubRunner{}, &eventLog{}, at("07:00"), schedule.DefaultSlots())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Progress().State == StateLooping }, time.Second, time.Millisecond)
	p := w.Progress()
	require.NotNil(t, p.Profile)
	assert.Equal(t, "shop", p.Profile.Username)
	require.Len(t, p.Next, 3)
	assert.Equal(t, "morning", p.Next[0].Slot)
	assert.Len(t, p.Limits, len(ratelimit.Kinds()))

	cancel()
	require.NoError(t, <-done)
}

func TestRunOnceAndCheck(t *testing.T) {
	runner := &stubRunner{}
	client := newStubClient()
	w := newWorker(t, client, runner, &eventLog{}, at("12:00"), nil)
	rep, err := w.RunOnce(context.Background(), "evening")
	require.NoError(t, err)
	assert.Equal(t, "evening", rep.Slot)
	assert.True(t, client.closed.Load())

	w = newWorker(t, newStubClient(), runner, &eventLog{}, at("12:00"), nil)
	p, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shop", p.Username)
}

type activityStore struct {
	storage.Store
	mu   sync.Mutex
	rows []storage.Activity
}

func (s *activityStore) AppendActivity(_ context.Context, a storage.Activity) error {
	s.mu.Lock()
	s.rows = append(s.rows, a)
	s.mu.Unlock()
	return nil
}

func TestLoginRecordsInitializeActivity(t *testing.T) {
	st := &activityStore{Store: storage.Nop()}
	w, err := New(Config{Tenant: "a", Client: newStubClient(), Runner: &stubRunner{}, Store: st})
	require.NoError(t, err)
	_, err = w.Check(context.Background())
	require.NoError(t, err)

	bad := newStubClient()
	bad.authErr = errors.New("bad cookie")
	w, err = New(Config{Tenant: "a", Client: bad, Runner: &stubRunner{}, Store: st, Clock: schedule.NewClock(time.UTC)})
	require.NoError(t, err)
	require.ErrorIs(t, w.Run(context.Background()), ErrSetup)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.rows, 2)
	assert.Equal(t, "initialize", st.rows[0].Type)
	assert.True(t, st.rows[0].Success)
	assert.Equal(t, "logged in as @shop", st.rows[0].Details)
	assert.Equal(t, "initialize", st.rows[1].Type)
	assert.False(t, st.rows[1].Success)
	assert.Contains(t, st.rows[1].Error, "bad cookie")
}

func TestFactoryBuild(t *testing.T) {
	root := t.TempDir()
	settings := `
schedule:
  enabled: true
  morning: { time: "9:30", enabled: true }
  evening: { time: "21:00", enabled: false }
safety:
  rate_limits:
    tweets_per_hour: 2
engagement:
  reply_max: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "settings.yaml"), []byte(settings), 0o600))

	lim := ratelimit.New()
	f := &Factory{Limiter: lim, Clock: schedule.NewClock(time.UTC)}
	w, err := f.Build(registry.Tenant{ID: "a", Username: "shop", Root: root, Enabled: true}, nil)
	require.NoError(t, err)
	require.Len(t, w.cfg.Slots, 2)
	assert.Equal(t, "morning", w.cfg.Slots[0].Name)
	assert.False(t, w.cfg.Slots[1].Enabled)
	assert.Equal(t, 2, lim.Status("a", ratelimit.KindTweets).HourLimit)

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "settings.yaml"), []byte("schedule:\n  morning: { time: \"25:00\" }\n"), 0o600))
	_, err = f.Build(registry.Tenant{ID: "b", Root: bad}, nil)
	require.ErrorIs(t, err, ErrSetup)
}
